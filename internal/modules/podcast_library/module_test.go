package podcastlibrary

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/contentdir"
	"github.com/mikey-austin/mupnp/pkg/didl"
)

func newTestModule(t *testing.T, cfg Config, transport testTransport) (*Module, *contentdir.Store) {
	t.Helper()
	store := contentdir.NewStore("root", nil)
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	if len(cfg.Feeds) == 0 {
		cfg.Feeds = []string{"http://example.test/feed.xml"}
	}
	module, err := NewModule(zap.NewNop(), store, cfg)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	module.http = &http.Client{Transport: transport}
	if err := module.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return module, store
}

func children(t *testing.T, store *contentdir.Store, id string) []didl.Object {
	t.Helper()
	snap, err := store.Children(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatalf("children of %s: %v", id, err)
	}
	return snap.Objects
}

func titles(objects []didl.Object) string {
	out := make([]string, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj.Title)
	}
	return strings.Join(out, ",")
}

func TestBrowseFeedsAndEpisodes(t *testing.T) {
	feedCalls := int32(0)
	cacheDir := t.TempDir()
	feedURL := "http://example.test/feed.xml"
	module, store := newTestModule(t, Config{CacheDir: cacheDir, Feeds: []string{feedURL}}, func(_ *http.Request) (*http.Response, error) {
		atomic.AddInt32(&feedCalls, 1)
		return feedResponse(testFeed), nil
	})

	top := children(t, store, contentdir.RootID)
	if len(top) != 1 || top[0].Title != "Podcasts" || top[0].ID != module.top {
		t.Fatalf("unexpected top level %+v", top)
	}
	folders := children(t, store, module.top)
	if got := titles(folders); got != "Latest,Sample Podcast" {
		t.Fatalf("unexpected folders %s", got)
	}
	podcast := folders[1]
	if podcast.Artist != "Sample Host" || len(podcast.AlbumArt) != 1 || podcast.AlbumArt[0].URI != "https://example.com/podcast.png" {
		t.Fatalf("unexpected feed container %+v", podcast)
	}

	episodes := children(t, store, podcast.ID)
	if got := titles(episodes); got != "Episode Two,Episode One" {
		t.Fatalf("expected newest first, got %s", got)
	}
	one := episodes[1]
	if one.Class != didl.ClassMusicTrack || one.Album != "Sample Podcast" || one.Date != "2024-01-01" {
		t.Fatalf("unexpected episode %+v", one)
	}
	res := one.Resources[0]
	if res.URL != "https://example.com/audio1.mp3" || res.ProtocolInfo != "http-get:*:audio/mpeg:*" {
		t.Fatalf("unexpected resource %+v", res)
	}
	if res.Duration != "1:02:03.000" || res.Size != 123 {
		t.Fatalf("unexpected resource details %+v", res)
	}
	if len(one.AlbumArt) != 1 || one.AlbumArt[0].URI != "https://example.com/ep1.png" {
		t.Fatalf("expected episode art, got %+v", one.AlbumArt)
	}

	if got := atomic.LoadInt32(&feedCalls); got != 1 {
		t.Fatalf("expected 1 feed fetch, got %d", got)
	}
	cachePath := filepath.Join(cacheDir, "podcast_"+hashID("feed", feedURL)+".json")
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("expected feed cache: %v", err)
	}
}

func TestFeedRefreshKeepsUnchangedEpisodes(t *testing.T) {
	var body atomic.Value
	body.Store(testFeed)
	_, store := newTestModule(t, Config{RefreshInterval: time.Nanosecond}, func(_ *http.Request) (*http.Response, error) {
		return feedResponse(body.Load().(string)), nil
	})
	top := children(t, store, contentdir.RootID)[0]
	podcast := children(t, store, top.ID)[1]
	before := children(t, store, podcast.ID)
	oneID := before[1].ID

	body.Store(strings.Replace(testFeed, episodeTwo, episodeThree, 1))
	after := children(t, store, podcast.ID)
	if got := titles(after); got != "Episode Three,Episode One" {
		t.Fatalf("unexpected episodes after refresh %s", got)
	}
	if after[1].ID != oneID {
		t.Fatalf("expected stable id %s, got %s", oneID, after[1].ID)
	}
	if _, ok := store.Get(before[0].ID); ok {
		t.Fatalf("expected removed episode to be gone")
	}
}

func TestStaleCacheServedOnFetchFailure(t *testing.T) {
	fail := atomic.Bool{}
	_, store := newTestModule(t, Config{RefreshInterval: time.Nanosecond}, func(_ *http.Request) (*http.Response, error) {
		if fail.Load() {
			return nil, errors.New("offline")
		}
		return feedResponse(testFeed), nil
	})
	top := children(t, store, contentdir.RootID)[0]
	podcast := children(t, store, top.ID)[1]
	if got := len(children(t, store, podcast.ID)); got != 2 {
		t.Fatalf("expected 2 episodes, got %d", got)
	}
	fail.Store(true)
	if got := titles(children(t, store, podcast.ID)); got != "Episode Two,Episode One" {
		t.Fatalf("expected cached episodes, got %s", got)
	}
}

func TestUnreachableFeedListedByURL(t *testing.T) {
	module, store := newTestModule(t, Config{}, func(_ *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 500, Status: "500 Internal Server Error", Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	folders := children(t, store, module.top)
	if got := titles(folders); got != "Latest,http://example.test/feed.xml" {
		t.Fatalf("unexpected folders %s", got)
	}
	if got := len(children(t, store, folders[1].ID)); got != 0 {
		t.Fatalf("expected no episodes, got %d", got)
	}
}

func TestLatestAndOldestFirst(t *testing.T) {
	module, store := newTestModule(t, Config{OldestFirst: true, LatestCount: 1}, func(_ *http.Request) (*http.Response, error) {
		return feedResponse(testFeed), nil
	})
	folders := children(t, store, module.top)
	latest := children(t, store, folders[0].ID)
	if got := titles(latest); got != "Episode Two" {
		t.Fatalf("unexpected latest %s", got)
	}
	if got := titles(children(t, store, folders[1].ID)); got != "Episode One,Episode Two" {
		t.Fatalf("expected oldest first, got %s", got)
	}
}

func TestParseDurationMS(t *testing.T) {
	cases := map[string]int64{
		"":         0,
		"90":       90000,
		"01:30":    90000,
		"01:02:03": 3723000,
		"abc":      0,
	}
	for raw, want := range cases {
		item := &gofeed.Item{ITunesExt: &ext.ITunesItemExtension{Duration: raw}}
		if got := parseDurationMS(item); got != want {
			t.Fatalf("duration %q: expected %d, got %d", raw, want, got)
		}
	}
}

func TestNewModuleValidation(t *testing.T) {
	if _, err := NewModule(nil, nil, Config{Feeds: []string{"x"}}); err == nil {
		t.Fatalf("expected store error")
	}
	if _, err := NewModule(nil, contentdir.NewStore("root", nil), Config{CacheDir: t.TempDir()}); err == nil {
		t.Fatalf("expected feeds error")
	}
}

type testTransport func(*http.Request) (*http.Response, error)

func (t testTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t(r)
}

func feedResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": []string{"application/rss+xml"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

const episodeTwo = `<item>
    <title>Episode Two</title>
    <guid>ep-2</guid>
    <description>Second episode</description>
    <pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate>
    <enclosure url="https://example.com/audio2.mp3" length="456" type="audio/mpeg"/>
  </item>`

const episodeThree = `<item>
    <title>Episode Three</title>
    <guid>ep-3</guid>
    <pubDate>Wed, 03 Jan 2024 10:00:00 GMT</pubDate>
    <enclosure url="https://example.com/audio3.mp3" length="789" type="audio/mpeg"/>
  </item>`

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
<channel>
  <title>Sample Podcast</title>
  <description>Sample podcast feed</description>
  <itunes:author>Sample Host</itunes:author>
  <image>
    <url>https://example.com/podcast.png</url>
  </image>
  <item>
    <title>Episode One</title>
    <guid>ep-1</guid>
    <description>First episode</description>
    <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
    <enclosure url="https://example.com/audio1.mp3" length="123" type="audio/mpeg"/>
    <itunes:duration>01:02:03</itunes:duration>
    <itunes:image href="https://example.com/ep1.png"/>
  </item>
  ` + episodeTwo + `
</channel>
</rss>`
