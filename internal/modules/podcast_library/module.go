package podcastlibrary

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/mupnp/internal/contentdir"
	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Config configures the podcast library module.
type Config struct {
	Name              string
	Feeds             []string
	RefreshInterval   time.Duration
	CacheDir          string
	Timeout           time.Duration
	UserAgent         string
	DefaultItemAuthor string
	// OldestFirst lists episodes in publication order instead of newest
	// first.
	OldestFirst bool
	LatestCount int
}

// Module exposes podcast feeds as lazily refreshed containers.
type Module struct {
	log     *zap.Logger
	store   *contentdir.Store
	http    *http.Client
	config  Config
	cacheMu sync.Mutex
	feeds   map[string]*feedCache

	top string
}

type feedCache struct {
	Feed cachedFeed
}

type cachedFeed struct {
	FeedURL     string          `json:"feedUrl"`
	FeedID      string          `json:"feedId"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Author      string          `json:"author"`
	ImageURL    string          `json:"imageUrl"`
	FetchedAt   int64           `json:"fetchedAt"`
	Episodes    []cachedEpisode `json:"episodes"`
}

type cachedEpisode struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Published   int64  `json:"published"`
	DurationMS  int64  `json:"durationMs"`
	AudioURL    string `json:"audioUrl"`
	AudioType   string `json:"audioType"`
	AudioSize   int64  `json:"audioSize"`
	ImageURL    string `json:"imageUrl"`
	Author      string `json:"author"`
}

// NewModule initializes a podcast library module.
func NewModule(log *zap.Logger, store *contentdir.Store, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		return nil, errors.New("content store required")
	}
	if len(cfg.Feeds) == 0 {
		return nil, errors.New("feeds required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "Podcasts"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 24 * time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mupnp/1.0"
	}
	if cfg.LatestCount == 0 {
		cfg.LatestCount = 20
	}
	if strings.TrimSpace(cfg.CacheDir) == "" {
		cfg.CacheDir = defaultCacheDir()
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o750); err != nil {
		return nil, err
	}

	return &Module{
		log:    log,
		store:  store,
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		feeds:  make(map[string]*feedCache),
	}, nil
}

// Run publishes the podcast containers and waits for ctx. Feeds are only
// fetched when a client browses them.
func (m *Module) Run(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (m *Module) setup() error {
	top := didl.NewContainer("", "", m.config.Name, didl.ClassStorageFolder)
	id, err := m.store.AddLazyContainer(contentdir.RootID, top, contentdir.PageFetcherFunc(m.fetchFeeds), m.config.RefreshInterval)
	if err != nil {
		return err
	}
	m.top = id
	m.log.Info("podcast library ready", zap.String("container", id), zap.Int("feeds", len(m.config.Feeds)))
	return nil
}

// fetchFeeds lists one container per feed plus the latest episodes folder.
// A feed that cannot be loaded is still listed under its URL.
func (m *Module) fetchFeeds(ctx context.Context, _ int) ([]contentdir.LazyEntry, bool, error) {
	loaded := make([]*feedCache, len(m.config.Feeds))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i, feedURL := range m.config.Feeds {
		group.Go(func() error {
			feed, err := m.loadFeed(gctx, feedURL)
			if err != nil {
				m.log.Warn("feed load failed", zap.String("feed", feedURL), zap.Error(err))
				return nil
			}
			loaded[i] = feed
			return nil
		})
	}
	_ = group.Wait()

	entries := make([]contentdir.LazyEntry, 0, len(m.config.Feeds)+1)
	latest := didl.NewContainer("", "", "Latest", didl.ClassPlaylistContainer)
	entries = append(entries, contentdir.LazyEntry{
		Key:     "latest",
		Object:  latest,
		Fetcher: contentdir.PageFetcherFunc(m.fetchLatest),
	})
	for i, feedURL := range m.config.Feeds {
		obj := feedObject(feedURL, loaded[i])
		entries = append(entries, contentdir.LazyEntry{
			Key:     hashID("feed", feedURL),
			Object:  obj,
			Keep:    func(old didl.Object) bool { return old.Title == obj.Title && old.Artist == obj.Artist },
			Fetcher: contentdir.PageFetcherFunc(m.episodeFetcher(feedURL)),
		})
	}
	return entries, false, nil
}

func feedObject(feedURL string, feed *feedCache) didl.Object {
	obj := didl.NewContainer("", "", feedURL, didl.ClassPlaylistContainer)
	if feed == nil {
		return obj
	}
	obj.Title = feed.Feed.Title
	obj.Artist = feed.Feed.Author
	obj.Creator = feed.Feed.Author
	obj.Description = feed.Feed.Description
	if feed.Feed.ImageURL != "" {
		obj.AlbumArt = []didl.AlbumArt{{URI: feed.Feed.ImageURL}}
	}
	return obj
}

func (m *Module) episodeFetcher(feedURL string) func(context.Context, int) ([]contentdir.LazyEntry, bool, error) {
	return func(ctx context.Context, _ int) ([]contentdir.LazyEntry, bool, error) {
		feed, err := m.loadFeed(ctx, feedURL)
		if err != nil {
			return nil, false, err
		}
		episodes := append([]cachedEpisode(nil), feed.Feed.Episodes...)
		m.sortEpisodes(episodes)
		return m.episodeEntries(&feed.Feed, episodes), false, nil
	}
}

func (m *Module) fetchLatest(ctx context.Context, _ int) ([]contentdir.LazyEntry, bool, error) {
	type result struct {
		episode cachedEpisode
		feed    *cachedFeed
	}
	var results []result
	var lastErr error
	for _, feedURL := range m.config.Feeds {
		feed, err := m.loadFeed(ctx, feedURL)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ep := range feed.Feed.Episodes {
			results = append(results, result{episode: ep, feed: &feed.Feed})
		}
	}
	if len(results) == 0 && lastErr != nil {
		return nil, false, lastErr
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].episode.Published > results[j].episode.Published })
	if len(results) > m.config.LatestCount {
		results = results[:m.config.LatestCount]
	}
	entries := make([]contentdir.LazyEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, m.episodeEntries(r.feed, []cachedEpisode{r.episode})...)
	}
	return entries, false, nil
}

func (m *Module) sortEpisodes(episodes []cachedEpisode) {
	if m.config.OldestFirst {
		sort.SliceStable(episodes, func(i, j int) bool { return episodes[i].Published < episodes[j].Published })
		return
	}
	sort.SliceStable(episodes, func(i, j int) bool { return episodes[i].Published > episodes[j].Published })
}

func (m *Module) episodeEntries(feed *cachedFeed, episodes []cachedEpisode) []contentdir.LazyEntry {
	entries := make([]contentdir.LazyEntry, 0, len(episodes))
	for _, ep := range episodes {
		if ep.AudioURL == "" {
			continue
		}
		obj := m.episodeObject(feed, ep)
		entries = append(entries, contentdir.LazyEntry{
			Key:    ep.ID,
			Object: obj,
			Keep: func(old didl.Object) bool {
				return old.Title == obj.Title && len(old.Resources) > 0 && old.Resources[0].URL == ep.AudioURL
			},
		})
	}
	return entries
}

func (m *Module) episodeObject(feed *cachedFeed, ep cachedEpisode) didl.Object {
	obj := didl.NewItem("", "", ep.Title, didl.ClassMusicTrack)
	obj.Album = feed.Title
	obj.Artist = ep.Author
	if obj.Artist == "" {
		obj.Artist = m.config.DefaultItemAuthor
	}
	obj.Creator = obj.Artist
	obj.Genre = "Podcast"
	obj.Description = ep.Description
	if ep.Published > 0 {
		obj.Date = time.Unix(ep.Published, 0).UTC().Format("2006-01-02")
	}
	if ep.ImageURL != "" {
		obj.AlbumArt = []didl.AlbumArt{{URI: ep.ImageURL}}
	}
	mime := ep.AudioType
	if mime == "" {
		mime = "audio/mpeg"
	}
	res := didl.Resource{
		URL:          ep.AudioURL,
		ProtocolInfo: upnp.NewHTTPProtocolInfo(mime, "*").String(),
		Size:         ep.AudioSize,
	}
	if ep.DurationMS > 0 {
		res.Duration = didl.FormatDuration(time.Duration(ep.DurationMS) * time.Millisecond)
	}
	obj.AddResource(res)
	return obj
}

func (m *Module) loadFeed(ctx context.Context, feedURL string) (*feedCache, error) {
	feedID := hashID("feed", feedURL)

	m.cacheMu.Lock()
	if feed, ok := m.feeds[feedID]; ok && !m.isStale(feed.Feed.FetchedAt) {
		m.cacheMu.Unlock()
		return feed, nil
	}
	m.cacheMu.Unlock()

	cachePath := filepath.Join(m.config.CacheDir, fmt.Sprintf("podcast_%s.json", feedID))
	cached, err := readCache(cachePath)
	if err != nil {
		m.log.Debug("ignoring unreadable feed cache", zap.String("path", cachePath), zap.Error(err))
		cached = nil
	}
	if cached != nil && !m.isStale(cached.FetchedAt) {
		return m.remember(feedID, cached), nil
	}

	fetched, fetchErr := m.fetchFeed(ctx, feedURL)
	if fetchErr != nil {
		if cached != nil {
			m.log.Warn("serving stale feed", zap.String("feed", feedURL), zap.Error(fetchErr))
			return m.remember(feedID, cached), nil
		}
		return nil, fetchErr
	}

	if err := writeCache(cachePath, fetched); err != nil {
		m.log.Warn("write cache", zap.Error(err))
	}
	return m.remember(feedID, fetched), nil
}

func (m *Module) remember(feedID string, cached *cachedFeed) *feedCache {
	feed := &feedCache{Feed: *cached}
	m.cacheMu.Lock()
	m.feeds[feedID] = feed
	m.cacheMu.Unlock()
	return feed
}

func (m *Module) isStale(fetchedAt int64) bool {
	if fetchedAt == 0 {
		return true
	}
	return time.Since(time.Unix(fetchedAt, 0)) > m.config.RefreshInterval
}

func (m *Module) fetchFeed(ctx context.Context, feedURL string) (*cachedFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.config.UserAgent)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("feed fetch failed: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, err
	}

	feedID := hashID("feed", feedURL)
	feedTitle := strings.TrimSpace(feed.Title)
	if feedTitle == "" {
		feedTitle = feedURL
	}

	feedAuthor := bestFeedAuthor(feed)
	feedImage := bestFeedImage(feed)

	episodes := make([]cachedEpisode, 0, len(feed.Items))
	for _, item := range feed.Items {
		episode := buildEpisode(feedID, feed, item, feedImage, feedAuthor)
		if episode.ID == "" {
			continue
		}
		episodes = append(episodes, episode)
	}

	return &cachedFeed{
		FeedURL:     feedURL,
		FeedID:      feedID,
		Title:       feedTitle,
		Description: strings.TrimSpace(feed.Description),
		Author:      feedAuthor,
		ImageURL:    feedImage,
		FetchedAt:   time.Now().Unix(),
		Episodes:    episodes,
	}, nil
}

func buildEpisode(feedID string, feed *gofeed.Feed, item *gofeed.Item, fallbackImage string, fallbackAuthor string) cachedEpisode {
	if item == nil {
		return cachedEpisode{}
	}
	enc := pickEnclosure(item)
	key := strings.TrimSpace(item.GUID)
	if key == "" && enc != nil {
		key = enc.URL
	}
	if key == "" {
		key = strings.TrimSpace(item.Link)
	}
	if key == "" {
		key = strings.TrimSpace(item.Title)
	}
	if key == "" {
		return cachedEpisode{}
	}

	imageURL := bestItemImage(item)
	if imageURL == "" {
		imageURL = fallbackImage
	}

	author := bestItemAuthor(item, feed)
	if author == "" {
		author = fallbackAuthor
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = key
	}

	ep := cachedEpisode{
		ID:          hashID("episode", feedID+":"+key),
		Title:       title,
		Description: strings.TrimSpace(item.Description),
		Published:   toUnix(item.PublishedParsed),
		DurationMS:  parseDurationMS(item),
		ImageURL:    imageURL,
		Author:      author,
	}
	if enc != nil {
		ep.AudioURL = enc.URL
		ep.AudioType = enc.Type
		ep.AudioSize, _ = strconv.ParseInt(strings.TrimSpace(enc.Length), 10, 64)
	}
	return ep
}

func pickEnclosure(item *gofeed.Item) *gofeed.Enclosure {
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			return enc
		}
	}
	return nil
}

func bestFeedAuthor(feed *gofeed.Feed) string {
	if feed == nil {
		return ""
	}
	if feed.Author != nil && feed.Author.Name != "" {
		return strings.TrimSpace(feed.Author.Name)
	}
	if feed.ITunesExt != nil && feed.ITunesExt.Author != "" {
		return strings.TrimSpace(feed.ITunesExt.Author)
	}
	return ""
}

func bestItemAuthor(item *gofeed.Item, feed *gofeed.Feed) string {
	if item != nil && item.Author != nil && item.Author.Name != "" {
		return strings.TrimSpace(item.Author.Name)
	}
	if item != nil && item.ITunesExt != nil && item.ITunesExt.Author != "" {
		return strings.TrimSpace(item.ITunesExt.Author)
	}
	return bestFeedAuthor(feed)
}

func bestFeedImage(feed *gofeed.Feed) string {
	if feed == nil {
		return ""
	}
	if feed.Image != nil && feed.Image.URL != "" {
		return feed.Image.URL
	}
	if feed.ITunesExt != nil && feed.ITunesExt.Image != "" {
		return feed.ITunesExt.Image
	}
	return ""
}

func bestItemImage(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	if item.ITunesExt != nil && item.ITunesExt.Image != "" {
		return item.ITunesExt.Image
	}
	return ""
}

// parseDurationMS reads itunes:duration, either plain seconds or
// [[h:]m:]s.
func parseDurationMS(item *gofeed.Item) int64 {
	if item == nil || item.ITunesExt == nil {
		return 0
	}
	raw := strings.TrimSpace(item.ITunesExt.Duration)
	if raw == "" {
		return 0
	}
	total := int64(0)
	for _, part := range strings.Split(raw, ":") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total * 1000
}

func toUnix(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func hashID(prefix string, input string) string {
	sum := sha1.Sum([]byte(input))
	return fmt.Sprintf("%s_%x", prefix, sum[:])
}

func readCache(path string) (*cachedFeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cached cachedFeed
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func writeCache(path string, cached *cachedFeed) error {
	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		return filepath.Join(os.TempDir(), "mupnp-podcasts")
	}
	return filepath.Join(dir, "mupnp", "podcasts")
}
