package controlpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikey-austin/mupnp/internal/contentdir"
	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

type fixture struct {
	server       *httptest.Server
	library      *contentdir.Store
	music        string
	location     string
	descriptions atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{library: contentdir.NewStore("root", nil)}
	music, err := f.library.AddContainer(contentdir.RootID, didl.NewContainer("", "", "Music", ""))
	require.NoError(t, err)
	f.music = music
	for _, title := range []string{"one", "two", "three", "four", "five"} {
		obj := didl.NewItem("", "", title, didl.ClassMusicTrack)
		obj.AddResource(didl.Resource{URL: "http://media/" + title + ".mp3", ProtocolInfo: "http-get:*:audio/mpeg:*"})
		_, err := f.library.AddItem(music, obj)
		require.NoError(t, err)
	}

	engine := contentdir.NewEngine(f.library, contentdir.Options{})
	cds := device.NewService(contentdir.ServiceType, contentdir.SCPD(), device.ServiceOptions{ModerationInterval: 20 * time.Millisecond})
	engine.Bind(cds.Dispatcher, cds.Store)
	broken := device.NewService(upnp.ServiceURN("Broken", 1), &description.SCPD{}, device.ServiceOptions{})

	srv := httptest.NewUnstartedServer(nil)
	registry := device.NewRegistry(device.Options{BaseURL: "http://" + srv.Listener.Addr().String()})
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/Broken/scpd.xml") {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".xml") && strings.Contains(r.URL.Path, "description-") {
			f.descriptions.Add(1)
		}
		registry.Handler().ServeHTTP(w, r)
	})
	srv.Start()
	t.Cleanup(srv.Close)
	f.server = srv

	root := &device.RootDevice{Device: &device.Device{
		UDN:          device.NewUDN("library", "test"),
		Type:         upnp.DeviceURN("MediaServer", 1),
		FriendlyName: "Library",
		Manufacturer: "mupnp",
		ModelName:    "test",
		Services:     []*device.Service{cds, broken},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, registry.Register(ctx, root))
	f.location = device.DescriptionURL(srv.URL, root.UDN, 1)
	return f
}

func TestDescribeAndCall(t *testing.T) {
	f := newFixture(t)
	cp := New(Config{}, nil)
	ctx := context.Background()

	dev, err := cp.Describe(ctx, f.location)
	require.NoError(t, err)
	require.Equal(t, "Library", dev.FriendlyName)
	require.Equal(t, upnp.DeviceURN("MediaServer", 1).String(), dev.Type)
	require.Len(t, dev.Services, 2)

	cds, ok := dev.Service(contentdir.ServiceType.String())
	require.True(t, ok)
	require.True(t, cds.Ready)
	require.True(t, strings.HasPrefix(cds.ControlURL, f.server.URL+"/"))
	_, ok = cds.SCPD.Action("Browse")
	require.True(t, ok)

	broken, ok := dev.Service("urn:upnp-org:serviceId:Broken")
	require.True(t, ok)
	require.False(t, broken.Ready)
	require.Error(t, broken.Err)
	_, err = cp.Call(ctx, dev, broken.Type, "Anything", nil)
	require.ErrorIs(t, err, ErrServiceNotReady)

	// The second describe is answered from the document cache.
	_, err = cp.Describe(ctx, f.location)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.descriptions.Load())

	found, err := cp.Device("library")
	require.NoError(t, err)
	require.Same(t, dev, found)
	found, err = cp.Device(dev.UDN)
	require.NoError(t, err)
	require.Same(t, dev, found)
	_, err = cp.Device("nothing")
	require.ErrorIs(t, err, ErrUnknownDevice)

	out, err := cp.Call(ctx, dev, "ContentDirectory", "GetSystemUpdateID", nil)
	require.NoError(t, err)
	require.Equal(t, "6", out["Id"])

	_, err = cp.Call(ctx, dev, "ContentDirectory", "Browse", map[string]string{"ObjectID": "0"})
	require.True(t, upnp.IsCode(err, upnp.CodeInvalidArgs))
	_, err = cp.Call(ctx, dev, "ContentDirectory", "Explode", nil)
	require.True(t, upnp.IsCode(err, upnp.CodeInvalidAction))
}

func TestBrowseAndSearch(t *testing.T) {
	f := newFixture(t)
	cp := New(Config{CacheSize: -1}, nil)
	ctx := context.Background()
	dev, err := cp.Describe(ctx, f.location)
	require.NoError(t, err)

	res, err := cp.Browse(ctx, dev, f.music, contentdir.BrowseDirectChildren, "*", 1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.NumberReturned)
	require.Equal(t, 5, res.TotalMatches)
	require.Equal(t, "two", res.Objects[0].Title)

	res, err = cp.Browse(ctx, dev, f.music, contentdir.BrowseMetadata, "*", 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	require.True(t, res.Objects[0].IsContainer())

	all, err := cp.BrowseAll(ctx, dev, f.music, 2)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "five", all[4].Title)

	res, err = cp.Search(ctx, dev, contentdir.RootID, `upnp:class derivedfrom "object.item.audioItem" and dc:title contains "o"`, "*", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalMatches)

	_, err = cp.Browse(ctx, dev, "missing", contentdir.BrowseMetadata, "*", 0, 0)
	require.True(t, upnp.IsCode(err, upnp.CodeNoSuchObject))
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	cp := New(Config{}, nil)
	callback := httptest.NewServer(cp.EventHandler())
	defer callback.Close()
	ctx := context.Background()
	dev, err := cp.Describe(ctx, f.location)
	require.NoError(t, err)

	_, err = cp.Subscribe(ctx, dev, "ContentDirectory", time.Minute, func(gena.Event) {})
	require.ErrorIs(t, err, ErrNoCallback)
	cp.SetCallback(callback.URL)

	events := make(chan gena.Event, 8)
	sid, err := cp.Subscribe(ctx, dev, "ContentDirectory", time.Minute, func(e gena.Event) { events <- e })
	require.NoError(t, err)

	initial := next(t, events)
	require.Equal(t, sid, initial.SID)
	require.Equal(t, uint32(0), initial.Seq)
	require.Equal(t, "6", initial.Properties["SystemUpdateID"])

	_, err = f.library.AddItem(f.music, didl.NewItem("", "", "six", didl.ClassMusicTrack))
	require.NoError(t, err)
	update := next(t, events)
	require.Equal(t, uint32(1), update.Seq)
	require.Equal(t, "7", update.Properties["SystemUpdateID"])
	require.Equal(t, f.music+",6", update.Properties["ContainerUpdateIDs"])

	require.NoError(t, cp.Unsubscribe(ctx, sid))
	_, err = f.library.AddItem(f.music, didl.NewItem("", "", "seven", didl.ClassMusicTrack))
	require.NoError(t, err)
	select {
	case e := <-events:
		t.Fatalf("event after unsubscribe: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCacheSizeBytes(t *testing.T) {
	require.Equal(t, 16*1024*1024, cacheSizeBytes(0))
	require.Equal(t, 4*64*1024, cacheSizeBytes(4))
	require.Equal(t, 2*1024*1024, cacheSizeBytes(2*1024*1024))
	require.Equal(t, -1, cacheSizeBytes(-1))
}

func TestCompressedCache(t *testing.T) {
	c := newDocumentCache(0, time.Minute, true, nil)
	ctx := context.Background()
	c.put(ctx, "k", []byte("<root/>"))
	got, ok := c.get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "<root/>", string(got))
	c.drop(ctx, "k")
	_, ok = c.get(ctx, "k")
	require.False(t, ok)
}

func next(t *testing.T, ch chan gena.Event) gena.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return gena.Event{}
}
