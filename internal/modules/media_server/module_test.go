package mediaserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/contentdir"
	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/pkg/didl"
)

func TestServesContentAndConnections(t *testing.T) {
	store := contentdir.NewStore("root", nil)
	music, err := store.AddContainer(contentdir.RootID, didl.NewContainer("", "", "Music", ""))
	if err != nil {
		t.Fatalf("add container: %v", err)
	}
	track := didl.NewItem("", "", "Song", didl.ClassMusicTrack)
	track.AddResource(didl.Resource{URL: "http://media/song.mp3", ProtocolInfo: "http-get:*:audio/mpeg:*"})
	if _, err := store.AddItem(music, track); err != nil {
		t.Fatalf("add item: %v", err)
	}

	srv := httptest.NewUnstartedServer(nil)
	registry := device.NewRegistry(device.Options{BaseURL: "http://" + srv.Listener.Addr().String()})
	srv.Config.Handler = registry.Handler()
	srv.Start()
	defer srv.Close()

	mod, err := NewModule(zap.NewNop(), registry, nil, store, Config{Name: "Living Room", Identity: "host-a"})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mod.Run(ctx) }()
	waitRegistered(t, registry, mod.Root().UDN)

	cp := controlpoint.New(controlpoint.Config{}, nil)
	dev, err := cp.Describe(ctx, device.DescriptionURL(srv.URL, mod.Root().UDN, 1))
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if dev.FriendlyName != "Living Room" || dev.Type != DeviceType.String() {
		t.Fatalf("unexpected device %+v", dev)
	}

	res, err := cp.Browse(ctx, dev, music, contentdir.BrowseDirectChildren, "*", 0, 0)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if res.TotalMatches != 1 || res.Objects[0].Title != "Song" {
		t.Fatalf("unexpected browse result %+v", res)
	}

	out, err := cp.Call(ctx, dev, "ConnectionManager", "GetProtocolInfo", nil)
	if err != nil {
		t.Fatalf("get protocol info: %v", err)
	}
	if !strings.Contains(out["Source"], "http-get:*:audio/mpeg:*") || out["Sink"] != "" {
		t.Fatalf("unexpected protocol info %+v", out)
	}
	out, err = cp.Call(ctx, dev, "ConnectionManager", "GetCurrentConnectionIDs", nil)
	if err != nil {
		t.Fatalf("get connection ids: %v", err)
	}
	if out["ConnectionIDs"] != "0" {
		t.Fatalf("unexpected connection ids %q", out["ConnectionIDs"])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("module did not stop")
	}
}

func TestStableUDN(t *testing.T) {
	store := contentdir.NewStore("root", nil)
	registry := device.NewRegistry(device.Options{BaseURL: "http://127.0.0.1:1"})
	a, err := NewModule(nil, registry, nil, store, Config{Name: "A", Identity: "host"})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	b, err := NewModule(nil, registry, nil, contentdir.NewStore("root", nil), Config{Name: "A", Identity: "host"})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	if a.Root().UDN != b.Root().UDN {
		t.Fatalf("expected stable udn, got %s and %s", a.Root().UDN, b.Root().UDN)
	}
	if _, err := NewModule(nil, nil, nil, store, Config{}); err == nil {
		t.Fatalf("expected registry error")
	}
}

func waitRegistered(t *testing.T, registry *device.Registry, udn string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Lookup(udn); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device %s not registered", udn)
}
