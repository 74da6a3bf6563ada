package core

import (
	"context"
	"testing"

	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

func renderer(name string, udn string) *controlpoint.Device {
	return &controlpoint.Device{
		UDN:          udn,
		Type:         upnp.DeviceURN("MediaRenderer", 1).String(),
		FriendlyName: name,
		Location:     "http://10.0.0.3:8200/" + udn + "/description-1.xml",
	}
}

func TestResolveSelectors(t *testing.T) {
	cp := newStubControlPoint(
		mediaServer("Music", "uuid:aaaa-1"),
		mediaServer("Movies", "uuid:bbbb-2"),
		renderer("Kitchen", "uuid:cccc-3"),
	)
	r := Resolver{ControlPoint: cp, Config: Config{Aliases: map[string]string{"k": "Kitchen"}}}
	ctx := context.Background()

	tests := []struct {
		selector string
		udn      string
	}{
		{"Music", "uuid:aaaa-1"},
		{"uuid:bbbb-2", "uuid:bbbb-2"},
		{"cccc-3", "uuid:cccc-3"},
		{"k", "uuid:cccc-3"},
		{"kit", "uuid:cccc-3"},
		{"bbbb", "uuid:bbbb-2"},
	}
	for _, test := range tests {
		dev, err := r.ResolveDevice(ctx, test.selector)
		if err != nil {
			t.Fatalf("%s: %v", test.selector, err)
		}
		if dev.UDN != test.udn {
			t.Fatalf("%s: expected %s got %s", test.selector, test.udn, dev.UDN)
		}
	}

	if _, err := r.ResolveDevice(ctx, "m"); ExitCode(err) != ExitUsage {
		t.Fatalf("expected ambiguous selector, got %v", err)
	}
	if _, err := r.ResolveDevice(ctx, "garage"); ExitCode(err) != ExitNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveDefaultsByKind(t *testing.T) {
	cp := newStubControlPoint(mediaServer("Music", "uuid:a"), renderer("Kitchen", "uuid:b"))
	r := Resolver{ControlPoint: cp}
	ctx := context.Background()

	dev, err := r.ResolveServer(ctx, "")
	if err != nil || dev.FriendlyName != "Music" {
		t.Fatalf("expected the only server, got %v %v", dev, err)
	}
	dev, err = r.ResolveRenderer(ctx, "")
	if err != nil || dev.FriendlyName != "Kitchen" {
		t.Fatalf("expected the only renderer, got %v %v", dev, err)
	}
	if _, err := r.ResolveDevice(ctx, ""); ExitCode(err) != ExitUsage {
		t.Fatalf("expected selector required, got %v", err)
	}

	r.Config.Defaults.Server = "Music"
	cp.devices = append(cp.devices, mediaServer("Movies", "uuid:c"))
	if dev, err := r.ResolveServer(ctx, ""); err != nil || dev.UDN != "uuid:a" {
		t.Fatalf("expected default server, got %v %v", dev, err)
	}
}

func TestResolveURLDescribes(t *testing.T) {
	music := mediaServer("Music", "uuid:a")
	cp := newStubControlPoint(music)
	r := Resolver{ControlPoint: cp}
	dev, err := r.ResolveDevice(context.Background(), music.Location)
	if err != nil || dev != music {
		t.Fatalf("expected described device, got %v %v", dev, err)
	}
	if cp.discovers != 0 {
		t.Fatalf("url selector should not search")
	}
	if _, err := r.ResolveDevice(context.Background(), "http://10.0.0.9/missing.xml"); ExitCode(err) != ExitUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestResolveKnownDeviceSkipsDiscovery(t *testing.T) {
	cp := newStubControlPoint(mediaServer("Music", "uuid:a"))
	r := Resolver{ControlPoint: cp}
	if _, err := r.ResolveDevice(context.Background(), "Music"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.ResolveDevice(context.Background(), "Music"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cp.discovers != 1 {
		t.Fatalf("expected one discovery, got %d", cp.discovers)
	}
}
