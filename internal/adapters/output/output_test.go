package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/mupnp/internal/core"
	"github.com/mikey-austin/mupnp/pkg/didl"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	m.Run()
}

func TestHumanDevices(t *testing.T) {
	var buf bytes.Buffer
	err := HumanPrinter{Out: &buf}.Print(core.DevicesResult{Devices: []core.DeviceSummary{{
		UDN:          "uuid:a",
		Type:         "urn:schemas-upnp-org:device:MediaServer:1",
		FriendlyName: "Music",
		Location:     "http://10.0.0.2:8200/uuid:a/description-1.xml",
	}}})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "Music", "MediaServer:1", "uuid:a"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := (HumanPrinter{Out: &buf}).Print(core.DevicesResult{}); err != nil {
		t.Fatalf("print: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "no devices found" {
		t.Fatalf("unexpected empty output %q", buf.String())
	}
}

func TestHumanObjects(t *testing.T) {
	album := didl.NewContainer("10", "0", "Blue", didl.ClassMusicAlbum)
	album.ChildCount = 10
	track := didl.NewItem("11", "10", "River", didl.ClassMusicTrack)
	track.Artist = "Joni"
	track.AddResource(didl.Resource{URL: "http://x/11.flac", ProtocolInfo: "http-get:*:audio/flac:*", Duration: "0:04:00.000"})

	var buf bytes.Buffer
	err := HumanPrinter{Out: &buf}.Print(core.ObjectsResult{NumberReturned: 2, TotalMatches: 5, UpdateID: 7, Objects: []didl.Object{album, track}})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"container.album.musicAlbum", "10 children", "Joni 0:04:00.000", "2 of 5 (update 7)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHumanEventExpandsInstances(t *testing.T) {
	var buf bytes.Buffer
	err := HumanPrinter{Out: &buf}.Print(core.EventResult{
		SID:        "uuid:s",
		Seq:        3,
		Properties: map[string]string{"LastChange": "<Event/>"},
		Instances:  map[uint32]map[string]string{1: {"TransportState": "PLAYING"}, 0: {"TransportState": "STOPPED"}},
	})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	want := "event uuid:s seq 3\n  [0] TransportState = STOPPED\n  [1] TransportState = PLAYING\n"
	if buf.String() != want {
		t.Fatalf("unexpected event output:\n%s", buf.String())
	}
}

func TestHumanDescribe(t *testing.T) {
	var buf bytes.Buffer
	err := HumanPrinter{Out: &buf}.Print(core.DescribeResult{
		Device: core.DeviceSummary{UDN: "uuid:a", Type: "urn:schemas-upnp-org:device:MediaRenderer:1", FriendlyName: "Kitchen"},
		Services: []core.ServiceSummary{
			{Type: "urn:schemas-upnp-org:service:RenderingControl:1", Ready: true, Actions: []core.ActionSummary{{Name: "GetVolume", In: []string{"InstanceID", "Channel"}, Out: []string{"CurrentVolume"}}}, Evented: []string{"LastChange"}},
			{Type: "urn:schemas-upnp-org:service:AVTransport:1", Error: "404"},
		},
	})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Kitchen (MediaRenderer:1)", "GetVolume(InstanceID, Channel) -> CurrentVolume", "evented: LastChange", "[not ready: 404]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestJSONPrinter(t *testing.T) {
	var buf bytes.Buffer
	if err := (JSONPrinter{Out: &buf, Compact: true}).Print(core.CallResult{Action: "GetVolume", Out: map[string]string{"CurrentVolume": "30"}}); err != nil {
		t.Fatalf("print: %v", err)
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("compact output spans lines: %q", buf.String())
	}
	var decoded core.CallResult
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Out["CurrentVolume"] != "30" {
		t.Fatalf("unexpected decode %+v", decoded)
	}
}
