package description

import (
	"strings"
	"testing"
)

func TestSCPDMarshalParse(t *testing.T) {
	scpd := &SCPD{
		Actions: []Action{
			NewAction("GetVolume", In("InstanceID", "A_ARG_TYPE_InstanceID"), In("Channel", "A_ARG_TYPE_Channel"), Out("CurrentVolume", "Volume")),
		},
		StateVariables: []StateVariable{
			NewVariable("Volume", "ui2", Range("0", "100", "1"), Default("20")),
			NewVariable("A_ARG_TYPE_Channel", "string", Allowed("Master")),
			NewVariable("A_ARG_TYPE_InstanceID", "ui4"),
			NewVariable("LastChange", "string", Evented()),
		},
	}
	data, err := scpd.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `<scpd xmlns="urn:schemas-upnp-org:service-1-0">`) {
		t.Fatalf("missing namespace: %s", data)
	}
	parsed, err := ParseSCPD(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	action, ok := parsed.Action("GetVolume")
	if !ok {
		t.Fatalf("expected action")
	}
	if len(action.Inputs()) != 2 || len(action.Outputs()) != 1 {
		t.Fatalf("unexpected args %+v", action.Arguments)
	}
	if !action.Inputs()[0].Internal() || action.Outputs()[0].Internal() {
		t.Fatalf("unexpected internal flags")
	}
	v, ok := parsed.StateVariable("Volume")
	if !ok || v.AllowedValueRange == nil || v.AllowedValueRange.Maximum != "100" || v.Evented() {
		t.Fatalf("unexpected variable %+v", v)
	}
	lc, _ := parsed.StateVariable("LastChange")
	if !lc.Evented() {
		t.Fatalf("expected LastChange evented")
	}
}

func TestRootParseAndResolve(t *testing.T) {
	root := &Root{Device: Device{
		DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
		FriendlyName: "Test",
		UDN:          "uuid:1234",
		Services: []Service{{
			ServiceType: "urn:schemas-upnp-org:service:ContentDirectory:1",
			ServiceID:   "urn:upnp-org:serviceId:ContentDirectory",
			SCPDURL:     "/uuid:1234/ContentDirectory/scpd.xml",
			ControlURL:  "/uuid:1234/ContentDirectory/control",
			EventSubURL: "/uuid:1234/ContentDirectory/event",
		}},
	}}
	data, err := root.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseRoot(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	svc, ok := parsed.Device.FindService("urn:schemas-upnp-org:service:ContentDirectory:1")
	if !ok {
		t.Fatalf("expected service")
	}
	base := parsed.BaseURL("http://10.0.0.2:8200/uuid:1234/description-1.xml")
	if base != "http://10.0.0.2:8200" {
		t.Fatalf("unexpected base %s", base)
	}
	if got := ResolveURL(base, svc.ControlURL); got != "http://10.0.0.2:8200/uuid:1234/ContentDirectory/control" {
		t.Fatalf("unexpected control url %s", got)
	}
}
