package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/mupnp/internal/core"
	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

func startLamp(t *testing.T) string {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	registry := device.NewRegistry(device.Options{BaseURL: "http://" + srv.Listener.Addr().String()})
	srv.Config.Handler = registry.Handler()
	srv.Start()
	t.Cleanup(srv.Close)

	scpd := &description.SCPD{
		Actions: []description.Action{
			description.NewAction("SetTarget", description.In("newTargetValue", "Target")),
			description.NewAction("GetStatus", description.Out("ResultStatus", "Status")),
		},
		StateVariables: []description.StateVariable{
			description.NewVariable("Target", "boolean", description.Default("0")),
			description.NewVariable("Status", "boolean", description.Default("0"), description.Evented()),
		},
	}
	svc := device.NewService(upnp.ServiceURN("SwitchPower", 1), scpd, device.ServiceOptions{})
	svc.Dispatcher.MustBind("SetTarget", func(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
		svc.Store.Set(0, "Status", call.Arg("newTargetValue"))
		return nil, nil
	})
	svc.Dispatcher.MustBind("GetStatus", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return nil, nil
	})
	root := &device.RootDevice{Device: &device.Device{
		UDN:          device.NewUDN("cli", "test"),
		Type:         upnp.DeviceURN("BinaryLight", 1),
		FriendlyName: "Porch",
		Manufacturer: "mupnp",
		ModelName:    "test",
		Services:     []*device.Service{svc},
	}}
	if err := registry.Register(context.Background(), root); err != nil {
		t.Fatalf("register: %v", err)
	}
	return device.DescriptionURL(registry.BaseURL(), root.UDN, 1)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := rootCommand(&buf)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.toml")}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestDescribeAndCall(t *testing.T) {
	pterm.DisableStyling()
	location := startLamp(t)

	out, err := run(t, "describe", location)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	for _, want := range []string{"Porch (BinaryLight:1)", "SetTarget(newTargetValue)", "GetStatus() -> ResultStatus", "evented: Status"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}

	if _, err := run(t, "call", location, "SwitchPower", "SetTarget", "newTargetValue=1"); err != nil {
		t.Fatalf("set target: %v", err)
	}
	out, err = run(t, "--json", "call", location, "SwitchPower", "GetStatus")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var result core.CallResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if result.Out["ResultStatus"] != "1" {
		t.Fatalf("unexpected status %+v", result)
	}
}

func TestCallErrorsMapToExitCodes(t *testing.T) {
	location := startLamp(t)

	_, err := run(t, "call", location, "SwitchPower", "SetTarget")
	if core.ExitCode(err) != core.ExitUsage {
		t.Fatalf("missing argument: expected usage exit, got %v", err)
	}
	_, err = run(t, "call", location, "SwitchPower", "SetTarget", "newTargetValue")
	if core.ExitCode(err) != core.ExitUsage {
		t.Fatalf("malformed argument: expected usage exit, got %v", err)
	}
	_, err = run(t, "call", location, "Dimming", "GetLoadLevelStatus")
	if core.ExitCode(err) != core.ExitNotFound {
		t.Fatalf("missing service: expected not found exit, got %v", err)
	}
}

func TestRejectsLargeMX(t *testing.T) {
	_, err := run(t, "--mx", "9", "discover")
	if core.ExitCode(err) != core.ExitUsage {
		t.Fatalf("expected usage exit, got %v", err)
	}
}
