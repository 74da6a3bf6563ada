package eventbridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/bridge"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

type fakeBus struct {
	mu       sync.Mutex
	retained map[string]string
	sent     map[string][]string
	handlers map[string]func(string, []byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{retained: map[string]string{}, sent: map[string][]string{}, handlers: map[string]func(string, []byte){}}
}

func (b *fakeBus) Publish(topic string, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retained {
		b.retained[topic] = string(payload)
	}
	b.sent[topic] = append(b.sent[topic], string(payload))
	return nil
}

func (b *fakeBus) Subscribe(filter string, handler func(string, []byte)) error {
	b.mu.Lock()
	b.handlers[filter] = handler
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Unsubscribe(filter string) error {
	b.mu.Lock()
	delete(b.handlers, filter)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) retainedValue(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained[topic]
}

func (b *fakeBus) last(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.sent[topic]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

// deliver hands a message to the handler of filter, as a broker would.
func (b *fakeBus) deliver(t *testing.T, filter string, topic string, payload string) {
	t.Helper()
	waitFor(t, "bus subscription", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.handlers[filter] != nil
	})
	b.mu.Lock()
	h := b.handlers[filter]
	b.mu.Unlock()
	h(topic, []byte(payload))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func switchService() *device.Service {
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
	return svc
}

func transportService() *device.Service {
	scpd := &description.SCPD{
		Actions: []description.Action{
			description.NewAction("GetTransportInfo",
				description.In("InstanceID", "A_ARG_TYPE_InstanceID"),
				description.Out("CurrentTransportState", "TransportState")),
		},
		StateVariables: []description.StateVariable{
			description.NewVariable("TransportState", "string", description.Default("STOPPED")),
			description.NewVariable(state.LastChange, "string", description.Evented()),
			description.NewVariable("A_ARG_TYPE_InstanceID", "ui4"),
		},
	}
	svc := device.NewService(upnp.ServiceURN("AVTransport", 1), scpd, device.ServiceOptions{ModerationInterval: 20 * time.Millisecond})
	svc.Dispatcher.MustBind("GetTransportInfo", func(context.Context, dispatch.Call) (dispatch.Result, error) {
		return nil, nil
	})
	return svc
}

func TestBridgeMirrorsEventsAndCalls(t *testing.T) {
	srv := httptest.NewUnstartedServer(nil)
	registry := device.NewRegistry(device.Options{BaseURL: "http://" + srv.Listener.Addr().String()})
	srv.Config.Handler = registry.Handler()
	srv.Start()
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switchSvc := switchService()
	transportSvc := transportService()
	root := &device.RootDevice{Device: &device.Device{
		UDN:          device.NewUDN("bridge", "test"),
		Type:         upnp.DeviceURN("BinaryLight", 1),
		FriendlyName: "Lamp",
		Manufacturer: "mupnp",
		ModelName:    "test",
		Services:     []*device.Service{switchSvc, transportSvc},
	}}
	if err := registry.Register(ctx, root); err != nil {
		t.Fatalf("register: %v", err)
	}

	cp := controlpoint.New(controlpoint.Config{}, nil)
	callback := httptest.NewServer(cp.EventHandler())
	defer callback.Close()
	cp.SetCallback(callback.URL)

	bus := newFakeBus()
	mod, err := NewModule(nil, bus, registry, cp, Config{TopicBase: "test", ScanInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	mod.now = func() time.Time { return time.Unix(1700000000, 0) }
	done := make(chan error, 1)
	go func() { done <- mod.Run(ctx) }()

	seg := strings.TrimPrefix(root.UDN, "uuid:")
	statusTopic := "test/" + seg + "/SwitchPower/Status"
	waitFor(t, "initial status", func() bool { return bus.retainedValue(statusTopic) == "0" })
	waitFor(t, "presence", func() bool {
		return strings.Contains(bus.retainedValue(bridge.TopicPresence("test", root.UDN)), `"online":true`)
	})
	var presence bridge.Presence
	if err := json.Unmarshal([]byte(bus.retainedValue(bridge.TopicPresence("test", root.UDN))), &presence); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if presence.FriendlyName != "Lamp" || strings.Join(presence.Services, ",") != "AVTransport,SwitchPower" || presence.TS != 1700000000 {
		t.Fatalf("unexpected presence %+v", presence)
	}

	filter := bridge.TopicCallFilter("test")
	callTopic := bridge.TopicCall("test", root.UDN, "SwitchPower", "SetTarget")
	bus.deliver(t, filter, callTopic, `{"id":"c1","args":{"newTargetValue":"1"}}`)
	waitFor(t, "call reply", func() bool { return bus.last(bridge.TopicReply(callTopic)) != "" })
	var reply bridge.ReplyEnvelope
	if err := json.Unmarshal([]byte(bus.last(bridge.TopicReply(callTopic))), &reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !reply.OK || reply.ID != "c1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	waitFor(t, "status change", func() bool { return bus.retainedValue(statusTopic) == "1" })

	getTopic := bridge.TopicCall("test", root.UDN, "SwitchPower", "GetStatus")
	bus.deliver(t, filter, getTopic, `{"id":"c2","replyTo":"test/replies/me","args":{"Bogus":"1"}}`)
	waitFor(t, "error reply", func() bool { return bus.last("test/replies/me") != "" })
	if err := json.Unmarshal([]byte(bus.last("test/replies/me")), &reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.OK || reply.Err == nil || reply.Err.Code != upnp.CodeInvalidArgs {
		t.Fatalf("expected 402 reply, got %+v", reply)
	}

	missing := bridge.TopicCall("test", root.UDN, "Dimming", "GetLoadLevelStatus")
	bus.deliver(t, filter, missing, `{"id":"c3"}`)
	waitFor(t, "missing service reply", func() bool { return bus.last(bridge.TopicReply(missing)) != "" })
	if err := json.Unmarshal([]byte(bus.last(bridge.TopicReply(missing))), &reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Err == nil || reply.Err.Code != upnp.CodeInvalidControlURL {
		t.Fatalf("expected 611 reply, got %+v", reply)
	}

	stateTopic := "test/" + seg + "/AVTransport/TransportState"
	waitFor(t, "initial transport state", func() bool { return bus.retainedValue(stateTopic) == "STOPPED" })
	transportSvc.Store.Set(0, "TransportState", "PLAYING")
	waitFor(t, "transport state", func() bool { return bus.retainedValue(stateTopic) == "PLAYING" })
	if err := transportSvc.Store.CreateInstance(1); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	transportSvc.Store.Set(1, "TransportState", "PAUSED_PLAYBACK")
	instanceTopic := bridge.TopicInstanceVariable("test", root.UDN, "AVTransport", 1, "TransportState")
	waitFor(t, "instance state", func() bool { return bus.retainedValue(instanceTopic) == "PAUSED_PLAYBACK" })
	if !strings.Contains(bus.retainedValue("test/"+seg+"/AVTransport/LastChange"), `<InstanceID val="1">`) {
		t.Fatalf("raw LastChange not mirrored")
	}

	if err := registry.Remove(ctx, root.UDN); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "offline presence", func() bool {
		return strings.Contains(bus.retainedValue(bridge.TopicPresence("test", root.UDN)), `"online":false`)
	})
	if len(mod.Mirrored()) != 0 {
		t.Fatalf("device still mirrored: %v", mod.Mirrored())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("bridge did not stop")
	}
}

func TestNewModuleValidation(t *testing.T) {
	registry := device.NewRegistry(device.Options{BaseURL: "http://127.0.0.1:1"})
	cp := controlpoint.New(controlpoint.Config{}, nil)
	if _, err := NewModule(nil, nil, registry, cp, Config{}); err == nil {
		t.Fatalf("expected bus error")
	}
	if _, err := NewModule(nil, newFakeBus(), nil, cp, Config{}); err == nil {
		t.Fatalf("expected registry error")
	}
	mod, err := NewModule(nil, newFakeBus(), registry, cp, Config{TopicBase: " base/ "})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	if mod.config.TopicBase != "base" {
		t.Fatalf("unexpected topic base %q", mod.config.TopicBase)
	}
}
