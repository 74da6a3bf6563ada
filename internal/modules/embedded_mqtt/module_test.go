package embeddedmqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/adapters/mqttserver"
)

func TestNewServerRequiresAuthConfig(t *testing.T) {
	if _, err := newServer(zap.NewNop(), Config{TopicBase: "t"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := newServer(zap.NewNop(), Config{AllowAnonymous: true, TopicBase: "t"}); err != nil {
		t.Fatalf("newServer: %v", err)
	}
}

func TestNewModuleDefaults(t *testing.T) {
	mod, err := NewModule(nil, Config{AllowAnonymous: true, TopicBase: " home/upnp/ "})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	if mod.config.Listen != "127.0.0.1:1883" || mod.config.TopicBase != "home/upnp" {
		t.Fatalf("unexpected config %+v", mod.config)
	}
}

func TestLedgerScopes(t *testing.T) {
	l := ledger(Config{Username: "bridge", Password: "pw", TopicBase: "mupnp/v1"})
	if len(l.Auth) != 1 || string(l.Auth[0].Username) != "bridge" {
		t.Fatalf("unexpected auth rules %+v", l.Auth)
	}
	if len(l.ACL) != 1 || len(l.ACL[0].Filters) != 2 {
		t.Fatalf("unexpected acl %+v", l.ACL)
	}

	anon := ledger(Config{AllowAnonymous: true, TopicBase: "mupnp/v1"})
	if len(anon.Auth) != 1 || !anon.Auth[0].Allow || anon.Auth[0].Username != "" {
		t.Fatalf("unexpected anonymous rules %+v", anon.Auth)
	}
}

func TestInlineBus(t *testing.T) {
	mod, err := NewModule(zap.NewNop(), Config{AllowAnonymous: true})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	bus := mod.Bus()

	received := make(chan string, 4)
	if err := bus.Subscribe("devices/+/state", func(topic string, payload []byte) {
		received <- topic + "=" + string(payload)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish("devices/a/state", true, []byte("on")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if got != "devices/a/state=on" {
			t.Fatalf("unexpected message %q", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
	}

	if err := bus.Unsubscribe("devices/+/state"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Publish("devices/a/state", false, []byte("off")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		t.Fatalf("message after unsubscribe: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
	if err := bus.Unsubscribe("never/subscribed"); err != nil {
		t.Fatalf("unsubscribe unknown: %v", err)
	}
}

func TestNetworkClientsConfinedToTopicBase(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	mod, err := NewModule(zap.NewNop(), Config{Listen: addr, Username: "bridge", Password: "pw", TopicBase: "mupnp/v1"})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mod.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	received := make(chan string, 4)
	if err := mod.Bus().Subscribe("#", func(topic string, payload []byte) {
		received <- topic
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client, err := connect(addr, "bridge", "pw")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close(10 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for mod.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mod.Clients() != 1 {
		t.Fatalf("expected one connected client, got %d", mod.Clients())
	}
	if _, err := mqttserver.NewClient(mqttserver.Options{
		BrokerURL: "tcp://" + addr,
		ClientID:  "test-intruder",
		Username:  "bridge",
		Password:  "wrong",
		Timeout:   time.Second,
	}); err == nil {
		t.Fatalf("expected bad password to be refused")
	}
	if mod.Clients() != 1 {
		t.Fatalf("refused client counted, got %d", mod.Clients())
	}

	if err := client.Publish("elsewhere/x", false, []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Publish("mupnp/v1/x", false, []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if got != "mupnp/v1/x" {
			t.Fatalf("out of scope publish delivered: %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for message")
	}
}

// connect retries while the listener comes up.
func connect(addr string, user string, pass string) (*mqttserver.Client, error) {
	var (
		client *mqttserver.Client
		err    error
	)
	for i := 0; i < 20; i++ {
		client, err = mqttserver.NewClient(mqttserver.Options{
			BrokerURL: "tcp://" + addr,
			ClientID:  "test-" + user + "-" + pass,
			Username:  user,
			Password:  pass,
			QoS:       1,
			Timeout:   time.Second,
		})
		if err == nil {
			return client, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, err
}
