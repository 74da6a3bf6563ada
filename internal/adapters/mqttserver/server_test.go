package mqttserver

import (
	"net"
	"strings"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

func startBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	server := mqtt.New(&mqtt.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add hook: %v", err)
	}
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { server.Close() })
	return "tcp://" + addr
}

func TestPublishSubscribe(t *testing.T) {
	broker := startBroker(t)
	client, err := NewClient(Options{BrokerURL: broker, ClientID: "test-client", QoS: 1, Timeout: 2 * time.Second, Debug: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close(10 * time.Millisecond)

	received := make(chan string, 1)
	if err := client.Subscribe("test/#", func(topic string, payload []byte) {
		received <- topic + "=" + string(payload)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish("test/topic", false, []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if got != "test/topic=payload" {
			t.Fatalf("unexpected message %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for message")
	}

	if err := client.Unsubscribe("test/#"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := client.Publish("test/topic", false, []byte("again")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		t.Fatalf("message after unsubscribe: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewClientRejectsBadQoS(t *testing.T) {
	if _, err := NewClient(Options{BrokerURL: "tcp://127.0.0.1:1", QoS: 3}); err == nil {
		t.Fatalf("expected qos error")
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig("", "", "")
	if err != nil || cfg != nil {
		t.Fatalf("expected no tls config, got %v %v", cfg, err)
	}
	if _, err := buildTLSConfig("", "cert.pem", ""); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := buildTLSConfig("/does/not/exist.pem", "", ""); err == nil {
		t.Fatalf("expected missing ca error")
	}
}

func TestTruncatePayload(t *testing.T) {
	long := strings.Repeat("x", 3000)
	got := truncatePayload([]byte(long))
	if len(got) != 2048+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected truncation length %d", len(got))
	}
	if truncatePayload([]byte("short")) != "short" {
		t.Fatalf("short payload changed")
	}
}
