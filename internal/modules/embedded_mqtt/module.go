// Package embeddedmqtt runs an in-process MQTT broker so the event bridge
// works without external infrastructure.
package embeddedmqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"strings"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/pkg/bridge"
)

// Config configures the embedded MQTT broker.
type Config struct {
	Listen         string
	AllowAnonymous bool
	Username       string
	Password       string
	// TopicBase scopes what network clients may publish and subscribe to.
	TopicBase string
	// TLSCA, when set, requires client certificates signed by it.
	TLSCA   string
	TLSCert string
	TLSKey  string
}

// Module runs an embedded MQTT broker.
type Module struct {
	log     *zap.Logger
	server  *mqtt.Server
	config  Config
	bus     *InlineBus
	clients *clientHook
}

// NewModule creates a new embedded broker module.
func NewModule(log *zap.Logger, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:1883"
	}
	cfg.TopicBase = strings.TrimSuffix(strings.TrimSpace(cfg.TopicBase), "/")
	if cfg.TopicBase == "" {
		cfg.TopicBase = bridge.BaseTopic
	}

	server, err := newServer(log, cfg)
	if err != nil {
		return nil, err
	}
	clients := &clientHook{log: log}
	if err := server.AddHook(clients, nil); err != nil {
		return nil, err
	}
	return &Module{log: log, server: server, config: cfg, bus: newInlineBus(server), clients: clients}, nil
}

// Bus publishes and subscribes through the broker's inline client, without
// a network connection.
func (m *Module) Bus() *InlineBus {
	return m.bus
}

// Clients returns the number of connected network clients.
func (m *Module) Clients() int {
	return m.clients.count()
}

// Run serves MQTT on the configured address until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	listenerConfig := listeners.Config{ID: "tcp-embedded", Address: m.config.Listen}
	tlsConfig, err := serverTLSConfig(m.config.TLSCA, m.config.TLSCert, m.config.TLSKey)
	if err != nil {
		return err
	}
	listenerConfig.TLSConfig = tlsConfig

	if err := m.server.AddListener(listeners.NewTCP(listenerConfig)); err != nil {
		return err
	}
	if err := m.server.Serve(); err != nil {
		return err
	}
	m.log.Info("embedded mqtt listening",
		zap.String("listen", m.config.Listen),
		zap.Bool("tls", tlsConfig != nil),
		zap.String("topic_base", m.config.TopicBase),
	)

	<-ctx.Done()
	return m.server.Close()
}

// InlineBus adapts the broker's inline client to topic handlers.
type InlineBus struct {
	server *mqtt.Server

	mu     sync.Mutex
	nextID int
	subs   map[string]int
}

func newInlineBus(server *mqtt.Server) *InlineBus {
	return &InlineBus{server: server, nextID: 1, subs: map[string]int{}}
}

// Publish injects a message as if a client had sent it.
func (b *InlineBus) Publish(topic string, retained bool, payload []byte) error {
	return b.server.Publish(topic, payload, retained, 0)
}

// Subscribe routes messages matching filter to handler. Subscribing a
// filter again replaces its handler.
func (b *InlineBus) Subscribe(filter string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	id, ok := b.subs[filter]
	if !ok {
		id = b.nextID
		b.nextID++
		b.subs[filter] = id
	}
	b.mu.Unlock()
	if ok {
		_ = b.server.Unsubscribe(filter, id)
	}
	return b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		handler(pk.TopicName, pk.Payload)
	})
}

// Unsubscribe removes the handler of filter.
func (b *InlineBus) Unsubscribe(filter string) error {
	b.mu.Lock()
	id, ok := b.subs[filter]
	delete(b.subs, filter)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.server.Unsubscribe(filter, id)
}

func newServer(log *zap.Logger, cfg Config) (*mqtt.Server, error) {
	if !cfg.AllowAnonymous && cfg.Username == "" {
		return nil, errors.New("embedded mqtt requires allow_anonymous or username")
	}
	if cfg.AllowAnonymous && cfg.Username != "" {
		log.Warn("embedded mqtt username set; anonymous clients will be refused")
	}
	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: newSlogLogger(log)})
	if err := server.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger(cfg)}); err != nil {
		return nil, err
	}
	return server, nil
}

// ledger confines clients to the topic base. A configured user replaces
// anonymous access.
func ledger(cfg Config) *auth.Ledger {
	filters := auth.Filters{
		auth.RString(cfg.TopicBase + "/#"): auth.ReadWrite,
		auth.RString("#"):                  auth.Deny,
	}
	if cfg.Username != "" {
		return &auth.Ledger{
			Auth: auth.AuthRules{{Username: auth.RString(cfg.Username), Password: auth.RString(cfg.Password), Allow: true}},
			ACL:  auth.ACLRules{{Username: auth.RString(cfg.Username), Filters: filters}},
		}
	}
	return &auth.Ledger{
		Auth: auth.AuthRules{{Allow: true}},
		ACL:  auth.ACLRules{{Filters: filters}},
	}
}

// clientHook tracks network client sessions.
type clientHook struct {
	mqtt.HookBase
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]string
}

func (h *clientHook) ID() string {
	return "mupnp-clients"
}

func (h *clientHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mqtt.OnSessionEstablished, mqtt.OnDisconnect}, []byte{b})
}

func (h *clientHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	h.mu.Lock()
	if h.sessions == nil {
		h.sessions = map[string]string{}
	}
	h.sessions[cl.ID] = cl.Net.Remote
	h.mu.Unlock()
	h.log.Debug("mqtt client connected", zap.String("client", cl.ID), zap.String("remote", cl.Net.Remote))
}

func (h *clientHook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	h.mu.Lock()
	_, known := h.sessions[cl.ID]
	delete(h.sessions, cl.ID)
	h.mu.Unlock()
	if known {
		h.log.Debug("mqtt client disconnected", zap.String("client", cl.ID), zap.Error(err))
	}
}

func (h *clientHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// serverTLSConfig loads the listener certificate. A CA turns on client
// certificate verification.
func serverTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, errors.New("embedded mqtt tls requires tls_cert and tls_key")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA bundle")
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}
