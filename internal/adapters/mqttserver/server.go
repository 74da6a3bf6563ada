// Package mqttserver connects daemon modules to an external MQTT broker.
package mqttserver

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	QoS       byte
	// WillTopic, when set, receives a retained WillPayload if the
	// connection drops without a clean disconnect.
	WillTopic   string
	WillPayload []byte
	Timeout     time.Duration
	Logger      *zap.Logger
	Debug       bool
}

// Client wraps a paho connection for daemon modules.
type Client struct {
	client paho.Client
	qos    byte
	log    *zap.Logger
	debug  bool

	mu     sync.Mutex
	routes map[string]Handler
}

// Handler receives messages of a subscription.
type Handler = func(topic string, payload []byte)

// NewClient connects to the broker. Subscriptions are restored after a
// reconnect.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", opts.QoS)
	}
	c := &Client{qos: opts.QoS, log: opts.Logger, debug: opts.Debug, routes: map[string]Handler{}}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)
	clientOpts.SetOnConnectHandler(c.resubscribe)
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("mqtt connection lost", zap.Error(err))
	})
	if opts.WillTopic != "" {
		clientOpts.SetBinaryWill(opts.WillTopic, opts.WillPayload, opts.QoS, true)
	}

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := buildTLSConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	client := paho.NewClient(clientOpts)
	c.client = client
	if token := client.Connect(); token.WaitTimeout(opts.Timeout) && token.Error() != nil {
		return nil, token.Error()
	}
	if !client.IsConnected() {
		return nil, fmt.Errorf("mqtt connect to %s timed out", opts.BrokerURL)
	}
	c.log.Info("mqtt connected", zap.String("broker", opts.BrokerURL), zap.String("client_id", opts.ClientID))
	return c, nil
}

// Publish publishes a message.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	if c.debug {
		c.log.Debug("mqtt publish", zap.String("topic", topic), zap.Bool("retained", retained), zap.Int("bytes", len(payload)), zap.String("payload", truncatePayload(payload)))
	}
	token := c.client.Publish(topic, c.qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe subscribes to a topic filter.
func (c *Client) Subscribe(topic string, handler Handler) error {
	if c.debug {
		c.log.Debug("mqtt subscribe", zap.String("topic", topic))
	}
	c.mu.Lock()
	c.routes[topic] = handler
	c.mu.Unlock()
	token := c.client.Subscribe(topic, c.qos, c.wrap(handler))
	token.Wait()
	return token.Error()
}

// Unsubscribe unsubscribes from a topic filter.
func (c *Client) Unsubscribe(topic string) error {
	if c.debug {
		c.log.Debug("mqtt unsubscribe", zap.String("topic", topic))
	}
	c.mu.Lock()
	delete(c.routes, topic)
	c.mu.Unlock()
	token := c.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

// Close disconnects, waiting up to quiesce for in-flight work.
func (c *Client) Close(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce / time.Millisecond))
}

func (c *Client) wrap(handler Handler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if c.debug {
			c.log.Debug("mqtt message", zap.String("topic", msg.Topic()), zap.Int("bytes", len(msg.Payload())), zap.String("payload", truncatePayload(msg.Payload())))
		}
		handler(msg.Topic(), msg.Payload())
	}
}

// resubscribe restores subscriptions on reconnect.
func (c *Client) resubscribe(client paho.Client) {
	c.mu.Lock()
	routes := make(map[string]Handler, len(c.routes))
	for topic, h := range c.routes {
		routes[topic] = h
	}
	c.mu.Unlock()
	for topic, h := range routes {
		if token := client.Subscribe(topic, c.qos, c.wrap(h)); token.Wait() && token.Error() != nil {
			c.log.Warn("mqtt resubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

func truncatePayload(payload []byte) string {
	const max = 2048
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "..."
}

func buildTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}

	config := &tls.Config{}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA bundle")
		}
		config.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, errors.New("both tls cert and key are required")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
