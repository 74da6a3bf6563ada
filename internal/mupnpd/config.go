package mupnpd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mikey-austin/mupnp/pkg/bridge"
)

// Config is the top-level configuration for mupnpd.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Modules ModulesConfig `toml:"modules"`
}

// ServerConfig defines shared server settings.
type ServerConfig struct {
	// Listen is the HTTP address serving descriptions, control, eventing
	// and media.
	Listen        string   `toml:"listen"`
	AdvertiseHost string   `toml:"advertise_host"`
	Interfaces    []string `toml:"interfaces"`
	Product       string   `toml:"product"`
	MaxAgeSec     int      `toml:"max_age_sec"`
	Identity      string   `toml:"identity"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogOutput string `toml:"log_output"`
	LogSource bool   `toml:"log_source"`
	LogUTC    bool   `toml:"log_utc"`

	// Broker is the MQTT broker used by the event bridge. When empty and
	// the embedded broker is enabled, the bridge uses it in-process.
	Broker   string     `toml:"broker"`
	ClientID string     `toml:"client_id"`
	QoS      byte       `toml:"qos"`
	TLS      TLSConfig  `toml:"tls"`
	Auth     AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT auth credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// ModulesConfig holds module configurations.
type ModulesConfig struct {
	MediaServer    MediaServerConfig    `toml:"media_server"`
	MediaRenderer  MediaRendererConfig  `toml:"media_renderer"`
	FSLibrary      FSLibraryConfig      `toml:"fs_library"`
	PodcastLibrary PodcastLibraryConfig `toml:"podcast_library"`
	EventBridge    EventBridgeConfig    `toml:"event_bridge"`
	EmbeddedMQTT   EmbeddedMQTTConfig   `toml:"embedded_mqtt"`
}

// MediaServerConfig configures the MediaServer device.
type MediaServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Name           string   `toml:"name"`
	FlattenClients []string `toml:"flatten_clients"`
	// ModerationMS is the ContentDirectory event moderation interval.
	ModerationMS int64 `toml:"moderation_ms"`
}

// MediaRendererConfig configures the MediaRenderer device.
type MediaRendererConfig struct {
	Enabled      bool     `toml:"enabled"`
	Name         string   `toml:"name"`
	Protocols    []string `toml:"protocols"`
	ModerationMS int64    `toml:"moderation_ms"`
	TickMS       int64    `toml:"tick_ms"`
}

// FSLibraryConfig configures the filesystem library.
type FSLibraryConfig struct {
	Enabled       bool     `toml:"enabled"`
	Name          string   `toml:"name"`
	Roots         []string `toml:"roots"`
	IncludeExts   []string `toml:"include_exts"`
	IndexMode     string   `toml:"index_mode"`
	IndexPath     string   `toml:"index_path"`
	ScanIntervalS int64    `toml:"scan_interval_s"`
}

// PodcastLibraryConfig configures the podcast library.
type PodcastLibraryConfig struct {
	Enabled        bool     `toml:"enabled"`
	Name           string   `toml:"name"`
	Feeds          []string `toml:"feeds"`
	RefreshMinutes int64    `toml:"refresh_minutes"`
	TimeoutMS      int64    `toml:"timeout_ms"`
	CacheDir       string   `toml:"cache_dir"`
	OldestFirst    bool     `toml:"oldest_first"`
	LatestCount    int      `toml:"latest_count"`
	DefaultAuthor  string   `toml:"default_author"`
}

// EventBridgeConfig configures the GENA to MQTT bridge.
type EventBridgeConfig struct {
	Enabled   bool   `toml:"enabled"`
	TopicBase string `toml:"topic_base"`
	// CallbackListen is where GENA NOTIFY requests for the bridge arrive.
	CallbackListen       string `toml:"callback_listen"`
	SubscriptionTimeoutS int64  `toml:"subscription_timeout_s"`
	ScanIntervalS        int64  `toml:"scan_interval_s"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// LoadConfig loads a config file from path and applies defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset settings.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = ":8200"
	}
	if c.Server.Product == "" {
		c.Server.Product = "mupnpd/1.0"
	}
	if c.Server.MaxAgeSec <= 0 {
		c.Server.MaxAgeSec = 1800
	}
	if c.Server.Identity == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "mupnpd"
		}
		c.Server.Identity = host
	}
	if c.Modules.EventBridge.TopicBase == "" {
		c.Modules.EventBridge.TopicBase = bridge.BaseTopic
	}
	if c.Modules.EventBridge.CallbackListen == "" {
		c.Modules.EventBridge.CallbackListen = "127.0.0.1:0"
	}
	if c.Modules.EmbeddedMQTT.Listen == "" {
		c.Modules.EmbeddedMQTT.Listen = "127.0.0.1:1883"
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	if c.Server.QoS > 2 {
		return fmt.Errorf("server.qos must be 0, 1 or 2, got %d", c.Server.QoS)
	}
	if c.Modules.EventBridge.Enabled && c.Server.Broker == "" && !c.Modules.EmbeddedMQTT.Enabled {
		return errors.New("event_bridge requires server.broker or the embedded_mqtt module")
	}
	if c.Modules.FSLibrary.Enabled && len(c.Modules.FSLibrary.Roots) == 0 {
		return errors.New("fs_library requires roots")
	}
	if c.Modules.PodcastLibrary.Enabled && len(c.Modules.PodcastLibrary.Feeds) == 0 {
		return errors.New("podcast_library requires feeds")
	}
	if (c.Modules.FSLibrary.Enabled || c.Modules.PodcastLibrary.Enabled) && !c.Modules.MediaServer.Enabled {
		return errors.New("content libraries require the media_server module")
	}
	return nil
}

// MaxAge is the SSDP advertisement lifetime.
func (s ServerConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeSec) * time.Second
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "mupnp", "mupnpd.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mupnp", "mupnpd.toml"), nil
}
