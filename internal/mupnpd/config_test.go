package mupnpd

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "mupnpd.toml")
	data := []byte("" +
		"[server]\n" +
		"listen = \":9000\"\n" +
		"identity = \"den\"\n" +
		"interfaces = [\"eth0\"]\n" +
		"\n" +
		"[modules.media_server]\n" +
		"enabled = true\n" +
		"name = \"Den Media\"\n" +
		"\n" +
		"[modules.fs_library]\n" +
		"enabled = true\n" +
		"roots = [\"/srv/music\", \"/srv/video\"]\n" +
		"\n" +
		"[modules.podcast_library]\n" +
		"enabled = true\n" +
		"feeds = [\"https://example.com/feed.xml\"]\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Listen != ":9000" || cfg.Server.Identity != "den" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if len(cfg.Server.Interfaces) != 1 || cfg.Server.Interfaces[0] != "eth0" {
		t.Fatalf("expected interfaces")
	}
	if !cfg.Modules.MediaServer.Enabled || cfg.Modules.MediaServer.Name != "Den Media" {
		t.Fatalf("expected media server enabled")
	}
	if len(cfg.Modules.FSLibrary.Roots) != 2 {
		t.Fatalf("expected fs roots")
	}
	if len(cfg.Modules.PodcastLibrary.Feeds) != 1 {
		t.Fatalf("expected podcast feed")
	}
	if cfg.Server.MaxAge() != 30*time.Minute {
		t.Fatalf("expected default max age, got %s", cfg.Server.MaxAge())
	}
	if cfg.Modules.EventBridge.TopicBase != "mupnp/v1" {
		t.Fatalf("expected default topic base, got %q", cfg.Modules.EventBridge.TopicBase)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bridge without broker", func(c *Config) { c.Modules.EventBridge.Enabled = true }},
		{"bad qos", func(c *Config) { c.Server.QoS = 3 }},
		{"fs without roots", func(c *Config) {
			c.Modules.MediaServer.Enabled = true
			c.Modules.FSLibrary.Enabled = true
		}},
		{"library without server", func(c *Config) {
			c.Modules.PodcastLibrary.Enabled = true
			c.Modules.PodcastLibrary.Feeds = []string{"https://example.com/feed.xml"}
		}},
	}
	for _, tc := range cases {
		var cfg Config
		cfg.ApplyDefaults()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	var cfg Config
	cfg.ApplyDefaults()
	cfg.Modules.EventBridge.Enabled = true
	cfg.Modules.EmbeddedMQTT.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("embedded broker should satisfy the bridge: %v", err)
	}
}

func TestLoadConfigRejectsDirectory(t *testing.T) {
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := LoadConfig(""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default config path: %v", err)
	}
	if path != "/tmp/xdg/mupnp/mupnpd.toml" {
		t.Fatalf("unexpected path %s", path)
	}
}
