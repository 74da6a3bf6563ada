package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/adapters/mqttserver"
	"github.com/mikey-austin/mupnp/internal/contentdir"
	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/gena"
	embeddedmqtt "github.com/mikey-austin/mupnp/internal/modules/embedded_mqtt"
	eventbridge "github.com/mikey-austin/mupnp/internal/modules/event_bridge"
	fslibrary "github.com/mikey-austin/mupnp/internal/modules/fs_library"
	mediarenderer "github.com/mikey-austin/mupnp/internal/modules/media_renderer"
	mediaserver "github.com/mikey-austin/mupnp/internal/modules/media_server"
	podcastlibrary "github.com/mikey-austin/mupnp/internal/modules/podcast_library"
	"github.com/mikey-austin/mupnp/internal/mupnpd"
)

func main() {
	var (
		configPath  string
		listen      string
		identity    string
		broker      string
		logLevel    string
		logFormat   string
		logOutput   string
		logSource   bool
		logUTC      bool
		printConfig bool
		dryRun      bool
		moduleOnly  string
	)

	defaultConfig, err := mupnpd.DefaultConfigPath()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&configPath, "config", defaultConfig, "config file path")
	flag.StringVar(&listen, "listen", "", "HTTP listen address override")
	flag.StringVar(&identity, "identity", "", "server identity override")
	flag.StringVar(&broker, "broker", "", "MQTT broker URL override")
	flag.StringVar(&logLevel, "log-level", "", "log level override")
	flag.StringVar(&logFormat, "log-format", "", "log format override (text|json)")
	flag.StringVar(&logOutput, "log-output", "", "log output override (stdout|stderr)")
	flag.BoolVar(&logSource, "log-source", false, "include source file in logs")
	flag.BoolVar(&logUTC, "log-utc", false, "use UTC timestamps in logs")
	flag.StringVar(&moduleOnly, "module", "", "limit to a single module")
	flag.BoolVar(&printConfig, "print-config", false, "print resolved config and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "validate config and exit")
	flag.Parse()

	cfg, err := mupnpd.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(&cfg, listen, identity, broker, logLevel, logFormat, logOutput, logSource, logUTC)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if printConfig {
		if err := printResolvedConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if dryRun {
		return
	}

	logger := mupnpd.NewLogger(mupnpd.LogConfig{
		Level:     cfg.Server.LogLevel,
		Format:    cfg.Server.LogFormat,
		Output:    cfg.Server.LogOutput,
		AddSource: cfg.Server.LogSource,
		UTC:       cfg.Server.LogUTC,
	})
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("mupnpd starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("identity", cfg.Server.Identity),
		zap.String("broker", cfg.Server.Broker),
		zap.String("log_level", cfg.Server.LogLevel),
		zap.Strings("modules", enabledModules(cfg)),
	)

	host, err := mupnpd.NewHost(cfg.Server, logger)
	if err != nil {
		logger.Error("host setup failed", zap.Error(err))
		os.Exit(1)
	}

	modules, err := buildModules(cfg, surface{
		registry: host.Registry,
		notifier: host.Notifier,
		baseURL:  host.BaseURL,
	}, logger, moduleOnly)
	if err != nil {
		logger.Error("failed to build modules", zap.Error(err))
		os.Exit(1)
	}
	modules = append([]mupnpd.ModuleRunner{{Name: "host", Run: host.Run}}, modules...)

	supervisor := mupnpd.Supervisor{Logger: logger, StopTimeout: 10 * time.Second}
	if err := supervisor.Run(ctx, modules); err != nil {
		logger.Error("supervisor error", zap.Error(err))
		os.Exit(1)
	}
}

// surface is what modules need from the host.
type surface struct {
	registry *device.Registry
	notifier *gena.Notifier
	baseURL  string
}

func applyOverrides(cfg *mupnpd.Config, listen string, identity string, broker string, logLevel string, logFormat string, logOutput string, logSource bool, logUTC bool) {
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if identity != "" {
		cfg.Server.Identity = identity
	}
	if broker != "" {
		cfg.Server.Broker = broker
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Server.LogFormat = logFormat
	}
	if logOutput != "" {
		cfg.Server.LogOutput = logOutput
	}
	if logSource {
		cfg.Server.LogSource = true
	}
	if logUTC {
		cfg.Server.LogUTC = true
	}
}

func selected(moduleOnly string, name string) bool {
	return moduleOnly == "" || moduleOnly == name
}

func buildModules(cfg mupnpd.Config, host surface, logger *zap.Logger, moduleOnly string) ([]mupnpd.ModuleRunner, error) {
	modules := []mupnpd.ModuleRunner{}
	mods := cfg.Modules
	named := func(name string) *zap.Logger {
		return logger.With(zap.String("module", name))
	}

	// The libraries fill the store the media server publishes.
	var store *contentdir.Store
	if mods.MediaServer.Enabled && selected(moduleOnly, "media_server") {
		store = contentdir.NewStore("root", named("contentdir"))
		mod, err := mediaserver.NewModule(named("media_server"), host.registry, host.notifier, store, mediaserver.Config{
			Name:               mods.MediaServer.Name,
			Identity:           cfg.Server.Identity,
			FlattenClients:     mods.MediaServer.FlattenClients,
			ModerationInterval: time.Duration(mods.MediaServer.ModerationMS) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		modules = append(modules, mupnpd.ModuleRunner{Name: "media_server", Run: mod.Run})

		if mods.FSLibrary.Enabled {
			fs, err := fslibrary.NewModule(named("fs_library"), store, host.registry.Router(), fslibrary.Config{
				Name:         mods.FSLibrary.Name,
				Roots:        mods.FSLibrary.Roots,
				IncludeExts:  mods.FSLibrary.IncludeExts,
				IndexMode:    mods.FSLibrary.IndexMode,
				IndexPath:    mods.FSLibrary.IndexPath,
				ScanInterval: time.Duration(mods.FSLibrary.ScanIntervalS) * time.Second,
				BaseURL:      host.baseURL,
			})
			if err != nil {
				return nil, err
			}
			modules = append(modules, mupnpd.ModuleRunner{Name: "fs_library", Run: fs.Run})
		}
		if mods.PodcastLibrary.Enabled {
			pod, err := podcastlibrary.NewModule(named("podcast_library"), store, podcastlibrary.Config{
				Name:              mods.PodcastLibrary.Name,
				Feeds:             mods.PodcastLibrary.Feeds,
				RefreshInterval:   time.Duration(mods.PodcastLibrary.RefreshMinutes) * time.Minute,
				CacheDir:          mods.PodcastLibrary.CacheDir,
				Timeout:           time.Duration(mods.PodcastLibrary.TimeoutMS) * time.Millisecond,
				DefaultItemAuthor: mods.PodcastLibrary.DefaultAuthor,
				OldestFirst:       mods.PodcastLibrary.OldestFirst,
				LatestCount:       mods.PodcastLibrary.LatestCount,
			})
			if err != nil {
				return nil, err
			}
			modules = append(modules, mupnpd.ModuleRunner{Name: "podcast_library", Run: pod.Run})
		}
	}

	if mods.MediaRenderer.Enabled && selected(moduleOnly, "media_renderer") {
		mod, err := mediarenderer.NewModule(named("media_renderer"), host.registry, host.notifier, mediarenderer.Config{
			Name:               mods.MediaRenderer.Name,
			Identity:           cfg.Server.Identity,
			Protocols:          mods.MediaRenderer.Protocols,
			ModerationInterval: time.Duration(mods.MediaRenderer.ModerationMS) * time.Millisecond,
			TickInterval:       time.Duration(mods.MediaRenderer.TickMS) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		modules = append(modules, mupnpd.ModuleRunner{Name: "media_renderer", Run: mod.Run})
	}

	var embedded *embeddedmqtt.Module
	if mods.EmbeddedMQTT.Enabled && selected(moduleOnly, "embedded_mqtt") {
		mod, err := embeddedmqtt.NewModule(named("embedded_mqtt"), embeddedmqtt.Config{
			Listen:         mods.EmbeddedMQTT.Listen,
			AllowAnonymous: mods.EmbeddedMQTT.AllowAnonymous,
			Username:       mods.EmbeddedMQTT.Username,
			Password:       mods.EmbeddedMQTT.Password,
			TopicBase:      mods.EventBridge.TopicBase,
			TLSCA:          mods.EmbeddedMQTT.TLSCA,
			TLSCert:        mods.EmbeddedMQTT.TLSCert,
			TLSKey:         mods.EmbeddedMQTT.TLSKey,
		})
		if err != nil {
			return nil, err
		}
		embedded = mod
		modules = append(modules, mupnpd.ModuleRunner{Name: "embedded_mqtt", Run: mod.Run})
	}

	if mods.EventBridge.Enabled && selected(moduleOnly, "event_bridge") {
		bus, err := bridgeBus(cfg, embedded, named("mqtt"))
		if err != nil {
			return nil, err
		}
		cp := controlpoint.New(controlpoint.Config{Interfaces: cfg.Server.Interfaces}, named("controlpoint"))
		mod, err := eventbridge.NewModule(named("event_bridge"), bus, host.registry, cp, eventbridge.Config{
			TopicBase:           mods.EventBridge.TopicBase,
			CallbackListen:      mods.EventBridge.CallbackListen,
			AdvertiseHost:       cfg.Server.AdvertiseHost,
			SubscriptionTimeout: time.Duration(mods.EventBridge.SubscriptionTimeoutS) * time.Second,
			ScanInterval:        time.Duration(mods.EventBridge.ScanIntervalS) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		modules = append(modules, mupnpd.ModuleRunner{Name: "event_bridge", Run: mod.Run})
	}

	if len(modules) == 0 {
		return nil, errors.New("no modules enabled")
	}
	return modules, nil
}

// bridgeBus connects to the configured broker, or uses the embedded
// broker in-process when no broker is configured.
func bridgeBus(cfg mupnpd.Config, embedded *embeddedmqtt.Module, logger *zap.Logger) (eventbridge.Bus, error) {
	if cfg.Server.Broker == "" {
		if embedded == nil {
			return nil, errors.New("event_bridge requires server.broker or the embedded_mqtt module")
		}
		return embedded.Bus(), nil
	}
	clientID := cfg.Server.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("mupnpd-%s-%d", cfg.Server.Identity, time.Now().UnixNano())
	}
	client, err := mqttserver.NewClient(mqttserver.Options{
		BrokerURL:   cfg.Server.Broker,
		ClientID:    clientID,
		Username:    cfg.Server.Auth.User,
		Password:    cfg.Server.Auth.Pass,
		TLSCA:       cfg.Server.TLS.CA,
		TLSCert:     cfg.Server.TLS.Cert,
		TLSKey:      cfg.Server.TLS.Key,
		QoS:         cfg.Server.QoS,
		WillTopic:   cfg.Modules.EventBridge.TopicBase + "/bridge/" + cfg.Server.Identity + "/status",
		WillPayload: []byte("offline"),
		Timeout:     5 * time.Second,
		Logger:      logger,
		Debug:       cfg.Server.LogLevel == "debug",
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func enabledModules(cfg mupnpd.Config) []string {
	out := []string{}
	if cfg.Modules.MediaServer.Enabled {
		out = append(out, "media_server")
	}
	if cfg.Modules.FSLibrary.Enabled {
		out = append(out, "fs_library")
	}
	if cfg.Modules.PodcastLibrary.Enabled {
		out = append(out, "podcast_library")
	}
	if cfg.Modules.MediaRenderer.Enabled {
		out = append(out, "media_renderer")
	}
	if cfg.Modules.EmbeddedMQTT.Enabled {
		out = append(out, "embedded_mqtt")
	}
	if cfg.Modules.EventBridge.Enabled {
		out = append(out, "event_bridge")
	}
	return out
}

func printResolvedConfig(w io.Writer, cfg mupnpd.Config) error {
	if cfg.Server.Auth.Pass != "" {
		cfg.Server.Auth.Pass = "***"
	}
	if cfg.Modules.EmbeddedMQTT.Password != "" {
		cfg.Modules.EmbeddedMQTT.Password = "***"
	}
	return toml.NewEncoder(w).Encode(cfg)
}
