// Package mediaserver hosts a MediaServer:1 device over a shared content
// store filled by the library modules.
package mediaserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/connmgr"
	"github.com/mikey-austin/mupnp/internal/contentdir"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// DeviceType is the device type announced.
var DeviceType = upnp.DeviceURN("MediaServer", 1)

// sourceTypes are the mime types offered through GetProtocolInfo.
var sourceTypes = []string{
	"audio/mpeg",
	"audio/flac",
	"audio/mp4",
	"audio/ogg",
	"audio/wav",
	"audio/x-ms-wma",
	"video/mp4",
	"video/x-matroska",
	"video/webm",
	"image/jpeg",
	"image/png",
}

// Config configures the media server module.
type Config struct {
	Name               string
	Identity           string
	FlattenClients     []string
	ModerationInterval time.Duration
	Manufacturer       string
	ModelName          string
	ModelNumber        string
}

// Module publishes a content store as a MediaServer.
type Module struct {
	log      *zap.Logger
	registry *device.Registry
	root     *device.RootDevice
	engine   *contentdir.Engine
	conns    *connmgr.Manager
}

// NewModule builds the device tree. Nothing is announced until Run.
func NewModule(log *zap.Logger, registry *device.Registry, notifier *gena.Notifier, store *contentdir.Store, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		return nil, errors.New("device registry required")
	}
	if store == nil {
		return nil, errors.New("content store required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "mupnp"
	}
	if cfg.ModerationInterval == 0 {
		cfg.ModerationInterval = 2 * time.Second
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = "mupnp"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "mupnp media server"
	}
	if cfg.ModelNumber == "" {
		cfg.ModelNumber = "1"
	}

	opts := device.ServiceOptions{
		Notifier:           notifier,
		ModerationInterval: cfg.ModerationInterval,
		Logger:             log,
	}
	engine := contentdir.NewEngine(store, contentdir.Options{Logger: log, FlattenClients: cfg.FlattenClients})
	cds := device.NewService(contentdir.ServiceType, contentdir.SCPD(), opts)
	engine.Bind(cds.Dispatcher, cds.Store)
	cds.OnRegistered(engine.Registered)

	source := make([]upnp.ProtocolInfo, 0, len(sourceTypes))
	for _, mime := range sourceTypes {
		source = append(source, upnp.NewHTTPProtocolInfo(mime, "*"))
	}
	conns := connmgr.New(connmgr.Options{Source: source, Logger: log})
	cms := device.NewService(connmgr.ServiceType, connmgr.SCPD(), opts)
	conns.Bind(cms.Dispatcher, cms.Store)

	root := &device.RootDevice{Device: &device.Device{
		UDN:              device.NewUDN(cfg.Identity, "media_server", cfg.Name),
		Type:             DeviceType,
		FriendlyName:     cfg.Name,
		Manufacturer:     cfg.Manufacturer,
		ModelName:        cfg.ModelName,
		ModelNumber:      cfg.ModelNumber,
		ModelDescription: "UPnP/DLNA media server",
		DLNADoc:          "DMS-1.50",
		Services:         []*device.Service{cds, cms},
	}}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return &Module{log: log, registry: registry, root: root, engine: engine, conns: conns}, nil
}

// Root returns the device tree.
func (m *Module) Root() *device.RootDevice { return m.root }

// Engine returns the ContentDirectory engine.
func (m *Module) Engine() *contentdir.Engine { return m.engine }

// Run registers the device and serves until ctx is done. The host removes
// the device on shutdown.
func (m *Module) Run(ctx context.Context) error {
	if err := m.registry.Register(ctx, m.root); err != nil {
		return err
	}
	m.log.Info("media server online", zap.String("udn", m.root.UDN), zap.String("name", m.root.FriendlyName))
	<-ctx.Done()
	return nil
}
