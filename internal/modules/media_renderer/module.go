// Package mediarenderer hosts a MediaRenderer:1 device with AVTransport,
// RenderingControl and ConnectionManager.
package mediarenderer

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/connmgr"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// DeviceType is the device type announced.
var DeviceType = upnp.DeviceURN("MediaRenderer", 1)

// DefaultProtocols is the sink protocol list used when none is configured.
var DefaultProtocols = []string{
	"http-get:*:audio/mpeg:*",
	"http-get:*:audio/flac:*",
	"http-get:*:audio/x-flac:*",
	"http-get:*:audio/mp4:*",
	"http-get:*:audio/ogg:*",
	"http-get:*:audio/wav:*",
	"http-get:*:audio/L16:*",
}

// Config configures the media renderer module.
type Config struct {
	Name               string
	Identity           string
	Protocols          []string
	ModerationInterval time.Duration
	TickInterval       time.Duration
	Manufacturer       string
	ModelName          string
	// NewPlayer returns the player of each transport instance. The default
	// is a ClockPlayer.
	NewPlayer func() Player
}

// Module publishes a MediaRenderer.
type Module struct {
	log       *zap.Logger
	registry  *device.Registry
	root      *device.RootDevice
	transport *AVTransport
	rendering *RenderingControl
	conns     *connmgr.Manager
	tick      time.Duration
}

// NewModule builds the device tree. Nothing is announced until Run.
func NewModule(log *zap.Logger, registry *device.Registry, notifier *gena.Notifier, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		return nil, errors.New("device registry required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "mupnp renderer"
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = DefaultProtocols
	}
	if cfg.ModerationInterval == 0 {
		cfg.ModerationInterval = 200 * time.Millisecond
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = "mupnp"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "mupnp media renderer"
	}
	sink := upnp.ParseProtocolInfoList(strings.Join(cfg.Protocols, ","))
	if len(sink) == 0 {
		return nil, errors.New("no valid sink protocols")
	}

	opts := device.ServiceOptions{
		Notifier:           notifier,
		ModerationInterval: cfg.ModerationInterval,
		Logger:             log,
	}
	avt := device.NewService(AVTransportType, AVTransportSCPD(), opts)
	transport := NewAVTransport(avt.Store, sink, cfg.NewPlayer, log)
	transport.Bind(avt.Dispatcher)

	rcs := device.NewService(RenderingControlType, RenderingControlSCPD(), opts)
	rendering := NewRenderingControl(rcs.Store, transport.Player)
	rendering.Bind(rcs.Dispatcher)

	conns := connmgr.New(connmgr.Options{
		Sink:      sink,
		Transport: avt.Store,
		Rendering: rcs.Store,
		Released: func(c connmgr.Connection) {
			if c.AVTransportID > 0 {
				transport.RemoveInstance(uint32(c.AVTransportID))
			}
		},
		Logger: log,
	})
	cms := device.NewService(connmgr.ServiceType, connmgr.SCPD(), opts)
	conns.Bind(cms.Dispatcher, cms.Store)

	root := &device.RootDevice{Device: &device.Device{
		UDN:              device.NewUDN(cfg.Identity, "media_renderer", cfg.Name),
		Type:             DeviceType,
		FriendlyName:     cfg.Name,
		Manufacturer:     cfg.Manufacturer,
		ModelName:        cfg.ModelName,
		ModelDescription: "UPnP/DLNA media renderer",
		DLNADoc:          "DMR-1.50",
		Services:         []*device.Service{rcs, cms, avt},
	}}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return &Module{
		log:       log,
		registry:  registry,
		root:      root,
		transport: transport,
		rendering: rendering,
		conns:     conns,
		tick:      cfg.TickInterval,
	}, nil
}

// Root returns the device tree.
func (m *Module) Root() *device.RootDevice { return m.root }

// Transport returns the AVTransport state machine.
func (m *Module) Transport() *AVTransport { return m.transport }

// Run registers the device and follows playback until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	if err := m.registry.Register(ctx, m.root); err != nil {
		return err
	}
	m.log.Info("media renderer online", zap.String("udn", m.root.UDN), zap.String("name", m.root.FriendlyName))
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.transport.Tick()
		}
	}
}
