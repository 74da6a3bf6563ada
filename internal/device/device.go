// Package device models hosted UPnP devices and serves them: description
// documents, control, eventing and SSDP announcement.
package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/dispatch"
	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/internal/ssdp"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// udnNamespace seeds name-based UDNs.
var udnNamespace = uuid.MustParse("0f1c3c6e-8f5a-4ce0-9f87-3b8f2a6d8a11")

// NewUDN returns a stable UDN derived from the parts, or a random one when
// none are given.
func NewUDN(parts ...string) string {
	if len(parts) == 0 {
		return "uuid:" + uuid.NewString()
	}
	return "uuid:" + uuid.NewSHA1(udnNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// ServiceOptions configures NewService.
type ServiceOptions struct {
	// ID is the serviceId. It defaults to the one derived from the type.
	ID                 string
	Timeout            time.Duration
	Aliases            dispatch.Aliases
	Notifier           *gena.Notifier
	ModerationInterval time.Duration
	ExpiryInterval     time.Duration
	Logger             *zap.Logger
}

// Service is one hosted service with its variables, actions and
// subscribers.
type Service struct {
	Type        upnp.URN
	ID          string
	Description *description.SCPD
	Store       *state.Store
	Dispatcher  *dispatch.Dispatcher
	Events      *gena.Manager

	mu         sync.Mutex
	registered bool
	hooks      []func()
}

// NewService builds the store, dispatcher and subscription manager for a
// service description.
func NewService(serviceType upnp.URN, scpd *description.SCPD, opts ServiceOptions) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("service", serviceType.Type))
	if opts.ID == "" {
		opts.ID = serviceType.ServiceID()
	}
	if scpd.SpecVersion.Major == 0 {
		scpd.SpecVersion = description.SpecVersion{Major: 1}
	}
	store := state.NewStore(serviceType.String(), scpd.StateVariables)
	return &Service{
		Type:        serviceType,
		ID:          opts.ID,
		Description: scpd,
		Store:       store,
		Dispatcher: dispatch.New(scpd, store, dispatch.Options{
			Timeout: opts.Timeout,
			Aliases: opts.Aliases,
			Logger:  log,
		}),
		Events: gena.NewManager(store, gena.Options{
			Notifier:           opts.Notifier,
			ModerationInterval: opts.ModerationInterval,
			ExpiryInterval:     opts.ExpiryInterval,
			Logger:             log,
		}),
	}
}

// Bind attaches an action handler.
func (s *Service) Bind(action string, h dispatch.Handler) error {
	return s.Dispatcher.Bind(action, h)
}

// Name is the path segment of the service's URLs.
func (s *Service) Name() string {
	if _, name, ok := strings.Cut(s.ID, ":serviceId:"); ok {
		return name
	}
	return s.Type.Type
}

// OnRegistered runs fn once the service's device is registered, or now if
// it already is.
func (s *Service) OnRegistered(fn func()) {
	s.mu.Lock()
	if !s.registered {
		s.hooks = append(s.hooks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

func (s *Service) markRegistered() {
	s.mu.Lock()
	s.registered = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Device is one device of a tree.
type Device struct {
	UDN              string
	Type             upnp.URN
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelName        string
	ModelNumber      string
	ModelDescription string
	SerialNumber     string
	DLNADoc          string
	Icons            []description.Icon
	Services         []*Service
	Devices          []*Device
}

// Service returns the service with the given path name.
func (d *Device) Service(name string) (*Service, bool) {
	for _, s := range d.Services {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Walk visits the device and its embedded devices depth first.
func (d *Device) Walk(fn func(*Device)) {
	fn(d)
	for _, child := range d.Devices {
		child.Walk(fn)
	}
}

// RootDevice is a device tree served at one or more description versions.
type RootDevice struct {
	*Device
	// Versions lists the device versions with their own description
	// document. It defaults to the device type version.
	Versions []int
}

// versions returns the served versions, never empty.
func (r *RootDevice) versions() []int {
	if len(r.Versions) > 0 {
		return r.Versions
	}
	v := r.Type.Version
	if v == 0 {
		v = 1
	}
	return []int{v}
}

// Validate checks identities before registration.
func (r *RootDevice) Validate() error {
	if r.Device == nil {
		return fmt.Errorf("device: empty root device")
	}
	seen := map[string]bool{}
	var err error
	r.Walk(func(d *Device) {
		if err != nil {
			return
		}
		if !strings.HasPrefix(d.UDN, "uuid:") {
			err = fmt.Errorf("device: udn %q must start with uuid:", d.UDN)
			return
		}
		if seen[d.UDN] {
			err = fmt.Errorf("device: duplicate udn %s", d.UDN)
			return
		}
		seen[d.UDN] = true
		if d.Type.IsZero() {
			err = fmt.Errorf("device: %s has no device type", d.UDN)
			return
		}
		names := map[string]bool{}
		for _, s := range d.Services {
			if names[s.Name()] {
				err = fmt.Errorf("device: %s has duplicate service %s", d.UDN, s.Name())
				return
			}
			names[s.Name()] = true
		}
	})
	return err
}

// Description builds the device description document served at version.
// Types are capped at version so older control points see what they know.
func (r *RootDevice) Description(version int) *description.Root {
	return &description.Root{Device: describe(r.Device, version)}
}

func describe(d *Device, version int) description.Device {
	out := description.Device{
		DeviceType:       d.Type.WithVersion(min(d.Type.Version, version)).String(),
		FriendlyName:     d.FriendlyName,
		Manufacturer:     d.Manufacturer,
		ManufacturerURL:  d.ManufacturerURL,
		ModelDescription: d.ModelDescription,
		ModelName:        d.ModelName,
		ModelNumber:      d.ModelNumber,
		SerialNumber:     d.SerialNumber,
		UDN:              d.UDN,
		DLNADoc:          d.DLNADoc,
		Icons:            d.Icons,
	}
	base := "/" + pathID(d.UDN) + "/"
	for _, s := range d.Services {
		out.Services = append(out.Services, description.Service{
			ServiceType: s.Type.WithVersion(min(s.Type.Version, version)).String(),
			ServiceID:   s.ID,
			SCPDURL:     base + s.Name() + "/scpd.xml",
			ControlURL:  base + s.Name() + "/control",
			EventSubURL: base + s.Name() + "/event",
		})
	}
	for _, child := range d.Devices {
		out.Devices = append(out.Devices, describe(child, version))
	}
	return out
}

// Announcement describes the root device for SSDP, with description
// documents under baseURL.
func (r *RootDevice) Announcement(baseURL string) ssdp.Announcement {
	a := ssdp.Announcement{
		UDN:        r.UDN,
		DeviceType: r.Type,
		Versions:   r.versions(),
		Location: func(version int) string {
			return DescriptionURL(baseURL, r.UDN, version)
		},
	}
	r.Walk(func(d *Device) {
		if d != r.Device {
			a.EmbeddedUDNs = append(a.EmbeddedUDNs, d.UDN)
			a.DeviceTypes = append(a.DeviceTypes, d.Type)
		}
		for _, s := range d.Services {
			a.ServiceTypes = append(a.ServiceTypes, s.Type)
		}
	})
	return a
}

// DescriptionURL is where a device's description document for version is
// served.
func DescriptionURL(baseURL string, udn string, version int) string {
	return fmt.Sprintf("%s/%s/description-%d.xml", strings.TrimRight(baseURL, "/"), pathID(udn), version)
}

func pathID(udn string) string {
	return strings.TrimPrefix(udn, "uuid:")
}
