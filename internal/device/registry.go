package device

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/internal/soap"
	"github.com/mikey-austin/mupnp/internal/ssdp"
)

const xmlContentType = `text/xml; charset="utf-8"`

// Options configures a Registry.
type Options struct {
	// BaseURL is the externally reachable http://host:port of the HTTP
	// surface, used in SSDP LOCATION headers.
	BaseURL string
	// Server is the SERVER header token.
	Server string
	// Advertiser announces registered devices. It may be nil.
	Advertiser *ssdp.Advertiser
	Logger     *zap.Logger
}

// Registry owns the registered root devices and their HTTP surface.
type Registry struct {
	baseURL    string
	server     string
	advertiser *ssdp.Advertiser
	log        *zap.Logger
	router     *mux.Router

	mu      sync.RWMutex
	roots   map[string]*registration
	devices map[string]*Device
}

type registration struct {
	root   *RootDevice
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRegistry returns an empty registry with its routes mounted.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Registry{
		baseURL:    opts.BaseURL,
		server:     opts.Server,
		advertiser: opts.Advertiser,
		log:        opts.Logger,
		router:     mux.NewRouter(),
		roots:      map[string]*registration{},
		devices:    map[string]*Device{},
	}
	r.router.HandleFunc("/{device}/description-{version:[0-9]+}.xml", r.serveDescription).Methods(http.MethodGet, http.MethodHead)
	r.router.HandleFunc("/{device}/{service}/scpd.xml", r.serveSCPD).Methods(http.MethodGet, http.MethodHead)
	r.router.HandleFunc("/{device}/{service}/control", r.serveControl).Methods(http.MethodPost)
	r.router.HandleFunc("/{device}/{service}/event", r.serveEvent).Methods("SUBSCRIBE", "UNSUBSCRIBE")
	return r
}

// Router returns the router so modules can mount extra routes, e.g. media
// file serving.
func (r *Registry) Router() *mux.Router {
	return r.router
}

// BaseURL is the externally reachable root of the HTTP surface.
func (r *Registry) BaseURL() string {
	return r.baseURL
}

// Handler is the HTTP surface of every registered device.
func (r *Registry) Handler() http.Handler {
	return r.router
}

// Register mounts a root device, starts its eventing and announces it.
// Eventing stops when ctx is done or the device is removed.
func (r *Registry) Register(ctx context.Context, root *RootDevice) error {
	if err := root.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.roots[root.UDN]; exists {
		r.mu.Unlock()
		return fmt.Errorf("device: %s already registered", root.UDN)
	}
	var clash error
	root.Walk(func(d *Device) {
		if _, exists := r.devices[pathID(d.UDN)]; exists && clash == nil {
			clash = fmt.Errorf("device: %s already registered", d.UDN)
		}
	})
	if clash != nil {
		r.mu.Unlock()
		return clash
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	root.Walk(func(d *Device) {
		r.devices[pathID(d.UDN)] = d
		for _, s := range d.Services {
			group.Go(func() error {
				return s.Events.Run(runCtx)
			})
		}
	})
	r.roots[root.UDN] = &registration{root: root, cancel: cancel, group: group}
	r.mu.Unlock()

	root.Walk(func(d *Device) {
		for _, s := range d.Services {
			s.markRegistered()
		}
	})
	if r.advertiser != nil {
		r.advertiser.Add(root.UDN, ssdp.Targets(root.Announcement(r.baseURL)))
	}
	r.log.Info("device registered",
		zap.String("udn", root.UDN),
		zap.String("type", root.Type.String()),
		zap.String("name", root.FriendlyName),
	)
	return nil
}

// Renew re-announces a registered device.
func (r *Registry) Renew(udn string) error {
	if _, ok := r.Lookup(udn); !ok {
		return fmt.Errorf("device: %s not registered", udn)
	}
	if r.advertiser != nil {
		r.advertiser.Alive(udn)
	}
	return nil
}

// Remove sends byebye, stops eventing and unmounts a device.
func (r *Registry) Remove(ctx context.Context, udn string) error {
	r.mu.Lock()
	reg, ok := r.roots[udn]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device: %s not registered", udn)
	}
	delete(r.roots, udn)
	reg.root.Walk(func(d *Device) {
		delete(r.devices, pathID(d.UDN))
	})
	r.mu.Unlock()

	if r.advertiser != nil {
		r.advertiser.Remove(udn)
	}
	reg.cancel()
	done := make(chan error, 1)
	go func() { done <- reg.group.Wait() }()
	select {
	case err := <-done:
		r.log.Info("device removed", zap.String("udn", udn))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close removes every device.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, root := range r.Devices() {
		if err := r.Remove(ctx, root.UDN); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Lookup returns a registered root device.
func (r *Registry) Lookup(udn string) (*RootDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.roots[udn]
	if !ok {
		return nil, false
	}
	return reg.root, true
}

// Devices returns the registered root devices ordered by UDN.
func (r *Registry) Devices() []*RootDevice {
	r.mu.RLock()
	out := make([]*RootDevice, 0, len(r.roots))
	for _, reg := range r.roots {
		out = append(out, reg.root)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UDN < out[j].UDN })
	return out
}

func (r *Registry) rootOf(d *Device) *RootDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.roots {
		found := false
		reg.root.Walk(func(child *Device) {
			if child == d {
				found = true
			}
		})
		if found {
			return reg.root
		}
	}
	return nil
}

func (r *Registry) device(req *http.Request) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[mux.Vars(req)["device"]]
	return d, ok
}

func (r *Registry) service(req *http.Request) (*Service, bool) {
	d, ok := r.device(req)
	if !ok {
		return nil, false
	}
	return d.Service(mux.Vars(req)["service"])
}

func (r *Registry) serveDescription(w http.ResponseWriter, req *http.Request) {
	d, ok := r.device(req)
	if !ok {
		http.NotFound(w, req)
		return
	}
	root := r.rootOf(d)
	if root == nil || root.Device != d {
		http.NotFound(w, req)
		return
	}
	version, err := strconv.Atoi(mux.Vars(req)["version"])
	if err != nil || !slices.Contains(root.versions(), version) {
		http.NotFound(w, req)
		return
	}
	body, err := root.Description(version).Marshal()
	if err != nil {
		r.log.Error("description marshal failed", zap.String("udn", d.UDN), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	r.writeXML(w, req, body)
}

func (r *Registry) serveSCPD(w http.ResponseWriter, req *http.Request) {
	s, ok := r.service(req)
	if !ok {
		http.NotFound(w, req)
		return
	}
	body, err := s.Description.Marshal()
	if err != nil {
		r.log.Error("scpd marshal failed", zap.String("service", s.ID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	r.writeXML(w, req, body)
}

func (r *Registry) serveControl(w http.ResponseWriter, req *http.Request) {
	s, ok := r.service(req)
	if !ok {
		http.NotFound(w, req)
		return
	}
	h := &soap.Handler{
		ServiceType: s.Type.String(),
		Dispatcher:  s.Dispatcher,
		Server:      r.server,
		Log:         r.log,
	}
	h.ServeHTTP(w, req)
}

func (r *Registry) serveEvent(w http.ResponseWriter, req *http.Request) {
	s, ok := r.service(req)
	if !ok {
		http.NotFound(w, req)
		return
	}
	h := &gena.Handler{Manager: s.Events, Server: r.server, Log: r.log}
	h.ServeHTTP(w, req)
}

func (r *Registry) writeXML(w http.ResponseWriter, req *http.Request, body []byte) {
	w.Header().Set("Content-Type", xmlContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.server != "" {
		w.Header().Set("Server", r.server)
	}
	w.WriteHeader(http.StatusOK)
	if req.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}
