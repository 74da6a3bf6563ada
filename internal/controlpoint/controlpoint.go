// Package controlpoint discovers remote UPnP devices, fetches their
// descriptions and drives their services: action calls, ContentDirectory
// browsing and event subscriptions.
package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/internal/soap"
	"github.com/mikey-austin/mupnp/internal/ssdp"
	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// DefaultDescriptionTimeout bounds one description or SCPD fetch.
const DefaultDescriptionTimeout = 10 * time.Second

var (
	ErrUnknownDevice   = errors.New("controlpoint: unknown device")
	ErrNoService       = errors.New("controlpoint: service not found")
	ErrServiceNotReady = errors.New("controlpoint: service not ready")
)

// Config configures a ControlPoint.
type Config struct {
	Interfaces         []string
	UserAgent          string
	Timeout            time.Duration
	DescriptionTimeout time.Duration
	MaxConcurrent      int
	CacheSize          int
	CacheTTL           time.Duration
	CacheCompress      bool
}

// Service is a remote service with its description.
type Service struct {
	Type        string
	ID          string
	SCPDURL     string
	ControlURL  string
	EventSubURL string
	SCPD        *description.SCPD
	// Ready is false when the SCPD could not be fetched; Err says why.
	Ready bool
	Err   error
}

// Device is a described remote device tree, flattened.
type Device struct {
	UDN          string
	Type         string
	FriendlyName string
	Manufacturer string
	ModelName    string
	Location     string
	BaseURL      string
	Services     []*Service
	Root         *description.Root
	LastSeen     time.Time
}

// Service returns the first service satisfying serviceType, matched by
// type URN, serviceId or a bare name such as "ContentDirectory".
func (d *Device) Service(serviceType string) (*Service, bool) {
	for _, s := range d.Services {
		if upnp.MatchType(serviceType, s.Type) || s.ID == serviceType {
			return s, true
		}
	}
	for _, s := range d.Services {
		if u, err := upnp.ParseURN(s.Type); err == nil && strings.EqualFold(u.Type, serviceType) {
			return s, true
		}
	}
	return nil, false
}

// ControlPoint tracks remote devices.
type ControlPoint struct {
	cfg       Config
	log       *zap.Logger
	http      *http.Client
	soap      *soap.Client
	events    *gena.Client
	cache     *documentCache
	inventory *ssdp.Inventory

	mu      sync.RWMutex
	devices map[string]*Device

	subsMu   sync.Mutex
	subs     map[string]*subscription
	callback string
}

// New returns a control point. Discovery happens through Discover or
// Monitor.
func New(cfg Config, log *zap.Logger) *ControlPoint {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DescriptionTimeout <= 0 {
		cfg.DescriptionTimeout = DefaultDescriptionTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mupnp/1.0 UPnP/1.0"
	}
	c := soap.NewClient(cfg.Timeout, log)
	c.UserAgent = cfg.UserAgent
	cp := &ControlPoint{
		cfg:       cfg,
		log:       log,
		http:      &http.Client{Timeout: cfg.DescriptionTimeout},
		soap:      c,
		events:    gena.NewClient(cfg.Timeout),
		cache:     newDocumentCache(cfg.CacheSize, cfg.CacheTTL, cfg.CacheCompress, log),
		inventory: ssdp.NewInventory(),
		devices:   map[string]*Device{},
		subs:      map[string]*subscription{},
	}
	cp.inventory.OnRemoved(func(e ssdp.Entry) {
		cp.forget(e.UDN)
	})
	return cp
}

// Inventory returns the advertisement inventory.
func (cp *ControlPoint) Inventory() *ssdp.Inventory {
	return cp.inventory
}

// Discover searches for target, then describes every responding root
// device. Devices whose description fails are skipped.
func (cp *ControlPoint) Discover(ctx context.Context, target string, mx int) ([]*Device, error) {
	ifaces, err := ssdp.Interfaces(cp.cfg.Interfaces)
	if err != nil {
		return nil, err
	}
	searcher := &ssdp.Searcher{Interfaces: ifaces, UserAgent: cp.cfg.UserAgent, Log: cp.log}
	msgs, err := searcher.Search(ctx, target, mx)
	if err != nil {
		return nil, err
	}
	// Embedded devices answer with their root's location; describe it once.
	locations := map[string]string{}
	seen := map[string]bool{}
	for _, msg := range msgs {
		cp.inventory.Handle(msg)
		udn, location := msg.UDN(), msg.Location()
		if udn == "" || location == "" || seen[location] {
			continue
		}
		seen[location] = true
		locations[udn] = location
	}
	return cp.describeAll(ctx, locations), nil
}

// Monitor listens for advertisements until ctx is done, describing
// devices as they appear and dropping them on byebye or expiry.
func (cp *ControlPoint) Monitor(ctx context.Context) error {
	ifaces, err := ssdp.Interfaces(cp.cfg.Interfaces)
	if err != nil {
		return err
	}
	cp.inventory.OnAdded(func(e ssdp.Entry) {
		go func() {
			if _, err := cp.Describe(ctx, e.Location); err != nil {
				cp.log.Debug("describe failed", zap.String("location", e.Location), zap.Error(err))
			}
		}()
	})
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		server := &ssdp.Server{Interfaces: ifaces, Inventory: cp.inventory, Log: cp.log}
		return server.ListenAndServe(ctx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				cp.inventory.Expire(now)
			}
		}
	})
	return group.Wait()
}

func (cp *ControlPoint) describeAll(ctx context.Context, locations map[string]string) []*Device {
	var (
		mu  sync.Mutex
		out []*Device
	)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(cp.cfg.MaxConcurrent)
	for udn, location := range locations {
		group.Go(func() error {
			dev, err := cp.Describe(ctx, location)
			if err != nil {
				cp.log.Debug("describe failed", zap.String("udn", udn), zap.String("location", location), zap.Error(err))
				return nil
			}
			mu.Lock()
			out = append(out, dev)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].FriendlyName < out[j].FriendlyName })
	return out
}

// Describe fetches the device description at location and every SCPD it
// references. A service whose SCPD cannot be fetched is kept but marked
// not ready.
func (cp *ControlPoint) Describe(ctx context.Context, location string) (*Device, error) {
	data, err := cp.fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	root, err := description.ParseRoot(data)
	if err != nil {
		cp.cache.drop(ctx, location)
		return nil, fmt.Errorf("parse description %s: %w", location, err)
	}
	base := root.BaseURL(location)
	dev := &Device{
		UDN:          root.Device.UDN,
		Type:         root.Device.DeviceType,
		FriendlyName: root.Device.FriendlyName,
		Manufacturer: root.Device.Manufacturer,
		ModelName:    root.Device.ModelName,
		Location:     location,
		BaseURL:      base,
		Root:         root,
		LastSeen:     time.Now(),
	}
	root.Device.VisitServices(func(_ *description.Device, s *description.Service) {
		dev.Services = append(dev.Services, &Service{
			Type:        s.ServiceType,
			ID:          s.ServiceID,
			SCPDURL:     description.ResolveURL(base, s.SCPDURL),
			ControlURL:  description.ResolveURL(base, s.ControlURL),
			EventSubURL: description.ResolveURL(base, s.EventSubURL),
		})
	})

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(cp.cfg.MaxConcurrent)
	for _, svc := range dev.Services {
		group.Go(func() error {
			raw, err := cp.fetch(gctx, svc.SCPDURL)
			if err == nil {
				svc.SCPD, err = description.ParseSCPD(raw)
			}
			if err != nil {
				cp.cache.drop(gctx, svc.SCPDURL)
				svc.Err = err
				cp.log.Warn("service description unavailable",
					zap.String("udn", dev.UDN),
					zap.String("service", svc.Type),
					zap.Error(err),
				)
				return nil
			}
			svc.SCPD.Clean()
			svc.Ready = true
			return nil
		})
	}
	_ = group.Wait()

	cp.mu.Lock()
	cp.devices[dev.UDN] = dev
	cp.mu.Unlock()
	return dev, nil
}

func (cp *ControlPoint) fetch(ctx context.Context, url string) ([]byte, error) {
	if data, ok := cp.cache.get(ctx, url); ok {
		return data, nil
	}
	ctx, cancel := context.WithTimeout(ctx, cp.cfg.DescriptionTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cp.cfg.UserAgent)
	resp, err := cp.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	cp.cache.put(ctx, url, data)
	return data, nil
}

func (cp *ControlPoint) forget(udn string) {
	cp.mu.Lock()
	dev, ok := cp.devices[udn]
	delete(cp.devices, udn)
	cp.mu.Unlock()
	if ok {
		cp.log.Debug("device gone", zap.String("udn", udn), zap.String("name", dev.FriendlyName))
	}
}

// Devices returns the described devices ordered by name.
func (cp *ControlPoint) Devices() []*Device {
	cp.mu.RLock()
	out := make([]*Device, 0, len(cp.devices))
	for _, dev := range cp.devices {
		out = append(out, dev)
	}
	cp.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FriendlyName < out[j].FriendlyName })
	return out
}

// Device resolves a UDN, a bare uuid or a friendly name.
func (cp *ControlPoint) Device(ref string) (*Device, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if dev, ok := cp.devices[ref]; ok {
		return dev, nil
	}
	if dev, ok := cp.devices["uuid:"+ref]; ok {
		return dev, nil
	}
	for _, dev := range cp.devices {
		if strings.EqualFold(dev.FriendlyName, ref) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, ref)
}

func (cp *ControlPoint) service(dev *Device, serviceType string) (*Service, error) {
	svc, ok := dev.Service(serviceType)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoService, serviceType, dev.FriendlyName)
	}
	if !svc.Ready {
		return nil, fmt.Errorf("%w: %s: %v", ErrServiceNotReady, svc.Type, svc.Err)
	}
	return svc, nil
}

// Call invokes an action on a device's service. Arguments are checked
// against the SCPD and sent in declared order.
func (cp *ControlPoint) Call(ctx context.Context, dev *Device, serviceType string, action string, args map[string]string) (map[string]string, error) {
	svc, err := cp.service(dev, serviceType)
	if err != nil {
		return nil, err
	}
	decl, ok := svc.SCPD.Action(action)
	if !ok {
		return nil, upnp.NewError(upnp.CodeInvalidAction)
	}
	ordered := make([]upnp.Arg, 0, len(args))
	for _, in := range decl.Inputs() {
		value, ok := args[in.Name]
		if !ok {
			return nil, upnp.Errorf(upnp.CodeInvalidArgs, "missing argument %s", in.Name)
		}
		ordered = append(ordered, upnp.Arg{Name: in.Name, Value: value})
	}
	if len(ordered) != len(args) {
		return nil, upnp.Errorf(upnp.CodeInvalidArgs, "unexpected arguments for %s", action)
	}
	return cp.soap.Call(ctx, svc.ControlURL, svc.Type, action, ordered)
}

var contentDirectory = upnp.ServiceURN("ContentDirectory", 1).String()

// BrowseResult is a decoded Browse or Search answer.
type BrowseResult struct {
	Objects        []didl.Object
	NumberReturned int
	TotalMatches   int
	UpdateID       uint32
}

// Browse calls ContentDirectory Browse.
func (cp *ControlPoint) Browse(ctx context.Context, dev *Device, objectID string, flag string, filter string, start int, count int) (BrowseResult, error) {
	out, err := cp.Call(ctx, dev, contentDirectory, "Browse", map[string]string{
		"ObjectID":       objectID,
		"BrowseFlag":     flag,
		"Filter":         filter,
		"StartingIndex":  strconv.Itoa(start),
		"RequestedCount": strconv.Itoa(count),
		"SortCriteria":   "",
	})
	if err != nil {
		return BrowseResult{}, err
	}
	return decodeResult(out)
}

// Search calls ContentDirectory Search.
func (cp *ControlPoint) Search(ctx context.Context, dev *Device, containerID string, criteria string, filter string, start int, count int) (BrowseResult, error) {
	out, err := cp.Call(ctx, dev, contentDirectory, "Search", map[string]string{
		"ContainerID":    containerID,
		"SearchCriteria": criteria,
		"Filter":         filter,
		"StartingIndex":  strconv.Itoa(start),
		"RequestedCount": strconv.Itoa(count),
		"SortCriteria":   "",
	})
	if err != nil {
		return BrowseResult{}, err
	}
	return decodeResult(out)
}

// BrowseAll pages through every child of objectID.
func (cp *ControlPoint) BrowseAll(ctx context.Context, dev *Device, objectID string, pageSize int) ([]didl.Object, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var all []didl.Object
	for {
		res, err := cp.Browse(ctx, dev, objectID, "BrowseDirectChildren", "*", len(all), pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Objects...)
		if res.NumberReturned == 0 || len(all) >= res.TotalMatches {
			return all, nil
		}
	}
}

func decodeResult(out map[string]string) (BrowseResult, error) {
	doc, err := didl.Unmarshal([]byte(out["Result"]))
	if err != nil {
		return BrowseResult{}, fmt.Errorf("decode didl: %w", err)
	}
	res := BrowseResult{Objects: doc.Objects}
	res.NumberReturned, _ = strconv.Atoi(out["NumberReturned"])
	res.TotalMatches, _ = strconv.Atoi(out["TotalMatches"])
	if id, err := strconv.ParseUint(out["UpdateID"], 10, 32); err == nil {
		res.UpdateID = uint32(id)
	}
	if res.TotalMatches == 0 && len(res.Objects) > 0 {
		res.TotalMatches = len(res.Objects)
	}
	return res, nil
}

// LocalAddr returns the local address used to reach host, for callback
// URLs.
func LocalAddr(host string) (net.IP, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(host, "1900"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
