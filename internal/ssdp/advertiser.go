package ssdp

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Target is one advertised (NT, USN, LOCATION) triple.
type Target struct {
	NT       string
	USN      string
	Location string
}

// Announcement describes one root device for advertisement.
type Announcement struct {
	UDN        string
	DeviceType upnp.URN
	// Versions lists the device versions served, each with its own
	// description document.
	Versions []int
	Location func(version int) string
	// Embedded device and service types, at their declared versions.
	DeviceTypes  []upnp.URN
	ServiceTypes []upnp.URN
	EmbeddedUDNs []string
}

// Targets expands an announcement into the advertised set: upnp:rootdevice,
// the UDN, the device type at each version, and every service type at each
// version it supports up to the device version.
func Targets(a Announcement) []Target {
	versions := append([]int(nil), a.Versions...)
	if len(versions) == 0 {
		versions = []int{a.DeviceType.Version}
	}
	sort.Ints(versions)
	top := a.Location(versions[len(versions)-1])

	seen := map[string]bool{}
	var out []Target
	add := func(nt, usn, location string) {
		if seen[nt+"|"+usn] {
			return
		}
		seen[nt+"|"+usn] = true
		out = append(out, Target{NT: nt, USN: usn, Location: location})
	}
	add(upnp.TargetRootDevice, a.UDN+"::"+upnp.TargetRootDevice, top)
	add(a.UDN, a.UDN, top)
	for _, udn := range a.EmbeddedUDNs {
		add(udn, udn, top)
	}
	for _, v := range versions {
		location := a.Location(v)
		device := a.DeviceType.WithVersion(v).String()
		add(device, a.UDN+"::"+device, location)
		for _, dt := range a.DeviceTypes {
			nt := dt.WithVersion(min(dt.Version, v)).String()
			add(nt, a.UDN+"::"+nt, location)
		}
		for _, st := range a.ServiceTypes {
			nt := st.WithVersion(min(st.Version, v)).String()
			add(nt, a.UDN+"::"+nt, location)
		}
	}
	return out
}

// Sender transmits a datagram.
type Sender interface {
	Send(payload []byte, addr *net.UDPAddr) error
}

// Advertiser announces registered devices.
type Advertiser struct {
	sender Sender
	server string
	maxAge time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	devices map[string][]Target
}

// NewAdvertiser returns an advertiser sending through sender.
func NewAdvertiser(sender Sender, server string, maxAge time.Duration, log *zap.Logger) *Advertiser {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Advertiser{sender: sender, server: server, maxAge: maxAge, log: log, devices: map[string][]Target{}}
}

// Server returns the SERVER product token.
func (a *Advertiser) Server() string { return a.server }

// MaxAge returns the advertised cache lifetime.
func (a *Advertiser) MaxAge() time.Duration { return a.maxAge }

// Add registers a device and announces it.
func (a *Advertiser) Add(udn string, targets []Target) {
	a.mu.Lock()
	a.devices[udn] = targets
	a.mu.Unlock()
	a.Alive(udn)
}

// Remove sends byebye for a device and forgets it.
func (a *Advertiser) Remove(udn string) {
	a.ByeBye(udn)
	a.mu.Lock()
	delete(a.devices, udn)
	a.mu.Unlock()
}

// Alive sends ssdp:alive for every target of udn.
func (a *Advertiser) Alive(udn string) {
	for _, t := range a.targets(udn) {
		a.send(BuildAlive(t, a.server, a.maxAge), t)
	}
}

// ByeBye sends ssdp:byebye for every target of udn.
func (a *Advertiser) ByeBye(udn string) {
	for _, t := range a.targets(udn) {
		a.send(BuildByeBye(t), t)
	}
}

// Match returns the targets answering a search for st, keyed by the ST
// value each response should carry.
func (a *Advertiser) Match(st string) []Target {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Target
	seen := map[string]bool{}
	keep := func(t Target) {
		if !seen[t.NT+"|"+t.USN] {
			seen[t.NT+"|"+t.USN] = true
			out = append(out, t)
		}
	}
	udns := make([]string, 0, len(a.devices))
	for udn := range a.devices {
		udns = append(udns, udn)
	}
	sort.Strings(udns)
	for _, udn := range udns {
		for _, t := range a.devices[udn] {
			switch {
			case st == upnp.TargetAll, st == t.NT:
				keep(t)
			case upnp.MatchType(st, t.NT):
				// A lower version search is answered with the requested type.
				keep(Target{NT: st, USN: udn + "::" + st, Location: t.Location})
			}
		}
	}
	return out
}

// Run re-announces every device at half the max-age until ctx is done, then
// sends byebye for all of them.
func (a *Advertiser) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, udn := range a.udns() {
				a.ByeBye(udn)
			}
			return nil
		case <-ticker.C:
			for _, udn := range a.udns() {
				a.Alive(udn)
			}
		}
	}
}

func (a *Advertiser) udns() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.devices))
	for udn := range a.devices {
		out = append(out, udn)
	}
	sort.Strings(out)
	return out
}

func (a *Advertiser) targets(udn string) []Target {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Target(nil), a.devices[udn]...)
}

func (a *Advertiser) send(payload []byte, t Target) {
	if a.sender == nil {
		return
	}
	if err := a.sender.Send(payload, multicastUDPAddr()); err != nil {
		a.log.Debug("ssdp send failed", zap.String("nt", t.NT), zap.Error(err))
	}
}

func multicastUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(MulticastHost), Port: Port}
}
