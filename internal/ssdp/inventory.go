package ssdp

import (
	"sort"
	"sync"
	"time"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Entry is one remote root device known from advertisements. Types and
// Embedded collect what the device and its embedded devices announced.
type Entry struct {
	UDN      string
	Location string
	Server   string
	Types    []string
	Embedded []string
	Expires  time.Time
}

// HasType reports whether the device advertised target, literally or via
// version-compatible matching.
func (e Entry) HasType(target string) bool {
	if target == upnp.TargetAll || target == e.UDN || contains(e.Embedded, target) {
		return true
	}
	for _, t := range e.Types {
		if upnp.MatchType(target, t) {
			return true
		}
	}
	return false
}

// Inventory tracks remote devices keyed by UDN.
type Inventory struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	now       func() time.Time
	onAdded   []func(Entry)
	onRemoved []func(Entry)
}

// NewInventory returns an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{entries: map[string]*Entry{}, now: time.Now}
}

// SetClock overrides the time source.
func (i *Inventory) SetClock(now func() time.Time) {
	i.mu.Lock()
	i.now = now
	i.mu.Unlock()
}

// OnAdded registers a hook called when a device first appears.
func (i *Inventory) OnAdded(fn func(Entry)) {
	i.mu.Lock()
	i.onAdded = append(i.onAdded, fn)
	i.mu.Unlock()
}

// OnRemoved registers a hook called when a device leaves or expires.
func (i *Inventory) OnRemoved(fn func(Entry)) {
	i.mu.Lock()
	i.onRemoved = append(i.onRemoved, fn)
	i.mu.Unlock()
}

// Handle applies an alive, byebye or search response. Only the
// upnp:rootdevice advertisement creates an entry; other types attach to the
// entry of their root UDN, or of an embedded device's shared location, and
// are dropped while no such entry exists.
func (i *Inventory) Handle(msg *Message) {
	udn := msg.UDN()
	if udn == "" {
		return
	}
	switch {
	case msg.IsByeBye():
		i.remove(udn)
	case msg.IsAlive(), msg.IsResponse() && msg.StatusCode == 200:
		if msg.Location() == "" {
			return
		}
		i.upsert(udn, msg)
	}
}

func (i *Inventory) upsert(udn string, msg *Message) {
	target := msg.Target()
	i.mu.Lock()
	entry, exists := i.entries[udn]
	created := false
	switch {
	case exists:
	case target == upnp.TargetRootDevice:
		entry = &Entry{UDN: udn}
		i.entries[udn] = entry
		created = true
	default:
		entry = i.byLocationLocked(msg.Location())
		if entry == nil {
			i.mu.Unlock()
			return
		}
		if !contains(entry.Embedded, udn) {
			entry.Embedded = append(entry.Embedded, udn)
		}
		if target != udn && !contains(entry.Types, target) {
			entry.Types = append(entry.Types, target)
		}
		entry.Expires = i.now().Add(msg.MaxAge())
		i.mu.Unlock()
		return
	}
	if target == upnp.TargetRootDevice {
		entry.Location = msg.Location()
	}
	if server := msg.Server(); server != "" {
		entry.Server = server
	}
	if target != "" && target != udn && !contains(entry.Types, target) {
		entry.Types = append(entry.Types, target)
	}
	entry.Expires = i.now().Add(msg.MaxAge())
	snapshot := entry.clone()
	hooks := append([]func(Entry){}, i.onAdded...)
	i.mu.Unlock()

	if created {
		for _, hook := range hooks {
			hook(snapshot)
		}
	}
}

func (i *Inventory) byLocationLocked(location string) *Entry {
	for _, entry := range i.entries {
		if entry.Location == location {
			return entry
		}
	}
	return nil
}

func (i *Inventory) remove(udn string) {
	i.mu.Lock()
	entry, ok := i.entries[udn]
	delete(i.entries, udn)
	hooks := append([]func(Entry){}, i.onRemoved...)
	i.mu.Unlock()
	if !ok {
		return
	}
	for _, hook := range hooks {
		hook(entry.clone())
	}
}

// Expire removes devices whose max-age has lapsed at now.
func (i *Inventory) Expire(now time.Time) int {
	i.mu.Lock()
	var expired []Entry
	for udn, entry := range i.entries {
		if now.After(entry.Expires) {
			expired = append(expired, entry.clone())
			delete(i.entries, udn)
		}
	}
	hooks := append([]func(Entry){}, i.onRemoved...)
	i.mu.Unlock()
	for _, entry := range expired {
		for _, hook := range hooks {
			hook(entry)
		}
	}
	return len(expired)
}

// Get returns the device with udn.
func (i *Inventory) Get(udn string) (Entry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry, ok := i.entries[udn]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Find returns devices advertising target, sorted by UDN.
func (i *Inventory) Find(target string) []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []Entry
	for _, entry := range i.entries {
		if entry.HasType(target) {
			out = append(out, entry.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UDN < out[b].UDN })
	return out
}

// Len returns the number of known devices.
func (i *Inventory) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

func (e *Entry) clone() Entry {
	out := *e
	out.Types = append([]string(nil), e.Types...)
	out.Embedded = append([]string(nil), e.Embedded...)
	return out
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
