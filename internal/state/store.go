// Package state implements per-service state variables with constraint
// checking, moderation and LastChange aggregation.
package state

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// LastChange is the aggregated variable of multi-instance AV services.
const LastChange = "LastChange"

// moderatedVariables lists, per service type, the variables that are
// batched by the moderation sweep instead of being sent on every change.
var moderatedVariables = map[string][]string{
	"AVTransport":      {LastChange},
	"RenderingControl": {LastChange},
	"ContentDirectory": {"SystemUpdateID", "ContainerUpdateIDs"},
}

var lastChangeNamespaces = map[string]string{
	"AVTransport":      "urn:schemas-upnp-org:metadata-1-0/AVT/",
	"RenderingControl": "urn:schemas-upnp-org:metadata-1-0/RCS/",
}

// Variables carrying a channel attribute inside LastChange documents.
var channelVariables = map[string]bool{
	"Volume":   true,
	"VolumeDB": true,
	"Mute":     true,
	"Loudness": true,
}

// Position variables change continuously and are polled, never carried in
// LastChange.
var positionVariables = map[string]bool{
	"RelativeTimePosition":    true,
	"AbsoluteTimePosition":    true,
	"RelativeCounterPosition": true,
	"AbsoluteCounterPosition": true,
}

// tracked reports whether changes to v are reported through LastChange.
func tracked(v *Variable) bool {
	return !v.SendEvents && !v.Internal() && !positionVariables[v.Name]
}

// ModeratedVariables returns the moderated variable names of a service type.
func ModeratedVariables(serviceType string) []string {
	return append([]string(nil), moderatedVariables[shortType(serviceType)]...)
}

// Change is one variable value as carried in an event.
type Change struct {
	Name  string
	Value string
}

// Listener receives immediate (non-moderated) changes.
type Listener func(changes []Change)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds the variables of one service, instance 0 plus any
// per-connection instances.
type Store struct {
	// emit orders immediate changes with their listener calls; mu guards
	// the data and is never held while the listener runs.
	emit        sync.Mutex
	mu          sync.Mutex
	serviceType string
	order       []string
	defs        map[string]description.StateVariable
	moderated   map[string]bool
	namespace   string
	instances   map[uint32]*instance
	listener    Listener
	afterFlush  []func([]Change)
	now         func() time.Time
}

type instance struct {
	vars    map[string]*Variable
	pending []string
}

// NewStore builds instance 0 from the declared variables.
func NewStore(serviceType string, vars []description.StateVariable, opts ...Option) *Store {
	s := &Store{
		serviceType: shortType(serviceType),
		defs:        map[string]description.StateVariable{},
		moderated:   map[string]bool{},
		instances:   map[uint32]*instance{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range moderatedVariables[s.serviceType] {
		s.moderated[name] = true
	}
	root := &instance{vars: map[string]*Variable{}}
	for _, def := range vars {
		if _, dup := s.defs[def.Name]; dup {
			continue
		}
		s.defs[def.Name] = def
		s.order = append(s.order, def.Name)
		root.vars[def.Name] = newVariable(def, s.moderated[def.Name])
	}
	if _, ok := root.vars[LastChange]; ok {
		s.namespace = lastChangeNamespaces[s.serviceType]
		if s.namespace == "" {
			s.namespace = "urn:schemas-upnp-org:metadata-1-0/" + s.serviceType + "/"
		}
	}
	s.instances[0] = root
	return s
}

// ServiceType returns the short service type, e.g. AVTransport.
func (s *Store) ServiceType() string {
	return s.serviceType
}

// SetListener installs the receiver of immediate change events.
func (s *Store) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// AfterFlush registers a hook run after every non-empty flush with the
// changes it collected.
func (s *Store) AfterFlush(fn func([]Change)) {
	s.mu.Lock()
	s.afterFlush = append(s.afterFlush, fn)
	s.mu.Unlock()
}

// Has reports whether the variable is declared.
func (s *Store) Has(name string) bool {
	_, ok := s.defs[name]
	return ok
}

// HasInstance reports whether the instance exists.
func (s *Store) HasInstance(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[id]
	return ok
}

// Get returns the value of name in the given instance. Moderated variables
// only live in instance 0.
func (s *Store) Get(name string, inst uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(name, inst)
	if v == nil {
		return "", false
	}
	return v.value, true
}

// Variable returns a copy of the variable.
func (s *Store) Variable(name string, inst uint32) (Variable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(name, inst)
	if v == nil {
		return Variable{}, false
	}
	return *v, true
}

// Validate checks value against the declared type and constraints of name.
func (s *Store) Validate(name string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(name, 0)
	if v == nil {
		return upnp.NewError(upnp.CodeInvalidVar)
	}
	_, err := v.normalize(value)
	return err
}

// Set updates a variable. Values violating the constraints are ignored and
// equal values are no-ops; the result reports a genuine change.
func (s *Store) Set(inst uint32, name string, value string) bool {
	return s.set(inst, name, value, false)
}

// SetDefault updates a variable and records the value as its default.
func (s *Store) SetDefault(inst uint32, name string, value string) bool {
	return s.set(inst, name, value, true)
}

func (s *Store) set(inst uint32, name string, value string, isDefault bool) bool {
	s.emit.Lock()
	defer s.emit.Unlock()
	changed, event, listener := s.apply(inst, name, value, isDefault)
	if event != nil && listener != nil {
		listener(event)
	}
	return changed
}

func (s *Store) apply(inst uint32, name string, value string, isDefault bool) (bool, []Change, Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.lookup(name, inst)
	if v == nil {
		return false, nil, nil
	}
	norm, err := v.normalize(value)
	if err != nil {
		return false, nil, nil
	}
	if isDefault {
		v.Default = norm
	}
	if norm == v.value {
		return false, nil, nil
	}
	v.value = norm
	v.updated = true
	v.touched = s.now()

	switch {
	case v.Moderated:
	case v.SendEvents:
		return true, []Change{{Name: v.Name, Value: v.value}}, s.listener
	case s.namespace != "" && tracked(v):
		s.markPending(inst, v.Name)
	}
	return true, nil, nil
}

func (s *Store) markPending(inst uint32, name string) {
	in := s.instances[inst]
	for _, p := range in.pending {
		if p == name {
			return
		}
	}
	in.pending = append(in.pending, name)
	if lc := s.instances[0].vars[LastChange]; lc != nil {
		lc.updated = true
		lc.touched = s.now()
	}
}

func (s *Store) lookup(name string, inst uint32) *Variable {
	if s.moderated[name] {
		inst = 0
	}
	in, ok := s.instances[inst]
	if !ok {
		return nil
	}
	return in.vars[name]
}

// CreateInstance deep-copies instance 0 under id. The new instance's
// LastChange-tracked variables are reported on the next flush.
func (s *Store) CreateInstance(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; ok {
		return fmt.Errorf("instance %d exists", id)
	}
	in := &instance{vars: map[string]*Variable{}}
	for name, v := range s.instances[0].vars {
		if s.moderated[name] {
			continue
		}
		in.vars[name] = v.clone()
	}
	s.instances[id] = in
	if s.namespace != "" {
		for _, name := range s.order {
			v := in.vars[name]
			if v != nil && tracked(v) {
				s.markPending(id, name)
			}
		}
	}
	return nil
}

// RemoveInstance drops a per-connection instance.
func (s *Store) RemoveInstance(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 {
		return fmt.Errorf("instance 0 cannot be removed")
	}
	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("instance %d not found", id)
	}
	delete(s.instances, id)
	return nil
}

// Instances returns the instance ids in ascending order.
func (s *Store) Instances() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceIDs()
}

func (s *Store) instanceIDs() []uint32 {
	ids := make([]uint32, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Flush collects every moderated variable updated since the previous flush,
// clearing the flags, and runs the AfterFlush hooks when anything changed.
func (s *Store) Flush() []Change {
	s.mu.Lock()
	root := s.instances[0]
	changes := []Change{}
	for _, name := range s.order {
		v := root.vars[name]
		if !v.Moderated || !v.updated {
			continue
		}
		v.updated = false
		if name == LastChange && s.namespace != "" {
			v.value = s.renderLastChange(false)
		}
		if !v.SendEvents {
			continue
		}
		changes = append(changes, Change{Name: name, Value: v.value})
	}
	hooks := append([]func([]Change){}, s.afterFlush...)
	s.mu.Unlock()

	if len(changes) > 0 {
		for _, hook := range hooks {
			hook(changes)
		}
	}
	return changes
}

// EventedSnapshot returns the current value of every evented variable, with
// LastChange rendered as the full state of every instance.
func (s *Store) EventedSnapshot() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.instances[0]
	out := []Change{}
	for _, name := range s.order {
		v := root.vars[name]
		if !v.SendEvents {
			continue
		}
		value := v.value
		if name == LastChange && s.namespace != "" {
			value = s.renderLastChange(true)
		}
		out = append(out, Change{Name: name, Value: value})
	}
	return out
}

// renderLastChange builds the Event document. With full set every tracked
// variable of every instance is included; otherwise only pending ones, which
// are then cleared.
func (s *Store) renderLastChange(full bool) string {
	var buf bytes.Buffer
	buf.WriteString(`<Event xmlns="` + s.namespace + `">`)
	for _, id := range s.instanceIDs() {
		in := s.instances[id]
		names := in.pending
		if full {
			names = nil
			for _, name := range s.order {
				v := in.vars[name]
				if v != nil && tracked(v) {
					names = append(names, name)
				}
			}
		}
		if len(names) == 0 {
			continue
		}
		fmt.Fprintf(&buf, `<InstanceID val="%d">`, id)
		for _, name := range names {
			v := in.vars[name]
			if v == nil {
				continue
			}
			buf.WriteString("<" + name)
			if channelVariables[name] {
				buf.WriteString(` channel="Master"`)
			}
			buf.WriteString(` val="`)
			_ = xml.EscapeText(&buf, []byte(v.value))
			buf.WriteString(`"/>`)
		}
		buf.WriteString(`</InstanceID>`)
		if !full {
			in.pending = nil
		}
	}
	buf.WriteString(`</Event>`)
	return buf.String()
}

func shortType(serviceType string) string {
	if urn, err := upnp.ParseURN(serviceType); err == nil {
		return urn.Type
	}
	return serviceType
}
