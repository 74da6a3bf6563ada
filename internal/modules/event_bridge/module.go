// Package eventbridge mirrors the evented state of every locally hosted
// service to MQTT and accepts action calls over MQTT.
package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/pkg/bridge"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Bus is the message bus the bridge publishes to. Both the MQTT client
// adapter and the embedded broker's inline client satisfy it.
type Bus interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(filter string, handler func(topic string, payload []byte)) error
	Unsubscribe(filter string) error
}

// Config configures the event bridge.
type Config struct {
	TopicBase string
	// CallbackListen is the address of the GENA callback listener. When
	// empty the control point must already have a callback.
	CallbackListen      string
	AdvertiseHost       string
	SubscriptionTimeout time.Duration
	ScanInterval        time.Duration
	CallTimeout         time.Duration
}

// Module bridges local devices to the bus.
type Module struct {
	log      *zap.Logger
	bus      Bus
	registry *device.Registry
	cp       *controlpoint.ControlPoint
	config   Config
	now      func() time.Time

	mu       sync.Mutex
	mirrored map[string]*mirror
}

type mirror struct {
	dev *controlpoint.Device
	// services maps topic service ids to the described serviceId.
	services map[string]string
	sids     []string
}

// NewModule returns a bridge over the devices of registry.
func NewModule(log *zap.Logger, bus Bus, registry *device.Registry, cp *controlpoint.ControlPoint, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		return nil, errors.New("event bridge requires a message bus")
	}
	if registry == nil || cp == nil {
		return nil, errors.New("event bridge requires a registry and control point")
	}
	cfg.TopicBase = strings.TrimSuffix(strings.TrimSpace(cfg.TopicBase), "/")
	if cfg.TopicBase == "" {
		cfg.TopicBase = bridge.BaseTopic
	}
	if cfg.SubscriptionTimeout <= 0 {
		cfg.SubscriptionTimeout = 5 * time.Minute
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Module{
		log:      log,
		bus:      bus,
		registry: registry,
		cp:       cp,
		config:   cfg,
		now:      time.Now,
		mirrored: map[string]*mirror{},
	}, nil
}

// Run mirrors devices until ctx is done. Devices registered later are
// picked up on the next scan.
func (m *Module) Run(ctx context.Context) error {
	if m.config.CallbackListen != "" {
		callback, err := m.cp.Listen(ctx, m.config.CallbackListen, m.config.AdvertiseHost)
		if err != nil {
			return err
		}
		m.log.Info("event callback listening", zap.String("callback", callback))
	}

	filter := bridge.TopicCallFilter(m.config.TopicBase)
	if err := m.bus.Subscribe(filter, func(topic string, payload []byte) {
		go m.handleCall(ctx, topic, payload)
	}); err != nil {
		return err
	}
	defer m.bus.Unsubscribe(filter)

	m.scan(ctx)
	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			m.detachAll(shutdown)
			cancel()
			return nil
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// Mirrored returns the UDNs currently bridged.
func (m *Module) Mirrored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.mirrored))
	for udn := range m.mirrored {
		out = append(out, udn)
	}
	sort.Strings(out)
	return out
}

func (m *Module) scan(ctx context.Context) {
	current := map[string]*device.RootDevice{}
	for _, root := range m.registry.Devices() {
		current[root.UDN] = root
	}

	m.mu.Lock()
	var gone []string
	for udn := range m.mirrored {
		if _, ok := current[udn]; !ok {
			gone = append(gone, udn)
		}
	}
	var added []string
	for udn := range current {
		if _, ok := m.mirrored[udn]; !ok {
			added = append(added, udn)
		}
	}
	m.mu.Unlock()

	for _, udn := range gone {
		m.detach(ctx, udn)
	}
	sort.Strings(added)
	for _, udn := range added {
		if err := m.attach(ctx, udn); err != nil && ctx.Err() == nil {
			m.log.Warn("bridge attach failed", zap.String("udn", udn), zap.Error(err))
		}
	}
}

func (m *Module) attach(ctx context.Context, udn string) error {
	dev, err := m.cp.Describe(ctx, device.DescriptionURL(m.registry.BaseURL(), udn, 1))
	if err != nil {
		return err
	}
	mir := &mirror{dev: dev, services: map[string]string{}}
	for _, svc := range dev.Services {
		if !svc.Ready {
			continue
		}
		id := topicServiceID(svc)
		if _, dup := mir.services[id]; dup {
			continue
		}
		mir.services[id] = svc.ID
		if svc.EventSubURL == "" {
			continue
		}
		sid, err := m.cp.Subscribe(ctx, dev, svc.ID, m.config.SubscriptionTimeout, m.mirrorEvents(udn, id))
		if err != nil {
			m.log.Warn("bridge subscribe failed", zap.String("udn", udn), zap.String("service", id), zap.Error(err))
			continue
		}
		mir.sids = append(mir.sids, sid)
	}

	m.mu.Lock()
	m.mirrored[udn] = mir
	m.mu.Unlock()
	m.publishPresence(mir, true)
	m.log.Info("device bridged", zap.String("udn", udn), zap.String("name", dev.FriendlyName), zap.Int("subscriptions", len(mir.sids)))
	return nil
}

func (m *Module) detach(ctx context.Context, udn string) {
	m.mu.Lock()
	mir, ok := m.mirrored[udn]
	delete(m.mirrored, udn)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, sid := range mir.sids {
		if err := m.cp.Unsubscribe(ctx, sid); err != nil {
			m.log.Debug("bridge unsubscribe failed", zap.String("sid", sid), zap.Error(err))
		}
	}
	m.publishPresence(mir, false)
	m.log.Info("device unbridged", zap.String("udn", udn))
}

func (m *Module) detachAll(ctx context.Context) {
	for _, udn := range m.Mirrored() {
		m.detach(ctx, udn)
	}
}

func (m *Module) publishPresence(mir *mirror, online bool) {
	services := make([]string, 0, len(mir.services))
	for id := range mir.services {
		services = append(services, id)
	}
	sort.Strings(services)
	presence := bridge.Presence{
		UDN:          mir.dev.UDN,
		Type:         mir.dev.Type,
		FriendlyName: mir.dev.FriendlyName,
		Services:     services,
		Online:       online,
		TS:           m.now().Unix(),
	}
	payload, err := json.Marshal(presence)
	if err != nil {
		m.log.Error("marshal presence", zap.Error(err))
		return
	}
	m.publish(bridge.TopicPresence(m.config.TopicBase, mir.dev.UDN), true, payload)
}

// mirrorEvents publishes every property of an event, retained. LastChange
// is also expanded into one topic per instance variable.
func (m *Module) mirrorEvents(udn string, serviceID string) func(gena.Event) {
	base := m.config.TopicBase
	return func(e gena.Event) {
		for _, name := range sortedKeys(e.Properties) {
			m.publish(bridge.TopicVariable(base, udn, serviceID, name), true, []byte(e.Properties[name]))
		}
		instances := make([]uint32, 0, len(e.Instances))
		for id := range e.Instances {
			instances = append(instances, id)
		}
		sort.Slice(instances, func(i, j int) bool { return instances[i] < instances[j] })
		for _, id := range instances {
			vars := e.Instances[id]
			for _, name := range sortedKeys(vars) {
				topic := bridge.TopicVariable(base, udn, serviceID, name)
				if id != 0 {
					topic = bridge.TopicInstanceVariable(base, udn, serviceID, id, name)
				}
				m.publish(topic, true, []byte(vars[name]))
			}
		}
	}
}

func (m *Module) handleCall(ctx context.Context, topic string, payload []byte) {
	target, err := bridge.ParseCallTopic(m.config.TopicBase, topic)
	if err != nil {
		m.log.Debug("ignoring message", zap.String("topic", topic), zap.Error(err))
		return
	}
	var call bridge.CallEnvelope
	if err := json.Unmarshal(payload, &call); err != nil {
		m.log.Warn("invalid call", zap.String("topic", topic), zap.Error(err))
		return
	}
	replyTo := call.ReplyTo
	if replyTo == "" {
		replyTo = bridge.TopicReply(topic)
	}
	reply := bridge.ReplyEnvelope{ID: call.ID, TS: m.now().Unix()}

	out, err := m.call(ctx, target, call)
	if err != nil {
		upnpErr := upnp.AsError(err)
		reply.Err = &bridge.ReplyError{Code: upnpErr.Code, Message: upnpErr.Description}
		m.log.Debug("bridged call failed", zap.String("topic", topic), zap.Int("code", upnpErr.Code), zap.Error(err))
	} else {
		reply.OK = true
		reply.Out = out
	}
	body, err := json.Marshal(reply)
	if err != nil {
		m.log.Error("marshal reply", zap.Error(err))
		return
	}
	m.publish(replyTo, false, body)
}

func (m *Module) call(ctx context.Context, target bridge.CallTarget, call bridge.CallEnvelope) (map[string]string, error) {
	if err := bridge.ValidateCallEnvelope(call); err != nil {
		return nil, upnp.Errorf(upnp.CodeInvalidArgs, "%v", err)
	}
	m.mu.Lock()
	mir, ok := m.mirrored[target.UDN]
	var serviceID string
	if ok {
		serviceID, ok = mir.services[target.ServiceID]
	}
	m.mu.Unlock()
	if !ok {
		return nil, upnp.Errorf(upnp.CodeInvalidControlURL, "no service %s on %s", target.ServiceID, target.UDN)
	}
	args := call.Args
	if args == nil {
		args = map[string]string{}
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	return m.cp.Call(ctx, mir.dev, serviceID, target.Action, args)
}

func (m *Module) publish(topic string, retained bool, payload []byte) {
	if err := m.bus.Publish(topic, retained, payload); err != nil {
		m.log.Warn("bridge publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// topicServiceID is the short serviceId, e.g. AVTransport.
func topicServiceID(svc *controlpoint.Service) string {
	if _, name, ok := strings.Cut(svc.ID, ":serviceId:"); ok && name != "" {
		return name
	}
	if u, err := upnp.ParseURN(svc.Type); err == nil {
		return u.Type
	}
	return svc.Type
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
