// Package gena implements UPnP eventing: the subscription manager serving a
// service's event URL and the control point side receiver and client.
package gena

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/mupnp/internal/state"
)

// Defaults for subscription handling.
const (
	DefaultTimeout            = 1800 * time.Second
	DefaultExpiryInterval     = 2 * time.Minute
	DefaultModerationInterval = 200 * time.Millisecond
)

// ErrUnknownSubscription reports a SID that is not subscribed.
var ErrUnknownSubscription = errors.New("gena: unknown subscription")

// Source is the variable store a manager publishes.
type Source interface {
	EventedSnapshot() []state.Change
	Flush() []state.Change
	SetListener(state.Listener)
}

// Options configures a Manager.
type Options struct {
	Notifier           *Notifier
	DefaultTimeout     time.Duration
	ExpiryInterval     time.Duration
	ModerationInterval time.Duration
	Now                func() time.Time
	Logger             *zap.Logger
}

// Manager tracks the subscribers of one service.
type Manager struct {
	source   Source
	notifier *Notifier
	opts     Options
	log      *zap.Logger

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewManager returns a manager publishing source. Immediate changes of the
// source are fanned out as they happen; moderated ones on Flush.
func NewManager(source Source, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = DefaultExpiryInterval
	}
	if opts.ModerationInterval <= 0 {
		opts.ModerationInterval = DefaultModerationInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier(0, opts.Logger)
	}
	m := &Manager{
		source:   source,
		notifier: opts.Notifier,
		opts:     opts,
		log:      opts.Logger,
		subs:     map[string]*Subscriber{},
	}
	source.SetListener(func(changes []state.Change) {
		m.Notify(changes)
	})
	return m
}

// Subscribe creates a pending subscriber. Its initial event, carrying every
// evented variable, is queued with SEQ 0 and delivered once Activate is
// called.
func (m *Manager) Subscribe(callbacks []string, timeout time.Duration) *Subscriber {
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	sub := newSubscriber("uuid:"+uuid.NewString(), callbacks, timeout, m.opts.Now())
	// Notify waits on mu, so a change racing the snapshot is queued after it.
	m.mu.Lock()
	if snapshot := m.source.EventedSnapshot(); hasValue(snapshot) {
		sub.enqueue(snapshot)
	}
	m.subs[sub.SID] = sub
	m.mu.Unlock()
	m.log.Debug("subscribed",
		zap.String("sid", sub.SID),
		zap.Strings("callbacks", callbacks),
		zap.Duration("timeout", timeout),
	)
	return sub
}

// Activate releases queued events of a pending subscriber.
func (m *Manager) Activate(sid string) error {
	m.mu.Lock()
	sub, ok := m.subs[sid]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	sub.activate(m.deliver)
	return nil
}

// Renew refreshes a subscription's timeout. No event is sent.
func (m *Manager) Renew(sid string, timeout time.Duration) (*Subscriber, error) {
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	m.mu.Lock()
	sub, ok := m.subs[sid]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSubscription
	}
	sub.renew(timeout, m.opts.Now())
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown SIDs are ignored.
func (m *Manager) Unsubscribe(sid string) {
	m.mu.Lock()
	sub, ok := m.subs[sid]
	delete(m.subs, sid)
	m.mu.Unlock()
	if ok {
		sub.remove()
		m.log.Debug("unsubscribed", zap.String("sid", sid))
	}
}

// Lookup returns a subscriber by SID.
func (m *Manager) Lookup(sid string) (*Subscriber, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[sid]
	return sub, ok
}

// Len returns the number of subscribers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// SIDs returns the subscription ids in sorted order.
func (m *Manager) SIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for sid := range m.subs {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Notify queues one event carrying changes to every subscriber.
func (m *Manager) Notify(changes []state.Change) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		sub.enqueue(changes)
	}
}

// Flush sends the moderated variables updated since the last flush as one
// event. It reports whether an event was queued.
func (m *Manager) Flush() bool {
	changes := m.source.Flush()
	if len(changes) == 0 {
		return false
	}
	m.Notify(changes)
	return true
}

// Sweep drops subscriptions whose timeout has elapsed at now and returns
// how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*Subscriber
	for sid, sub := range m.subs {
		if sub.expired(now) {
			expired = append(expired, sub)
			delete(m.subs, sid)
		}
	}
	m.mu.Unlock()
	for _, sub := range expired {
		sub.remove()
		m.log.Debug("subscription expired", zap.String("sid", sub.SID))
	}
	return len(expired)
}

// Run drives the expiry and moderation sweeps until ctx is done, then
// drops every subscriber.
func (m *Manager) Run(ctx context.Context) error {
	expiry := time.NewTicker(m.opts.ExpiryInterval)
	defer expiry.Stop()
	moderation := time.NewTicker(m.opts.ModerationInterval)
	defer moderation.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.Close(shutdown)
			cancel()
			return err
		case <-expiry.C:
			m.Sweep(m.opts.Now())
		case <-moderation.C:
			m.Flush()
		}
	}
}

// Close removes every subscriber and waits for in-flight deliveries.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	subs := make([]*Subscriber, 0, len(m.subs))
	for sid, sub := range m.subs {
		subs = append(subs, sub)
		delete(m.subs, sid)
	}
	m.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub.remove()
		group.Go(func() error {
			return sub.wait(ctx)
		})
	}
	return group.Wait()
}

func (m *Manager) deliver(ctx context.Context, sub *Subscriber, n notification) {
	if err := m.notifier.Send(ctx, sub.SID, sub.Callbacks, n.seq, n.changes); err != nil {
		m.log.Debug("event delivery failed",
			zap.String("sid", sub.SID),
			zap.Uint32("seq", n.seq),
			zap.Error(err),
		)
	}
}

func hasValue(changes []state.Change) bool {
	for _, change := range changes {
		if change.Value != "" {
			return true
		}
	}
	return false
}
