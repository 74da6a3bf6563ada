package gena

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mikey-austin/mupnp/internal/state"
)

// Subscriber states.
const (
	StatePending = iota
	StateActive
	StateRemoved
)

// Subscriber is one GENA subscription.
type Subscriber struct {
	SID       string
	Callbacks []string

	mu      sync.Mutex
	timeout time.Duration
	created time.Time
	seq     uint32
	state   int
	queue   []notification
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

type notification struct {
	seq     uint32
	changes []state.Change
}

func newSubscriber(sid string, callbacks []string, timeout time.Duration, now time.Time) *Subscriber {
	return &Subscriber{
		SID:       sid,
		Callbacks: callbacks,
		timeout:   timeout,
		created:   now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Timeout returns the granted subscription duration.
func (s *Subscriber) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// State returns the subscriber's lifecycle state.
func (s *Subscriber) State() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Seq returns the sequence number the next notification will carry.
func (s *Subscriber) Seq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Subscriber) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.created.Add(s.timeout))
}

func (s *Subscriber) renew(timeout time.Duration, now time.Time) {
	s.mu.Lock()
	s.timeout = timeout
	s.created = now
	s.mu.Unlock()
}

// enqueue assigns the next sequence number and queues the changes.
func (s *Subscriber) enqueue(changes []state.Change) bool {
	s.mu.Lock()
	if s.state == StateRemoved {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, notification{seq: s.seq, changes: changes})
	s.seq = nextSeq(s.seq)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// nextSeq advances a sequence number, skipping 0 on wrap.
func nextSeq(seq uint32) uint32 {
	if seq == math.MaxUint32 {
		return 1
	}
	return seq + 1
}

// activate starts delivery. It returns false if the subscriber is not
// pending.
func (s *Subscriber) activate(deliver func(context.Context, *Subscriber, notification)) bool {
	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return false
	}
	s.state = StateActive
	s.mu.Unlock()
	go s.run(deliver)
	return true
}

func (s *Subscriber) run(deliver func(context.Context, *Subscriber, notification)) {
	defer close(s.stopped)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		deliver(ctx, s, next)
	}
}

// remove stops delivery. Queued notifications are dropped.
func (s *Subscriber) remove() {
	s.mu.Lock()
	if s.state == StateRemoved {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	s.state = StateRemoved
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
	if !wasActive {
		close(s.stopped)
	}
}

// wait blocks until the delivery goroutine has exited.
func (s *Subscriber) wait(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
