package controlpoint

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/gena"
)

// DefaultSubscriptionTimeout is requested when Subscribe is given none.
const DefaultSubscriptionTimeout = 30 * time.Minute

var ErrNoCallback = errors.New("controlpoint: no event callback; call Listen or SetCallback first")

type subscription struct {
	sub    gena.Subscription
	handle func(gena.Event)
	cancel context.CancelFunc
	done   chan struct{}
}

// EventHandler accepts NOTIFY requests for subscriptions made by this
// control point. Mount it wherever the callback URL points.
func (cp *ControlPoint) EventHandler() http.Handler {
	return &gena.Receiver{Handle: cp.deliver, Log: cp.log}
}

// SetCallback sets the callback URL sent with SUBSCRIBE.
func (cp *ControlPoint) SetCallback(url string) {
	cp.subsMu.Lock()
	cp.callback = url
	cp.subsMu.Unlock()
}

// Listen serves EventHandler on addr until ctx is done and uses it as the
// callback. A zero port picks a free one; an unspecified host uses the
// address that routes to advertiseHost.
func (cp *ControlPoint) Listen(ctx context.Context, addr string, advertiseHost string) (string, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return "", err
	}
	tcp := ln.Addr().(*net.TCPAddr)
	host := tcp.IP
	if host.IsUnspecified() {
		if advertiseHost == "" {
			advertiseHost = "239.255.255.250"
		}
		if host, err = LocalAddr(advertiseHost); err != nil {
			ln.Close()
			return "", err
		}
	}
	callback := "http://" + net.JoinHostPort(host.String(), strconv.Itoa(tcp.Port)) + "/"
	srv := &http.Server{Handler: cp.EventHandler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cp.log.Error("event listener failed", zap.Error(err))
		}
	}()
	cp.SetCallback(callback)
	return callback, nil
}

func (cp *ControlPoint) deliver(e gena.Event) bool {
	cp.subsMu.Lock()
	s, ok := cp.subs[e.SID]
	cp.subsMu.Unlock()
	if !ok {
		return false
	}
	s.handle(e)
	return true
}

// Subscribe subscribes to a service's events and keeps the subscription
// renewed until ctx is done or Unsubscribe is called. The initial event
// may be handled before Subscribe returns.
func (cp *ControlPoint) Subscribe(ctx context.Context, dev *Device, serviceType string, timeout time.Duration, handle func(gena.Event)) (string, error) {
	svc, err := cp.service(dev, serviceType)
	if err != nil {
		return "", err
	}
	cp.subsMu.Lock()
	callback := cp.callback
	cp.subsMu.Unlock()
	if callback == "" {
		return "", ErrNoCallback
	}
	if timeout <= 0 {
		timeout = DefaultSubscriptionTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &subscription{handle: handle, cancel: cancel, done: make(chan struct{})}
	sub, err := cp.subscribe(ctx, svc.EventSubURL, callback, timeout, s)
	if err != nil {
		cancel()
		return "", err
	}
	go cp.renewLoop(runCtx, s, timeout)
	cp.log.Debug("subscribed",
		zap.String("udn", dev.UDN),
		zap.String("service", svc.Type),
		zap.String("sid", sub.SID),
		zap.Duration("timeout", sub.Timeout),
	)
	return sub.SID, nil
}

func (cp *ControlPoint) subscribe(ctx context.Context, eventURL, callback string, timeout time.Duration, s *subscription) (gena.Subscription, error) {
	// Hold the lock across the exchange so deliver sees the SID as soon as
	// the publisher knows it.
	cp.subsMu.Lock()
	defer cp.subsMu.Unlock()
	sub, err := cp.events.Subscribe(ctx, eventURL, callback, timeout)
	if err != nil {
		return gena.Subscription{}, err
	}
	s.sub = sub
	cp.subs[sub.SID] = s
	return sub, nil
}

func (cp *ControlPoint) renewLoop(ctx context.Context, s *subscription, timeout time.Duration) {
	defer close(s.done)
	for {
		cp.subsMu.Lock()
		wait := s.sub.Timeout / 2
		cp.subsMu.Unlock()
		if wait <= 0 {
			wait = timeout / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		cp.subsMu.Lock()
		current := s.sub
		cp.subsMu.Unlock()
		renewed, err := cp.events.Renew(ctx, current, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cp.log.Warn("subscription renewal failed", zap.String("sid", current.SID), zap.Error(err))
			cp.subsMu.Lock()
			delete(cp.subs, current.SID)
			cp.subsMu.Unlock()
			return
		}
		cp.subsMu.Lock()
		s.sub = renewed
		cp.subsMu.Unlock()
	}
}

// Unsubscribe cancels a subscription made by Subscribe.
func (cp *ControlPoint) Unsubscribe(ctx context.Context, sid string) error {
	cp.subsMu.Lock()
	s, ok := cp.subs[sid]
	delete(cp.subs, sid)
	cp.subsMu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	<-s.done
	return cp.events.Unsubscribe(ctx, s.sub)
}

// Close cancels every subscription.
func (cp *ControlPoint) Close(ctx context.Context) error {
	cp.subsMu.Lock()
	sids := make([]string, 0, len(cp.subs))
	for sid := range cp.subs {
		sids = append(sids, sid)
	}
	cp.subsMu.Unlock()
	var firstErr error
	for _, sid := range sids {
		if err := cp.Unsubscribe(ctx, sid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
