package gena

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mikey-austin/mupnp/internal/description"
	"github.com/mikey-austin/mupnp/internal/state"
)

type received struct {
	sid   string
	seq   uint32
	props map[string]string
}

func callbackServer(t *testing.T) (*httptest.Server, chan received) {
	t.Helper()
	ch := make(chan received, 16)
	receiver := &Receiver{Handle: func(e Event) bool {
		ch <- received{sid: e.SID, seq: e.Seq, props: e.Properties}
		return true
	}}
	srv := httptest.NewServer(receiver)
	t.Cleanup(srv.Close)
	return srv, ch
}

func next(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for NOTIFY")
	}
	return received{}
}

func none(t *testing.T, ch chan received, wait time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected NOTIFY seq=%d props=%v", r.seq, r.props)
	case <-time.After(wait):
	}
}

func TestEndToEndSubscription(t *testing.T) {
	store := state.NewStore("urn:schemas-upnp-org:service:Test:1", []description.StateVariable{
		description.NewVariable("X", "string", description.Evented(), description.Default("0")),
	})
	manager := NewManager(store, Options{})
	eventSrv := httptest.NewServer(&Handler{Manager: manager})
	defer eventSrv.Close()
	callback, notifications := callbackServer(t)

	client := NewClient(time.Second)
	sub, err := client.Subscribe(context.Background(), eventSrv.URL, callback.URL, 300*time.Second)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Timeout != 300*time.Second {
		t.Fatalf("unexpected timeout %s", sub.Timeout)
	}

	initial := next(t, notifications)
	if initial.seq != 0 || initial.props["X"] != "0" || initial.sid != sub.SID {
		t.Fatalf("unexpected initial event %+v", initial)
	}

	store.Set(0, "X", "1")
	update := next(t, notifications)
	if update.seq != 1 || update.props["X"] != "1" {
		t.Fatalf("unexpected update event %+v", update)
	}

	if _, err := client.Renew(context.Background(), sub, 0); err != nil {
		t.Fatalf("renew: %v", err)
	}
	none(t, notifications, 300*time.Millisecond)

	if err := client.Unsubscribe(context.Background(), sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if manager.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", manager.Len())
	}
}

func TestModeratedBatching(t *testing.T) {
	store := state.NewStore("urn:schemas-upnp-org:service:ContentDirectory:1", []description.StateVariable{
		description.NewVariable("SystemUpdateID", "ui4", description.Evented(), description.Default("0")),
		description.NewVariable("ContainerUpdateIDs", "string", description.Evented()),
	})
	manager := NewManager(store, Options{})
	callback, notifications := callbackServer(t)

	sub := manager.Subscribe([]string{callback.URL}, 0)
	if err := manager.Activate(sub.SID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := next(t, notifications); got.seq != 0 {
		t.Fatalf("expected initial event, got %+v", got)
	}

	store.Set(0, "SystemUpdateID", "5")
	store.Set(0, "ContainerUpdateIDs", "0,5")
	none(t, notifications, 100*time.Millisecond)

	if !manager.Flush() {
		t.Fatalf("expected a batch")
	}
	batch := next(t, notifications)
	if batch.seq != 1 || batch.props["SystemUpdateID"] != "5" || batch.props["ContainerUpdateIDs"] != "0,5" {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if manager.Flush() {
		t.Fatalf("expected empty second flush")
	}
	none(t, notifications, 100*time.Millisecond)
	if sub.Seq() != 2 {
		t.Fatalf("expected next seq 2, got %d", sub.Seq())
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	store := state.NewStore("urn:schemas-upnp-org:service:Test:1", []description.StateVariable{
		description.NewVariable("X", "string", description.Evented()),
	})
	now := time.Unix(1000, 0)
	manager := NewManager(store, Options{Now: func() time.Time { return now }})

	a := manager.Subscribe([]string{"http://127.0.0.1:1/"}, time.Minute)
	b := manager.Subscribe([]string{"http://127.0.0.1:1/"}, 2*time.Minute)
	if a.SID == b.SID {
		t.Fatalf("expected distinct SIDs")
	}
	manager.Unsubscribe(a.SID)
	manager.Unsubscribe("uuid:unknown")
	if manager.Len() != 1 {
		t.Fatalf("expected one subscriber, got %d", manager.Len())
	}

	if removed := manager.Sweep(now.Add(time.Minute)); removed != 0 {
		t.Fatalf("expected nothing expired, removed %d", removed)
	}
	if removed := manager.Sweep(now.Add(2*time.Minute + time.Second)); removed != 1 {
		t.Fatalf("expected expiry, removed %d", removed)
	}
	if manager.Len() != 0 {
		t.Fatalf("expected empty table")
	}
	if _, err := manager.Renew(b.SID, 0); err != ErrUnknownSubscription {
		t.Fatalf("expected unknown subscription, got %v", err)
	}
}

// racingSource changes X while a subscriber is taking its snapshot.
type racingSource struct {
	listener state.Listener
	fired    chan struct{}
}

func (r *racingSource) EventedSnapshot() []state.Change {
	started := make(chan struct{})
	go func() {
		close(started)
		r.listener([]state.Change{{Name: "X", Value: "1"}})
		close(r.fired)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	return []state.Change{{Name: "X", Value: "0"}}
}

func (r *racingSource) Flush() []state.Change {
	return nil
}

func (r *racingSource) SetListener(l state.Listener) {
	r.listener = l
}

func TestSubscribeSeesChangeRacingSnapshot(t *testing.T) {
	source := &racingSource{fired: make(chan struct{})}
	manager := NewManager(source, Options{})

	sub := manager.Subscribe([]string{"http://127.0.0.1:1/"}, time.Minute)
	select {
	case <-source.fired:
	case <-time.After(time.Second):
		t.Fatalf("listener did not run")
	}

	sub.mu.Lock()
	queue := append([]notification(nil), sub.queue...)
	sub.mu.Unlock()
	if len(queue) != 2 {
		t.Fatalf("expected snapshot and change queued, got %d notification(s)", len(queue))
	}
	if queue[0].seq != 0 || queue[0].changes[0].Value != "0" {
		t.Fatalf("unexpected initial event %+v", queue[0])
	}
	if queue[1].seq != 1 || queue[1].changes[0].Value != "1" {
		t.Fatalf("expected X=1 after the snapshot, got %+v", queue[1])
	}
}

func TestSeqWraps(t *testing.T) {
	if nextSeq(4294967295) != 1 {
		t.Fatalf("expected wrap to 1")
	}
	if nextSeq(7) != 8 {
		t.Fatalf("expected increment")
	}
}

func TestHandlerPreconditions(t *testing.T) {
	store := state.NewStore("urn:schemas-upnp-org:service:Test:1", nil)
	manager := NewManager(store, Options{})
	srv := httptest.NewServer(&Handler{Manager: manager})
	defer srv.Close()

	cases := []struct {
		name   string
		method string
		header map[string]string
		status int
	}{
		{"no callback", "SUBSCRIBE", map[string]string{"NT": "upnp:event"}, http.StatusPreconditionFailed},
		{"bad nt", "SUBSCRIBE", map[string]string{"NT": "x", "CALLBACK": "<http://127.0.0.1/>"}, http.StatusPreconditionFailed},
		{"unknown sid", "SUBSCRIBE", map[string]string{"SID": "uuid:nope"}, http.StatusPreconditionFailed},
		{"mixed", "SUBSCRIBE", map[string]string{"SID": "uuid:nope", "NT": "upnp:event"}, http.StatusBadRequest},
		{"unsubscribe no sid", "UNSUBSCRIBE", nil, http.StatusPreconditionFailed},
		{"unsubscribe unknown", "UNSUBSCRIBE", map[string]string{"SID": "uuid:nope"}, http.StatusOK},
		{"method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, srv.URL, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestTimeoutHeader(t *testing.T) {
	cases := map[string]time.Duration{
		"Second-300":      300 * time.Second,
		"second-5":        5 * time.Second,
		"Second-infinite": 0,
		"":                0,
		"Minute-3":        0,
	}
	for value, want := range cases {
		if got := ParseTimeout(value); got != want {
			t.Fatalf("%q: expected %s, got %s", value, want, got)
		}
	}
	if FormatTimeout(1800*time.Second) != "Second-"+strconv.Itoa(1800) {
		t.Fatalf("unexpected format")
	}
}

func TestDecodeLastChange(t *testing.T) {
	doc := `<Event xmlns="urn:schemas-upnp-org:metadata-1-0/RCS/"><InstanceID val="0"><Volume channel="Master" val="30"/><Mute channel="LF" val="1"/></InstanceID><InstanceID val="2"><Volume channel="Master" val="5"/></InstanceID></Event>`
	got, err := DecodeLastChange(doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got[0]["Volume"] != "30" || got[0]["Mute/LF"] != "1" || got[2]["Volume"] != "5" {
		t.Fatalf("unexpected values %v", got)
	}
}
