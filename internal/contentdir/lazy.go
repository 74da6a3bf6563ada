package contentdir

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/pkg/didl"
)

// maxPages bounds one refresh pass.
const maxPages = 10000

// LazyEntry is one child reported by a PageFetcher. Key is the stable
// external identity used to diff successive fetches.
type LazyEntry struct {
	Key    string
	Object didl.Object
	// Keep reports whether the existing object for Key can stay in place.
	// A nil Keep keeps it.
	Keep func(old didl.Object) bool
	// Fetcher makes the child a lazy container itself.
	Fetcher  PageFetcher
	Interval time.Duration
}

// PageFetcher pulls the children of a lazy container one page at a time.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) (entries []LazyEntry, more bool, err error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, page int) ([]LazyEntry, bool, error)

func (f PageFetcherFunc) FetchPage(ctx context.Context, page int) ([]LazyEntry, bool, error) {
	return f(ctx, page)
}

type lazyState struct {
	fetcher       PageFetcher
	interval      time.Duration
	lastRefreshed time.Time
	needsRefresh  bool
	inFlight      bool
	// external key -> child id
	keys map[string]string
}

// AddLazyContainer adds a container whose children come from fetcher. The
// children are fetched on the first read and again on any read more than
// interval after the last successful refresh.
func (s *Store) AddLazyContainer(parentID string, obj didl.Object, fetcher PageFetcher, interval time.Duration) (string, error) {
	if obj.Class == "" {
		obj.Class = didl.ClassContainer
	}
	if !obj.IsContainer() {
		return "", fmt.Errorf("%w: class %s", ErrNotContainer, obj.Class)
	}
	return s.add(parentID, obj, newLazyState(fetcher, interval))
}

func newLazyState(fetcher PageFetcher, interval time.Duration) *lazyState {
	return &lazyState{fetcher: fetcher, interval: interval, needsRefresh: true, keys: map[string]string{}}
}

// Invalidate marks a lazy container for refresh on its next read.
func (s *Store) Invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok && n.lazy != nil {
		n.lazy.needsRefresh = true
	}
}

// Refreshing reports whether a refresh of id is in flight.
func (s *Store) Refreshing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return ok && n.lazy != nil && n.lazy.inFlight
}

// maybeRefresh refreshes a stale lazy container. A read arriving while a
// refresh is in flight does not start another one and sees the cached
// children.
func (s *Store) maybeRefresh(ctx context.Context, id string) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok || n.lazy == nil {
		s.mu.Unlock()
		return
	}
	l := n.lazy
	stale := l.needsRefresh || s.now().Sub(l.lastRefreshed) > l.interval
	if !stale || l.inFlight {
		s.mu.Unlock()
		return
	}
	l.inFlight = true
	fetcher := l.fetcher
	s.mu.Unlock()

	entries, err := fetchAll(ctx, fetcher)

	s.mu.Lock()
	l.inFlight = false
	if s.nodes[id] != n {
		s.mu.Unlock()
		return
	}
	if err != nil {
		l.needsRefresh = true
		s.mu.Unlock()
		s.log.Warn("lazy container refresh failed", zap.String("id", id), zap.Error(err))
		return
	}
	var changes []change
	s.applyDiffLocked(id, n, entries, &changes)
	l.needsRefresh = false
	l.lastRefreshed = s.now()
	s.mu.Unlock()
	s.fire(changes)
}

func fetchAll(ctx context.Context, fetcher PageFetcher) ([]LazyEntry, error) {
	var all []LazyEntry
	for page := 0; page < maxPages; page++ {
		entries, more, err := fetcher.FetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
		if !more {
			return all, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// applyDiffLocked reconciles the children of a lazy container with a fresh
// fetch. Each add and remove bumps the container once; a declined Keep is a
// remove plus an add. A pass that changed anything, including order, ends
// with one more bump.
func (s *Store) applyDiffLocked(id string, n *node, entries []LazyEntry, changes *[]change) {
	l := n.lazy
	fresh := make(map[string]bool, len(entries))
	for _, e := range entries {
		fresh[e.Key] = true
	}
	changed := false
	byChild := make(map[string]string, len(l.keys))
	for key, childID := range l.keys {
		byChild[childID] = key
	}

	for _, childID := range append([]string(nil), n.children...) {
		key, ok := byChild[childID]
		if !ok || fresh[key] {
			continue
		}
		delete(l.keys, key)
		if err := s.removeLocked(childID, changes); err == nil {
			changed = true
		}
	}

	order := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Key == "" || seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		if childID, ok := l.keys[e.Key]; ok {
			if old, exists := s.nodes[childID]; exists {
				if e.Keep == nil || e.Keep(old.obj.Clone()) {
					order = append(order, childID)
					continue
				}
				_ = s.removeLocked(childID, changes)
				changed = true
			}
			delete(l.keys, e.Key)
		}
		obj := e.Object.Clone()
		obj.ID = ""
		var childLazy *lazyState
		if e.Fetcher != nil {
			interval := e.Interval
			if interval == 0 {
				interval = l.interval
			}
			childLazy = newLazyState(e.Fetcher, interval)
		}
		childID, err := s.addLocked(id, obj, childLazy, changes)
		if err != nil {
			s.log.Debug("lazy child add failed", zap.String("container", id), zap.String("key", e.Key), zap.Error(err))
			continue
		}
		l.keys[e.Key] = childID
		order = append(order, childID)
		changed = true
	}

	// Children added outside the fetcher stay after the fetched ones.
	for _, childID := range n.children {
		if _, keyed := byChild[childID]; !keyed && !contains(order, childID) {
			order = append(order, childID)
		}
	}
	if !equalStrings(n.children, order) {
		n.children = order
		changed = true
	}
	if changed {
		s.bumpLocked(id, n, changes)
	}
}

func equalStrings(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
