package contentdir

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/backend"
	"github.com/mikey-austin/mupnp/internal/state"
	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Browse flags.
const (
	BrowseMetadata       = "BrowseMetadata"
	BrowseDirectChildren = "BrowseDirectChildren"
)

const maxSearchDepth = 32

// Result is the answer to a Browse or Search.
type Result struct {
	Objects        []didl.Object
	Result         string
	NumberReturned int
	TotalMatches   int
	UpdateID       uint32
}

// Options configures an Engine.
type Options struct {
	Logger *zap.Logger
	// FlattenClients lists client tags whose searches are answered with
	// every item under the container, ignoring the criteria.
	FlattenClients []string
}

// Engine serves ContentDirectory requests from a backend source.
type Engine struct {
	source  backend.Source
	log     *zap.Logger
	flatten map[string]bool

	mu             sync.Mutex
	vars           *state.Store
	systemUpdateID uint32
	pendingIDs     map[string]uint32
	pendingOrder   []string
	registered     []func()
	isRegistered   bool
}

// NewEngine returns an engine over source. A *Store source reports its
// changes to the engine directly.
func NewEngine(source backend.Source, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FlattenClients == nil {
		opts.FlattenClients = []string{"XBox"}
	}
	e := &Engine{
		source:     source,
		log:        opts.Logger,
		flatten:    map[string]bool{},
		pendingIDs: map[string]uint32{},
	}
	for _, tag := range opts.FlattenClients {
		e.flatten[tag] = true
	}
	if store, ok := source.(*Store); ok {
		e.systemUpdateID = store.SystemUpdateID()
		store.OnChange(e.ContainerChanged)
	}
	return e
}

// Source returns the backend source.
func (e *Engine) Source() backend.Source { return e.source }

// SystemUpdateID returns the content-wide update counter.
func (e *Engine) SystemUpdateID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemUpdateID
}

// SearchCapabilities returns the searchable properties.
func (e *Engine) SearchCapabilities() string { return SearchCapabilities }

// SortCapabilities returns the sortable properties. Sorting is not
// supported.
func (e *Engine) SortCapabilities() string { return "" }

// ContainerChanged records a container update for the next
// ContainerUpdateIDs event and publishes the new SystemUpdateID.
func (e *Engine) ContainerChanged(containerID string, containerUpdateID uint32, systemUpdateID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if systemUpdateID > e.systemUpdateID {
		e.systemUpdateID = systemUpdateID
	}
	if _, seen := e.pendingIDs[containerID]; !seen {
		e.pendingOrder = append(e.pendingOrder, containerID)
	}
	e.pendingIDs[containerID] = containerUpdateID
	e.publishLocked()
}

// BumpUpdateID records a change under containerID for sources without
// their own counters.
func (e *Engine) BumpUpdateID(containerID string) {
	e.mu.Lock()
	e.systemUpdateID++
	id := e.systemUpdateID
	e.mu.Unlock()
	e.ContainerChanged(containerID, id, id)
}

// State returns the ContentDirectory variable handle.
func (e *Engine) State() backend.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vars == nil {
		return nil
	}
	return e.vars
}

// OnRegistered runs fn once the service is registered.
func (e *Engine) OnRegistered(fn func()) {
	e.mu.Lock()
	if !e.isRegistered {
		e.registered = append(e.registered, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn()
}

// Registered runs the OnRegistered callbacks.
func (e *Engine) Registered() {
	e.mu.Lock()
	e.isRegistered = true
	fns := e.registered
	e.registered = nil
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (e *Engine) attach(vars *state.Store) {
	e.mu.Lock()
	e.vars = vars
	e.publishLocked()
	e.mu.Unlock()
	vars.AfterFlush(e.clearPending)
}

func (e *Engine) publishLocked() {
	if e.vars == nil {
		return
	}
	e.vars.Set(0, "SystemUpdateID", strconv.FormatUint(uint64(e.systemUpdateID), 10))
	if len(e.pendingOrder) > 0 {
		parts := make([]string, 0, 2*len(e.pendingOrder))
		for _, id := range e.pendingOrder {
			parts = append(parts, id, strconv.FormatUint(uint64(e.pendingIDs[id]), 10))
		}
		e.vars.Set(0, "ContainerUpdateIDs", strings.Join(parts, ","))
	}
}

// clearPending forgets the container updates a flush delivered. Updates
// recorded after the flush collected its value stay pending and are
// republished.
func (e *Engine) clearPending(flushed []state.Change) {
	var sent string
	found := false
	for _, c := range flushed {
		if c.Name == "ContainerUpdateIDs" {
			sent, found = c.Value, true
		}
	}
	if !found {
		return
	}
	parts := strings.Split(sent, ",")
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i+1 < len(parts); i += 2 {
		id := parts[i]
		if v, ok := e.pendingIDs[id]; ok && strconv.FormatUint(uint64(v), 10) == parts[i+1] {
			delete(e.pendingIDs, id)
		}
	}
	kept := e.pendingOrder[:0]
	for _, id := range e.pendingOrder {
		if _, ok := e.pendingIDs[id]; ok {
			kept = append(kept, id)
		}
	}
	e.pendingOrder = kept
	if len(kept) > 0 {
		e.publishLocked()
	}
}

// lookup resolves a visible id. Sources that do not understand the
// id@container form are asked for the canonical id.
func (e *Engine) lookup(ctx context.Context, id string) (backend.Object, error) {
	obj, err := e.source.GetByID(ctx, id).Await(ctx)
	if err != nil {
		return nil, err
	}
	if obj != nil {
		return obj, nil
	}
	base, container := SplitID(id)
	if container == "" {
		return nil, nil
	}
	obj, err = e.source.GetByID(ctx, base).Await(ctx)
	if err != nil || obj == nil {
		return nil, err
	}
	l := linked{Object: obj, id: id, parent: container}
	if c, ok := obj.(backend.Container); ok {
		return linkedContainer{linked: l, container: c}, nil
	}
	return l, nil
}

type linked struct {
	backend.Object
	id     string
	parent string
}

func (l linked) ID() string       { return l.id }
func (l linked) ParentID() string { return l.parent }
func (l linked) Descriptor() didl.Object {
	obj := l.Object.Descriptor()
	obj.RefID = obj.ID
	obj.ID = l.id
	obj.ParentID = l.parent
	return obj
}

func (l linked) unwrap() backend.Object { return l.Object }

// linkedContainer keeps a linked container browsable.
type linkedContainer struct {
	linked
	container backend.Container
}

func (l linkedContainer) Children(ctx context.Context, start int, count int) *backend.Future[[]backend.Object] {
	return l.container.Children(ctx, start, count)
}

func (l linkedContainer) ChildCount(ctx context.Context) *backend.Future[int] {
	return l.container.ChildCount(ctx)
}

// updaterOf finds the update counter of obj or of the object it links to.
func updaterOf(obj backend.Object) (backend.Updater, bool) {
	if u, ok := obj.(backend.Updater); ok {
		return u, true
	}
	if w, ok := obj.(interface{ unwrap() backend.Object }); ok {
		u, ok := w.unwrap().(backend.Updater)
		return u, ok
	}
	return nil, false
}

// Browse answers BrowseMetadata and BrowseDirectChildren.
func (e *Engine) Browse(ctx context.Context, objectID string, flag string, filter string, start int, count int) (Result, error) {
	obj, err := e.lookup(ctx, objectID)
	if err != nil {
		return Result{}, err
	}
	if obj == nil {
		return Result{}, upnp.NewError(upnp.CodeNoSuchObject)
	}

	var res Result
	switch flag {
	case BrowseMetadata:
		desc := obj.Descriptor()
		if c, ok := obj.(backend.Container); ok {
			if n, err := c.ChildCount(ctx).Await(ctx); err == nil {
				desc.ChildCount = n
			}
		}
		res.Objects = []didl.Object{desc}
		res.TotalMatches = 1
	case BrowseDirectChildren:
		c, ok := obj.(backend.Container)
		if !ok {
			break
		}
		children, err := c.Children(ctx, start, count).Await(ctx)
		if err != nil {
			return Result{}, err
		}
		total, err := c.ChildCount(ctx).Await(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, child := range children {
			res.Objects = append(res.Objects, child.Descriptor())
		}
		res.TotalMatches = total
	default:
		return Result{}, upnp.NewError(upnp.CodeArgumentValueInvalid)
	}

	res.UpdateID = e.SystemUpdateID()
	if u, ok := updaterOf(obj); ok {
		res.UpdateID = u.UpdateID()
	}
	return e.finish(res, filter)
}

// Search returns objects under containerID matching criteria. Clients
// listed in FlattenClients get every item in the subtree instead.
func (e *Engine) Search(ctx context.Context, containerID string, criteria string, filter string, start int, count int, clientTag string) (Result, error) {
	crit, err := ParseCriteria(criteria)
	if err != nil {
		return Result{}, err
	}
	obj, err := e.lookup(ctx, containerID)
	if err != nil {
		return Result{}, err
	}
	if obj == nil {
		return Result{}, upnp.NewError(upnp.CodeNoSuchContainer)
	}
	container, ok := obj.(backend.Container)
	if !ok {
		return Result{}, upnp.NewError(upnp.CodeNoSuchContainer)
	}

	var matches []didl.Object
	switch {
	case e.flatten[clientTag]:
		matches, err = e.walk(ctx, container, func(o didl.Object) bool { return !o.IsContainer() })
	default:
		if searcher, ok := e.source.(backend.Searcher); ok {
			var found []backend.Object
			found, err = searcher.Search(ctx, obj.ID(), criteria).Await(ctx)
			for _, f := range found {
				matches = append(matches, f.Descriptor())
			}
		} else {
			matches, err = e.walk(ctx, container, crit.Match)
		}
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{TotalMatches: len(matches), UpdateID: e.SystemUpdateID()}
	if start < 0 {
		start = 0
	}
	if start < len(matches) {
		end := len(matches)
		if count > 0 && start+count < end {
			end = start + count
		}
		res.Objects = matches[start:end]
	}
	return e.finish(res, filter)
}

// walk visits the subtree below c depth first, collecting matching
// descriptors. Linked objects are visited once.
func (e *Engine) walk(ctx context.Context, c backend.Container, match func(didl.Object) bool) ([]didl.Object, error) {
	var out []didl.Object
	seen := map[string]bool{}
	var visit func(c backend.Container, depth int) error
	visit = func(c backend.Container, depth int) error {
		if depth > maxSearchDepth {
			return nil
		}
		children, err := c.Children(ctx, 0, 0).Await(ctx)
		if err != nil {
			return err
		}
		for _, child := range children {
			base, _ := SplitID(child.ID())
			if seen[base] {
				continue
			}
			seen[base] = true
			desc := child.Descriptor()
			if match(desc) {
				out = append(out, desc)
			}
			if sub, ok := child.(backend.Container); ok {
				if err := visit(sub, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := visit(c, 0); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		e.log.Warn("search walk failed", zap.Error(err))
		return out, nil
	}
	return out, nil
}

func (e *Engine) finish(res Result, filter string) (Result, error) {
	data, err := didl.Marshal(res.Objects, didl.ParseFilter(filter))
	if err != nil {
		return Result{}, err
	}
	res.Result = string(data)
	res.NumberReturned = len(res.Objects)
	return res, nil
}
