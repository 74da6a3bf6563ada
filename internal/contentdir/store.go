// Package contentdir implements the ContentDirectory engine: an in-memory
// content tree with update-id bookkeeping, lazily refreshed containers,
// Browse and Search.
package contentdir

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/backend"
	"github.com/mikey-austin/mupnp/pkg/didl"
)

// RootID is the id of the root container.
const RootID = "0"

var (
	ErrNoSuchObject = errors.New("contentdir: no such object")
	ErrNotContainer = errors.New("contentdir: not a container")
	ErrExists       = errors.New("contentdir: object exists")
	ErrRoot         = errors.New("contentdir: root cannot be removed")
)

// ChangeFunc observes structural changes. It runs after the mutation is
// visible, outside the store lock.
type ChangeFunc func(containerID string, containerUpdateID uint32, systemUpdateID uint32)

type change struct {
	containerID string
	updateID    uint32
	systemID    uint32
}

type node struct {
	obj      didl.Object
	children []string
	updateID uint32
	lazy     *lazyState
	// containers holding an id@container link to this node
	links []string
}

// Store is an arena of content objects keyed by id. Parents are referenced
// by id and children are ordered id lists.
type Store struct {
	mu             sync.Mutex
	nodes          map[string]*node
	systemUpdateID uint32
	nextID         uint64
	onChange       []ChangeFunc
	now            func() time.Time
	log            *zap.Logger
}

// NewStore returns a store holding only the root container.
func NewStore(rootTitle string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	root := didl.NewContainer(RootID, "-1", rootTitle, didl.ClassContainer)
	return &Store{
		nodes: map[string]*node{RootID: {obj: root}},
		now:   time.Now,
		log:   log,
	}
}

// SetClock overrides the time source used for lazy refresh.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// OnChange registers a structural change observer.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// AddContainer adds a container under parentID and returns its id. An empty
// obj.ID gets a generated one.
func (s *Store) AddContainer(parentID string, obj didl.Object) (string, error) {
	if obj.Class == "" {
		obj.Class = didl.ClassContainer
	}
	if !obj.IsContainer() {
		return "", fmt.Errorf("%w: class %s", ErrNotContainer, obj.Class)
	}
	return s.add(parentID, obj, nil)
}

// AddItem adds an item under parentID and returns its id.
func (s *Store) AddItem(parentID string, obj didl.Object) (string, error) {
	if obj.Class == "" {
		obj.Class = didl.ClassItem
	}
	if obj.IsContainer() {
		return "", fmt.Errorf("contentdir: class %s is a container", obj.Class)
	}
	return s.add(parentID, obj, nil)
}

func (s *Store) add(parentID string, obj didl.Object, lazy *lazyState) (string, error) {
	s.mu.Lock()
	var changes []change
	id, err := s.addLocked(parentID, obj, lazy, &changes)
	s.mu.Unlock()
	s.fire(changes)
	return id, err
}

func (s *Store) addLocked(parentID string, obj didl.Object, lazy *lazyState, changes *[]change) (string, error) {
	parent, ok := s.nodes[parentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchObject, parentID)
	}
	if !parent.obj.IsContainer() {
		return "", fmt.Errorf("%w: %s", ErrNotContainer, parentID)
	}
	id := obj.ID
	if id == "" {
		id = s.newIDLocked(parentID)
	} else if strings.Contains(id, "@") {
		return "", fmt.Errorf("contentdir: id %q contains @", id)
	}
	if _, exists := s.nodes[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrExists, id)
	}
	obj = obj.Clone()
	obj.ID = id
	obj.ParentID = parentID
	s.nodes[id] = &node{obj: obj, lazy: lazy}
	parent.children = append(parent.children, id)
	s.bumpLocked(parentID, parent, changes)
	return id, nil
}

func (s *Store) newIDLocked(parentID string) string {
	for {
		s.nextID++
		id := fmt.Sprintf("%s$%d", parentID, s.nextID)
		if _, exists := s.nodes[id]; !exists {
			return id
		}
	}
}

// Link makes the object id reachable from containerID as id@containerID.
func (s *Store) Link(containerID string, id string) (string, error) {
	s.mu.Lock()
	var changes []change
	visible, err := s.linkLocked(containerID, id, &changes)
	s.mu.Unlock()
	s.fire(changes)
	return visible, err
}

func (s *Store) linkLocked(containerID string, id string, changes *[]change) (string, error) {
	container, ok := s.nodes[containerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchObject, containerID)
	}
	if !container.obj.IsContainer() {
		return "", fmt.Errorf("%w: %s", ErrNotContainer, containerID)
	}
	base, _ := SplitID(id)
	target, ok := s.nodes[base]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchObject, base)
	}
	visible := JoinID(base, containerID)
	for _, child := range container.children {
		if child == visible {
			return "", fmt.Errorf("%w: %s", ErrExists, visible)
		}
	}
	container.children = append(container.children, visible)
	target.links = append(target.links, containerID)
	s.bumpLocked(containerID, container, changes)
	return visible, nil
}

// Remove deletes an object. Removing a canonical id drops its subtree and
// every link to it; removing id@container only drops that link.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	var changes []change
	err := s.removeLocked(id, &changes)
	s.mu.Unlock()
	s.fire(changes)
	return err
}

func (s *Store) removeLocked(id string, changes *[]change) error {
	base, container := SplitID(id)
	if container != "" {
		return s.unlinkLocked(base, container, changes)
	}
	if id == RootID {
		return ErrRoot
	}
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, id)
	}
	s.dropSubtreeLocked(id, n, changes)
	if parent, ok := s.nodes[n.obj.ParentID]; ok {
		parent.children = without(parent.children, id)
		s.bumpLocked(n.obj.ParentID, parent, changes)
	}
	return nil
}

// dropSubtreeLocked deletes id and its descendants. Only containers outside
// the subtree that linked to a dropped node are bumped.
func (s *Store) dropSubtreeLocked(id string, n *node, changes *[]change) {
	for _, child := range n.children {
		base, linkedFrom := SplitID(child)
		if linkedFrom != "" {
			if target, ok := s.nodes[base]; ok {
				target.links = withoutOnce(target.links, linkedFrom)
			}
			continue
		}
		if cn, ok := s.nodes[child]; ok {
			s.dropSubtreeLocked(child, cn, changes)
		}
	}
	for _, containerID := range n.links {
		if c, ok := s.nodes[containerID]; ok {
			c.children = without(c.children, JoinID(id, containerID))
			s.bumpLocked(containerID, c, changes)
		}
	}
	delete(s.nodes, id)
}

func (s *Store) unlinkLocked(base string, containerID string, changes *[]change) error {
	c, ok := s.nodes[containerID]
	visible := JoinID(base, containerID)
	if !ok || !contains(c.children, visible) {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, visible)
	}
	c.children = without(c.children, visible)
	if target, ok := s.nodes[base]; ok {
		target.links = withoutOnce(target.links, containerID)
	}
	s.bumpLocked(containerID, c, changes)
	return nil
}

// Replace swaps the descriptor of an object in place. Its id, parent and
// children are kept.
func (s *Store) Replace(id string, obj didl.Object) error {
	s.mu.Lock()
	var changes []change
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchObject, id)
	}
	if obj.IsContainer() != n.obj.IsContainer() {
		s.mu.Unlock()
		return fmt.Errorf("contentdir: replace of %s changes its kind", id)
	}
	obj = obj.Clone()
	obj.ID = id
	obj.ParentID = n.obj.ParentID
	n.obj = obj
	if parent, ok := s.nodes[obj.ParentID]; ok {
		s.bumpLocked(obj.ParentID, parent, &changes)
	}
	s.mu.Unlock()
	s.fire(changes)
	return nil
}

// Get returns the descriptor of a visible id.
func (s *Store) Get(id string) (didl.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.describeLocked(id)
}

func (s *Store) describeLocked(id string) (didl.Object, bool) {
	base, container := SplitID(id)
	n, ok := s.nodes[base]
	if !ok {
		return didl.Object{}, false
	}
	if container != "" {
		c, ok := s.nodes[container]
		if !ok || !contains(c.children, id) {
			return didl.Object{}, false
		}
	}
	obj := n.obj.Clone()
	if container != "" {
		obj.ID = id
		obj.ParentID = container
		obj.RefID = base
	}
	if obj.IsContainer() {
		obj.ChildCount = len(n.children)
	}
	return obj, true
}

// Snapshot is a consistent view of a container's children.
type Snapshot struct {
	Objects  []didl.Object
	Total    int
	UpdateID uint32
}

// Children returns the children of id in [start, start+count), count 0
// meaning to the end. Stale lazy containers are refreshed first.
func (s *Store) Children(ctx context.Context, id string, start int, count int) (Snapshot, error) {
	base, _ := SplitID(id)
	s.maybeRefresh(ctx, base)

	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[base]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSuchObject, id)
	}
	if !n.obj.IsContainer() {
		return Snapshot{UpdateID: s.systemUpdateID}, nil
	}
	total := len(n.children)
	if start < 0 {
		start = 0
	}
	end := total
	if count > 0 && start+count < end {
		end = start + count
	}
	snap := Snapshot{Total: total, UpdateID: n.updateID}
	for i := start; i < end; i++ {
		if obj, ok := s.describeLocked(n.children[i]); ok {
			snap.Objects = append(snap.Objects, obj)
		}
	}
	return snap, nil
}

// ChildCount returns the number of children of id, refreshing a stale lazy
// container first.
func (s *Store) ChildCount(ctx context.Context, id string) (int, error) {
	base, _ := SplitID(id)
	s.maybeRefresh(ctx, base)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[base]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchObject, id)
	}
	return len(n.children), nil
}

// ContainerUpdateID returns the update counter of a container.
func (s *Store) ContainerUpdateID(id string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, _ := SplitID(id)
	n, ok := s.nodes[base]
	if !ok {
		return 0, false
	}
	return n.updateID, true
}

// SystemUpdateID returns the store-wide update counter.
func (s *Store) SystemUpdateID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemUpdateID
}

// Len returns the number of canonical objects including the root.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func (s *Store) bumpLocked(id string, n *node, changes *[]change) {
	n.updateID++
	s.systemUpdateID++
	*changes = append(*changes, change{containerID: id, updateID: n.updateID, systemID: s.systemUpdateID})
}

func (s *Store) fire(changes []change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	hooks := append([]ChangeFunc(nil), s.onChange...)
	s.mu.Unlock()
	for _, c := range changes {
		for _, hook := range hooks {
			hook(c.containerID, c.updateID, c.systemID)
		}
	}
}

// SplitID separates a visible id into its canonical id and the container
// suffix after the first @.
func SplitID(id string) (string, string) {
	base, container, _ := strings.Cut(id, "@")
	return base, container
}

// JoinID builds the visible id of base reached through containerID.
func JoinID(base string, containerID string) string {
	return base + "@" + containerID
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func without(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

func withoutOnce(list []string, value string) []string {
	for i, v := range list {
		if v == value {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Init implements backend.Source.
func (s *Store) Init(context.Context) *backend.Future[struct{}] {
	return backend.Resolved(struct{}{})
}

// GetByID implements backend.Source.
func (s *Store) GetByID(_ context.Context, id string) *backend.Future[backend.Object] {
	obj, ok := s.Get(id)
	if !ok {
		return backend.Resolved[backend.Object](nil)
	}
	return backend.Resolved(s.wrap(obj))
}

func (s *Store) wrap(obj didl.Object) backend.Object {
	if obj.IsContainer() {
		return &storeContainer{store: s, obj: obj}
	}
	return backend.Static{Object: obj}
}

// storeContainer adapts a store container to backend.Container. After
// Children has run, ChildCount and UpdateID report that snapshot.
type storeContainer struct {
	store *Store
	obj   didl.Object

	mu       sync.Mutex
	snapshot *Snapshot
}

func (c *storeContainer) ID() string              { return c.obj.ID }
func (c *storeContainer) ParentID() string        { return c.obj.ParentID }
func (c *storeContainer) Descriptor() didl.Object { return c.obj }

func (c *storeContainer) Children(ctx context.Context, start int, count int) *backend.Future[[]backend.Object] {
	return backend.Go(ctx, func(ctx context.Context) ([]backend.Object, error) {
		snap, err := c.store.Children(ctx, c.obj.ID, start, count)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snapshot = &snap
		c.mu.Unlock()
		out := make([]backend.Object, 0, len(snap.Objects))
		for _, obj := range snap.Objects {
			out = append(out, c.store.wrap(obj))
		}
		return out, nil
	})
}

func (c *storeContainer) ChildCount(ctx context.Context) *backend.Future[int] {
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()
	if snap != nil {
		return backend.Resolved(snap.Total)
	}
	return backend.Go(ctx, func(ctx context.Context) (int, error) {
		return c.store.ChildCount(ctx, c.obj.ID)
	})
}

func (c *storeContainer) UpdateID() uint32 {
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()
	if snap != nil {
		return snap.UpdateID
	}
	id, _ := c.store.ContainerUpdateID(c.obj.ID)
	return id
}
