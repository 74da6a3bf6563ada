// Package backend defines the seam between the protocol core and content
// or control sources. Every call returns a Future, even when the source
// answers synchronously.
package backend

import (
	"context"

	"github.com/mikey-austin/mupnp/pkg/didl"
)

// Object is anything a source can look up by id.
type Object interface {
	ID() string
	ParentID() string
	// Descriptor returns the DIDL representation of the object.
	Descriptor() didl.Object
}

// Container is an Object with children.
type Container interface {
	Object
	// Children returns children in [start, start+count); count 0 means to
	// the end.
	Children(ctx context.Context, start int, count int) *Future[[]Object]
	ChildCount(ctx context.Context) *Future[int]
}

// Updater is implemented by containers tracking their own update counter.
type Updater interface {
	UpdateID() uint32
}

// Searcher is implemented by sources that can evaluate search criteria
// themselves. The criteria string uses the ContentDirectory grammar.
type Searcher interface {
	Search(ctx context.Context, containerID string, criteria string) *Future[[]Object]
}

// Source is a content backend.
type Source interface {
	Init(ctx context.Context) *Future[struct{}]
	// GetByID resolves to nil when the id is unknown.
	GetByID(ctx context.Context, id string) *Future[Object]
}

// State is the variable handle exposed to backends.
type State interface {
	Get(name string, inst uint32) (string, bool)
	Set(inst uint32, name string, value string) bool
}

// Host is what the core exposes to a registered backend.
type Host interface {
	State() State
	// BumpUpdateID records a change under containerID.
	BumpUpdateID(containerID string)
	// OnRegistered runs fn once the service is registered.
	OnRegistered(fn func())
}

// Static wraps a fixed descriptor as an Object.
type Static struct {
	Object didl.Object
}

func (s Static) ID() string              { return s.Object.ID }
func (s Static) ParentID() string        { return s.Object.ParentID }
func (s Static) Descriptor() didl.Object { return s.Object }
