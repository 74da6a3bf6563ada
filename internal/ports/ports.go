package ports

import (
	"context"
	"time"

	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/internal/gena"
)

// ControlPoint discovers, describes and controls remote devices.
type ControlPoint interface {
	Discover(ctx context.Context, target string, mx int) ([]*controlpoint.Device, error)
	Describe(ctx context.Context, location string) (*controlpoint.Device, error)
	Device(ref string) (*controlpoint.Device, error)
	Call(ctx context.Context, dev *controlpoint.Device, serviceType string, action string, args map[string]string) (map[string]string, error)
	Browse(ctx context.Context, dev *controlpoint.Device, objectID string, flag string, filter string, start int, count int) (controlpoint.BrowseResult, error)
	Search(ctx context.Context, dev *controlpoint.Device, containerID string, criteria string, filter string, start int, count int) (controlpoint.BrowseResult, error)
}

// EventSource delivers GENA events for a subscription.
type EventSource interface {
	Listen(ctx context.Context, addr string, advertiseHost string) (string, error)
	Subscribe(ctx context.Context, dev *controlpoint.Device, serviceType string, timeout time.Duration, handle func(gena.Event)) (string, error)
	Unsubscribe(ctx context.Context, sid string) error
}
