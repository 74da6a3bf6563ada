package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/internal/ports"
)

// Resolver resolves device selectors: a description URL, a UDN, a bare
// uuid, a friendly name or an alias for one of those.
type Resolver struct {
	ControlPoint ports.ControlPoint
	Config       Config
}

// ResolveServer resolves a MediaServer selector using config defaults.
func (r Resolver) ResolveServer(ctx context.Context, selector string) (*controlpoint.Device, error) {
	return r.resolve(ctx, selector, r.Config.Defaults.Server, "MediaServer")
}

// ResolveRenderer resolves a MediaRenderer selector using config defaults.
func (r Resolver) ResolveRenderer(ctx context.Context, selector string) (*controlpoint.Device, error) {
	return r.resolve(ctx, selector, r.Config.Defaults.Renderer, "MediaRenderer")
}

// ResolveDevice resolves a selector of any device type.
func (r Resolver) ResolveDevice(ctx context.Context, selector string) (*controlpoint.Device, error) {
	return r.resolve(ctx, selector, "", "")
}

func (r Resolver) resolve(ctx context.Context, selector string, def string, kind string) (*controlpoint.Device, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		selector = def
	}
	if alias, ok := r.Config.Aliases[selector]; ok {
		selector = alias
	}
	if selector != "" && isURL(selector) {
		dev, err := r.ControlPoint.Describe(ctx, selector)
		if err != nil {
			return nil, WrapError(ExitUnreachable, "describe "+selector, err)
		}
		return dev, nil
	}
	if selector != "" {
		if dev, err := r.ControlPoint.Device(selector); err == nil {
			return dev, nil
		}
	}

	devices, err := r.ControlPoint.Discover(ctx, r.target(), r.Config.MX)
	if err != nil {
		return nil, WrapError(ExitRuntime, "discover", err)
	}
	if selector == "" {
		filtered := filterByKind(devices, kind)
		if len(filtered) == 1 {
			return filtered[0], nil
		}
		if len(filtered) == 0 {
			return nil, &CLIError{Code: ExitNotFound, Msg: "no devices found"}
		}
		return nil, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("device required: %s", suggestionList(filtered))}
	}

	dev, err := r.ControlPoint.Device(selector)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, controlpoint.ErrUnknownDevice) {
		return nil, WrapError(ExitRuntime, "resolve "+selector, err)
	}
	matches := matchPrefix(devices, selector)
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) == 0 {
		return nil, &CLIError{Code: ExitNotFound, Msg: fmt.Sprintf("no match for %q", selector)}
	}
	return nil, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("ambiguous selector %q: %s", selector, suggestionList(matches))}
}

func (r Resolver) target() string {
	if r.Config.Target != "" {
		return r.Config.Target
	}
	return "upnp:rootdevice"
}

func isURL(selector string) bool {
	return strings.HasPrefix(selector, "http://") || strings.HasPrefix(selector, "https://")
}

func filterByKind(devices []*controlpoint.Device, kind string) []*controlpoint.Device {
	if kind == "" {
		return devices
	}
	out := make([]*controlpoint.Device, 0, len(devices))
	for _, dev := range devices {
		if strings.Contains(dev.Type, ":device:"+kind+":") {
			out = append(out, dev)
		}
	}
	return out
}

func matchPrefix(devices []*controlpoint.Device, selector string) []*controlpoint.Device {
	selector = strings.ToLower(selector)
	out := []*controlpoint.Device{}
	for _, dev := range devices {
		if strings.HasPrefix(strings.ToLower(dev.FriendlyName), selector) ||
			strings.HasPrefix(strings.TrimPrefix(dev.UDN, "uuid:"), selector) {
			out = append(out, dev)
		}
	}
	return out
}

func suggestionList(devices []*controlpoint.Device) string {
	names := make([]string, 0, len(devices))
	for _, dev := range devices {
		names = append(names, fmt.Sprintf("%s (%s)", dev.FriendlyName, dev.UDN))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
