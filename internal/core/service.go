package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/internal/ports"
)

// Service orchestrates mupnp CLI use cases.
type Service struct {
	ControlPoint ports.ControlPoint
	Events       ports.EventSource
	Resolver     Resolver
	Config       Config
}

// BrowseRequest selects a page of a ContentDirectory.
type BrowseRequest struct {
	Device   string
	ObjectID string
	Metadata bool
	Filter   string
	Start    int
	Count    int
}

// SearchRequest selects a page of search results.
type SearchRequest struct {
	Device    string
	Container string
	Criteria  string
	Filter    string
	Start     int
	Count     int
}

// Discover searches for target and returns every described device.
func (s Service) Discover(ctx context.Context, target string) (DevicesResult, error) {
	if target == "" {
		target = s.Resolver.target()
	}
	devices, err := s.ControlPoint.Discover(ctx, target, s.Config.MX)
	if err != nil {
		return DevicesResult{}, WrapError(ExitRuntime, "discover", err)
	}
	out := DevicesResult{Devices: make([]DeviceSummary, 0, len(devices))}
	for _, dev := range devices {
		out.Devices = append(out.Devices, summarizeDevice(dev))
	}
	return out, nil
}

// Describe returns the services and actions of a device.
func (s Service) Describe(ctx context.Context, selector string) (DescribeResult, error) {
	dev, err := s.Resolver.ResolveDevice(ctx, selector)
	if err != nil {
		return DescribeResult{}, err
	}
	out := DescribeResult{Device: summarizeDevice(dev)}
	for _, svc := range dev.Services {
		out.Services = append(out.Services, summarizeService(svc))
	}
	return out, nil
}

// Browse lists children or metadata of an object.
func (s Service) Browse(ctx context.Context, req BrowseRequest) (ObjectsResult, error) {
	dev, err := s.Resolver.ResolveServer(ctx, req.Device)
	if err != nil {
		return ObjectsResult{}, err
	}
	if req.ObjectID == "" {
		req.ObjectID = "0"
	}
	if req.Filter == "" {
		req.Filter = "*"
	}
	if req.Start < 0 || req.Count < 0 {
		return ObjectsResult{}, &CLIError{Code: ExitUsage, Msg: "start and count must not be negative"}
	}
	flag := "BrowseDirectChildren"
	if req.Metadata {
		flag = "BrowseMetadata"
	}
	res, err := s.ControlPoint.Browse(ctx, dev, req.ObjectID, flag, req.Filter, req.Start, req.Count)
	if err != nil {
		return ObjectsResult{}, Classify("browse "+req.ObjectID, err)
	}
	return ObjectsResult{
		Device:         dev.FriendlyName,
		NumberReturned: res.NumberReturned,
		TotalMatches:   res.TotalMatches,
		UpdateID:       res.UpdateID,
		Objects:        res.Objects,
	}, nil
}

// Search runs a ContentDirectory search.
func (s Service) Search(ctx context.Context, req SearchRequest) (ObjectsResult, error) {
	dev, err := s.Resolver.ResolveServer(ctx, req.Device)
	if err != nil {
		return ObjectsResult{}, err
	}
	if req.Container == "" {
		req.Container = "0"
	}
	if req.Criteria == "" {
		req.Criteria = "*"
	}
	if req.Filter == "" {
		req.Filter = "*"
	}
	res, err := s.ControlPoint.Search(ctx, dev, req.Container, req.Criteria, req.Filter, req.Start, req.Count)
	if err != nil {
		return ObjectsResult{}, Classify("search", err)
	}
	return ObjectsResult{
		Device:         dev.FriendlyName,
		NumberReturned: res.NumberReturned,
		TotalMatches:   res.TotalMatches,
		UpdateID:       res.UpdateID,
		Objects:        res.Objects,
	}, nil
}

// Call invokes action on a service of a device. Arguments are Name=Value
// pairs.
func (s Service) Call(ctx context.Context, selector string, service string, action string, pairs []string) (CallResult, error) {
	args, err := ParseArgs(pairs)
	if err != nil {
		return CallResult{}, err
	}
	dev, err := s.Resolver.ResolveDevice(ctx, selector)
	if err != nil {
		return CallResult{}, err
	}
	out, err := s.ControlPoint.Call(ctx, dev, service, action, args)
	if err != nil {
		return CallResult{}, Classify(action, err)
	}
	return CallResult{Action: action, Out: out}, nil
}

// Subscribe delivers events from a service until ctx is done. The
// callback listener binds to listen.
func (s Service) Subscribe(ctx context.Context, selector string, service string, listen string, timeout time.Duration, handle func(EventResult)) error {
	if s.Events == nil {
		return &CLIError{Code: ExitRuntime, Msg: "eventing unavailable"}
	}
	dev, err := s.Resolver.ResolveDevice(ctx, selector)
	if err != nil {
		return err
	}
	if _, err := s.Events.Listen(ctx, listen, ""); err != nil {
		return WrapError(ExitRuntime, "listen for events", err)
	}
	sid, err := s.Events.Subscribe(ctx, dev, service, timeout, func(e gena.Event) {
		handle(EventResult{SID: e.SID, Seq: e.Seq, Properties: e.Properties, Instances: e.Instances})
	})
	if err != nil {
		return Classify("subscribe "+service, err)
	}
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Events.Unsubscribe(shutdown, sid); err != nil {
		return WrapError(ExitRuntime, "unsubscribe", err)
	}
	return nil
}

// ParseArgs parses Name=Value pairs. A value may be empty.
func ParseArgs(pairs []string) (map[string]string, error) {
	args := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("argument %q must be Name=Value", pair)}
		}
		if _, dup := args[name]; dup {
			return nil, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("argument %s given twice", name)}
		}
		args[name] = value
	}
	return args, nil
}
