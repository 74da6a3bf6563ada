package mupnpd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ModuleRunner runs a module within the supervisor.
type ModuleRunner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs modules until the context ends or one of them fails.
type Supervisor struct {
	Logger *zap.Logger
	// StopTimeout bounds how long modules may take to return once
	// cancelled. Zero waits forever.
	StopTimeout time.Duration
}

// Run starts every module and blocks until all have returned. The first
// module error cancels the rest and is returned prefixed with its name.
func (s Supervisor) Run(ctx context.Context, modules []ModuleRunner) error {
	if len(modules) == 0 {
		return errors.New("no modules enabled")
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}

	running := &runningSet{names: map[string]struct{}{}}
	group, gctx := errgroup.WithContext(ctx)
	for _, m := range modules {
		running.add(m.Name)
		group.Go(func() error {
			defer running.remove(m.Name)
			mlog := log.With(zap.String("module", m.Name))
			mlog.Info("starting module")
			if err := m.Run(gctx); err != nil {
				mlog.Error("module exited", zap.Error(err))
				return fmt.Errorf("%s: %w", m.Name, err)
			}
			mlog.Info("module stopped")
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-gctx.Done():
	}
	if ctx.Err() != nil {
		log.Info("shutdown requested")
	}
	if s.StopTimeout <= 0 {
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-time.After(s.StopTimeout):
		stuck := running.list()
		log.Error("modules did not stop", zap.Strings("modules", stuck))
		return fmt.Errorf("modules did not stop within %s: %s", s.StopTimeout, strings.Join(stuck, ", "))
	}
}

type runningSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func (r *runningSet) add(name string) {
	r.mu.Lock()
	r.names[name] = struct{}{}
	r.mu.Unlock()
}

func (r *runningSet) remove(name string) {
	r.mu.Lock()
	delete(r.names, name)
	r.mu.Unlock()
}

func (r *runningSet) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
