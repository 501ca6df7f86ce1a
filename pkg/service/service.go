// Package service runs the long-lived components of a Netboot Studio
// process and coordinates their shutdown.
//
// Each binary assembles a Runtime from its components: blocking ones
// (servers, watch loops) register with Go, teardown hooks with OnStop.
// Run blocks until SIGINT, SIGTERM, or the first component failure,
// then runs the stop hooks in registration order and waits for the
// blocking components to drain.
package service

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"os/signal"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
)

// DefaultStopTimeout bounds how long Run waits for blocking components
// to return after their context is cancelled.
const DefaultStopTimeout = 30 * time.Second

// Runner is a blocking component. Start serves until ctx is cancelled
// or the component fails; returning a non-nil error takes the whole
// service down.
type Runner interface {
	Start(ctx context.Context) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Start calls f.
func (f RunnerFunc) Start(ctx context.Context) error { return f(ctx) }

type namedRunner struct {
	name   string
	runner Runner
}

type stopHook struct {
	name string
	fn   func()
}

// Runtime owns one process's components.
type Runtime struct {
	name        string
	stopTimeout time.Duration

	mu      sync.Mutex
	runners []namedRunner
	stops   []stopHook
	running bool
}

// New builds an empty runtime for the named service.
func New(name string) *Runtime {
	return &Runtime{name: name, stopTimeout: DefaultStopTimeout}
}

// Go registers a blocking component. All registered runners are started
// together when Run is called.
func (r *Runtime) Go(name string, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		panic("service: Go called after Run")
	}
	r.runners = append(r.runners, namedRunner{name: name, runner: rn})
}

// OnStop registers a teardown hook. Hooks run in registration order, so
// register them in the order the components were started.
func (r *Runtime) OnStop(name string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, stopHook{name: name, fn: fn})
}

// Run starts every registered runner and blocks until ctx is cancelled,
// a signal arrives, or a component fails. It returns the failure that
// ended the service, or nil for an orderly shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, unregister := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer unregister()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.running = true
	runners := append([]namedRunner(nil), r.runners...)
	r.mu.Unlock()

	errs := make(chan error, len(runners))
	var wg sync.WaitGroup
	for _, rn := range runners {
		wg.Add(1)
		go func(rn namedRunner) {
			defer wg.Done()
			if err := rn.runner.Start(runCtx); err != nil {
				logger.Error("component failed", "service", r.name, "component", rn.name, "error", err)
				errs <- fmt.Errorf("%s: %w", rn.name, err)
			}
		}(rn)
	}

	logger.Info("service is running", "service", r.name)

	var cause error
	select {
	case <-ctx.Done():
		logger.Info("caught signal, shutting down", "service", r.name)
	case err := <-errs:
		cause = err
	}

	cancel()
	r.runStopHooks()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.stopTimeout):
		logger.Warn("timed out waiting for components to stop", "service", r.name)
	}

	logger.Info("service stopped", "service", r.name)
	return cause
}

func (r *Runtime) runStopHooks() {
	r.mu.Lock()
	stops := append([]stopHook(nil), r.stops...)
	r.mu.Unlock()
	for _, h := range stops {
		logger.Debug("stopping component", "service", r.name, "component", h.name)
		h.fn()
	}
}
