// Package registry is the keyed collection from chain id to running
// adapter, generalized from pkg/anchor.EventWatcher's single-instance
// Start/Stop lifecycle into a multi-chain supervisor.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/obslog"
)

type handle struct {
	ad     adapter.Adapter
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	lastErr error
}

func (h *handle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = err
}

func (h *handle) getErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Registry maps chain id to a running adapter task.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
	logger  *obslog.Logger
}

func New() *Registry {
	return &Registry{handles: make(map[string]*handle), logger: obslog.New("registry")}
}

// Register starts ad in its own goroutine and records it under ad.Chain().
// It fails with errs.Invariant (AlreadyRegistered) if the chain id is
// already present.
func (r *Registry) Register(ctx context.Context, ad adapter.Adapter, out chan<- adapter.AdapterEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := ad.Chain()
	if _, exists := r.handles[chain]; exists {
		return errs.New(errs.Invariant, fmt.Sprintf("chain %s already registered", chain), nil)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := &handle{ad: ad, cancel: cancel, done: make(chan struct{})}
	r.handles[chain] = h

	go func() {
		defer close(h.done)
		if err := ad.Start(taskCtx, out); err != nil {
			h.setErr(err)
			r.logger.Errorf("adapter for chain %s exited: %v", chain, err)
		}
	}()

	return nil
}

// Err returns the error the adapter for chain last exited with, or nil if
// it is still running or exited cleanly. It fails with errs.NotFound if the
// chain was never registered (including after Remove).
func (r *Registry) Err(chain string) error {
	r.mu.Lock()
	h, ok := r.handles[chain]
	r.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("no adapter registered for chain %s", chain), nil)
	}
	return h.getErr()
}

// Get returns the adapter registered under chain, failing with
// errs.NotFound (MissingService) if absent.
func (r *Registry) Get(chain string) (adapter.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[chain]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("no adapter registered for chain %s", chain), nil)
	}
	return h.ad, nil
}

// Remove cancels the adapter task for chain and waits up to 5s for it to
// exit before abandoning it.
func (r *Registry) Remove(chain string) error {
	r.mu.Lock()
	h, ok := r.handles[chain]
	if ok {
		delete(r.handles, chain)
	}
	r.mu.Unlock()

	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("no adapter registered for chain %s", chain), nil)
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		// adapter task did not exit in time; abandon it rather than block
		// the caller indefinitely.
	}
	return nil
}

// StopAll removes every registered chain concurrently, waiting up to 5s
// per adapter as Remove does. It returns the first error encountered but
// still attempts to stop every chain.
func (r *Registry) StopAll() error {
	var g errgroup.Group
	for _, chain := range r.Chains() {
		chain := chain
		g.Go(func() error { return r.Remove(chain) })
	}
	return g.Wait()
}

// Chains returns the currently registered chain ids.
func (r *Registry) Chains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handles))
	for c := range r.handles {
		out = append(out, c)
	}
	return out
}
