// Package groutine starts goroutines that carry a name, both as a pprof label
// and as a context value, and optionally tracks them so an owner can wait for
// all of them during shutdown.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"sync/atomic"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group runs named goroutines bound to a shared context and lets the owner
// cancel and wait for them. A zero Group is not usable; use NewGroup.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Int64
	mu      sync.Mutex
	stopped bool
}

// NewGroup creates a Group whose goroutines observe parent's cancellation.
func NewGroup(parent context.Context) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Go starts fn unless the group has been stopped. It reports whether fn was started.
func (g *Group) Go(name string, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.running.Add(1)
	g.mu.Unlock()

	Go(g.ctx, name, func(ctx context.Context) {
		defer func() {
			g.running.Add(-1)
			g.wg.Done()
		}()
		fn(ctx)
	})
	return true
}

// Context returns the context shared by the group's goroutines.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Running returns the number of goroutines that have not returned yet.
func (g *Group) Running() int {
	return int(g.running.Load())
}

// Stop cancels the group's context, refuses new goroutines and waits for the
// running ones to return.
func (g *Group) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
