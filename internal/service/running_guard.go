package service

import (
	"context"
	"sync"
)

// ─────────────────────────────────────────────────────────────
// runGuard: one pipeline run per storage root at a time
// ─────────────────────────────────────────────────────────────

// runGuard ensures only one run per job name is in flight. Cache zones are
// single-writer, so overlapping runs against one storage root must never
// start.
type runGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock marks job as running. It returns false if it already is.
func (g *runGuard) TryLock(job string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[job]; ok {
		return false
	}
	g.running[job] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock releases job. Must follow a successful TryLock.
func (g *runGuard) Unlock(job string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, job)
	g.wg.Done()
}

// Running reports whether job is in flight.
func (g *runGuard) Running(job string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[job]
	return ok
}

// WaitAll blocks until every in-flight run finishes or ctx is done.
func (g *runGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
