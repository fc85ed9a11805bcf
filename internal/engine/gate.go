package engine

import (
	"context"
	"sync"
	"time"
)

// gateCacheTTL bounds how often the gate re-probes the backend.
const gateCacheTTL = 30 * time.Second

// ReadinessGate answers "can we embed right now" without hammering the
// backend on every scheduler tick. A positive or negative answer is
// cached for gateCacheTTL; Invalidate forces the next call to re-probe.
type ReadinessGate struct {
	engine Engine
	model  string

	mu        sync.Mutex
	ready     bool
	checkedAt time.Time
}

// NewReadinessGate creates a gate for the given engine and embed model.
func NewReadinessGate(engine Engine, model string) *ReadinessGate {
	return &ReadinessGate{engine: engine, model: model}
}

// Ready reports whether the backend is reachable and the embed model is
// available, using a cached answer when it is fresh enough.
func (g *ReadinessGate) Ready(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.checkedAt) < gateCacheTTL {
		return g.ready
	}

	g.ready = g.engine.IsRunning(ctx) && g.engine.HasModel(ctx, g.model)
	g.checkedAt = time.Now()
	return g.ready
}

// Invalidate drops the cached answer so the next Ready call probes again.
func (g *ReadinessGate) Invalidate() {
	g.mu.Lock()
	g.checkedAt = time.Time{}
	g.mu.Unlock()
}
