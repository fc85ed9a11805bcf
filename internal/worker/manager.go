package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/retracehq/retrace/internal/engine"
	"github.com/retracehq/retrace/internal/index"
)

// DefaultTTL is how long an idle worker context stays alive before it
// is torn down.
const DefaultTTL = 15 * time.Second

// Manager owns the single worker context slot. A context is created on
// demand, reused while work keeps arriving, and closed after sitting
// idle for the TTL. Only one context exists at a time.
type Manager struct {
	engine engine.Engine
	model  string
	store  ChunkStore
	hybrid *index.Hybrid
	ttl    time.Duration

	mu        sync.Mutex
	current   *Context
	idleTimer *time.Timer
}

// NewManager creates a manager with the default idle TTL.
func NewManager(eng engine.Engine, model string, store ChunkStore, hybrid *index.Hybrid) *Manager {
	return &Manager{
		engine: eng,
		model:  model,
		store:  store,
		hybrid: hybrid,
		ttl:    DefaultTTL,
	}
}

// Ensure returns a live worker context, reusing the current one when it
// responds to a ping and creating a fresh one otherwise. The idle timer
// is reset on every call.
func (m *Manager) Ensure(ctx context.Context) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := m.current.Ping(pingCtx)
		cancel()
		if err == nil {
			m.resetIdleTimer()
			return m.current, nil
		}
		slog.Warn("worker context unresponsive, recreating", "error", err)
		m.current.Close()
		m.current = nil
	}

	m.current = newContext(m.engine, m.model, m.store, m.hybrid)
	m.resetIdleTimer()
	slog.Debug("worker context created", "ttl", m.ttl)
	return m.current, nil
}

// resetIdleTimer must be called with m.mu held.
func (m *Manager) resetIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.ttl, m.idleClose)
}

func (m *Manager) idleClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	slog.Debug("worker context idle, closing")
	m.current.Close()
	m.current = nil
}

// Shutdown closes any live context immediately. Used on daemon stop and
// before a wipe.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

// Verify ensures a context exists and confirms it answers a ping.
func (m *Manager) Verify(ctx context.Context) error {
	c, err := m.Ensure(ctx)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// ProcessBatch ensures a context and forwards the batch to it.
func (m *Manager) ProcessBatch(ctx context.Context, jobs []Job) ([]JobResult, error) {
	c, err := m.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return c.ProcessBatch(ctx, jobs)
}

// Search ensures a context and runs a hybrid query through it.
func (m *Manager) Search(ctx context.Context, query string, opts index.SearchOptions) (*index.SearchResponse, error) {
	c, err := m.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return c.Search(ctx, query, opts)
}
