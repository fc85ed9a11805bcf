package privacy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retracehq/retrace/internal/engine"
	"github.com/retracehq/retrace/internal/storage"
)

// WipeStore is the slice of the storage layer the wipe controller needs.
type WipeStore interface {
	WipeAll() error
	PendingWipe() (*storage.WipeIntent, error)
	SetPendingWipe(intent storage.WipeIntent) error
	ClearPendingWipe() error
}

// WorkerShutdowner closes any live worker context before data is erased.
type WorkerShutdowner interface {
	Shutdown()
}

// IndexClearer drops the in-memory search index.
type IndexClearer interface {
	Clear()
}

// Controller schedules and executes full data wipes. A wipe erases the
// queue, all chunks, all settings, and the in-memory index, optionally
// removing the embed model too. Deferred wipes are persisted so they
// survive restarts.
type Controller struct {
	store  WipeStore
	worker WorkerShutdowner
	idx    IndexClearer
	engine engine.Engine
	model  string

	wiping atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

// NewController wires a wipe controller.
func NewController(store WipeStore, worker WorkerShutdowner, idx IndexClearer, eng engine.Engine, model string) *Controller {
	return &Controller{
		store:  store,
		worker: worker,
		idx:    idx,
		engine: eng,
		model:  model,
	}
}

// Wiping reports whether a wipe is currently executing. The scheduler
// skips ticks while this is true.
func (c *Controller) Wiping() bool {
	return c.wiping.Load()
}

// ScheduleWipe arranges a wipe after the given delay. Zero or negative
// delay executes immediately. A deferred wipe replaces any earlier one.
func (c *Controller) ScheduleWipe(removeModel bool, delay time.Duration) error {
	if delay <= 0 {
		return c.Execute(removeModel)
	}

	fireAt := time.Now().UTC().Add(delay)
	if err := c.store.SetPendingWipe(storage.WipeIntent{FireAt: fireAt, RemoveModel: removeModel}); err != nil {
		return fmt.Errorf("persisting wipe intent: %w", err)
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		if err := c.Execute(removeModel); err != nil {
			slog.Error("deferred wipe failed", "error", err)
		}
	})
	c.mu.Unlock()

	slog.Info("wipe scheduled", "fire_at", fireAt, "remove_model", removeModel)
	return nil
}

// CancelWipe aborts a deferred wipe that has not fired yet.
func (c *Controller) CancelWipe() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.store.ClearPendingWipe()
}

// Execute performs the wipe now: worker down first, then storage, then
// the in-memory index, then optionally the embed model.
func (c *Controller) Execute(removeModel bool) error {
	if !c.wiping.CompareAndSwap(false, true) {
		return nil
	}
	defer c.wiping.Store(false)

	slog.Info("executing wipe", "remove_model", removeModel)

	c.worker.Shutdown()

	if err := c.store.WipeAll(); err != nil {
		return fmt.Errorf("wiping storage: %w", err)
	}
	c.idx.Clear()

	if removeModel {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.engine.DeleteModel(ctx, c.model); err != nil {
			// Data is already gone. Model removal failing is not fatal.
			slog.Warn("removing embed model failed", "model", c.model, "error", err)
		}
	}

	slog.Info("wipe complete")
	return nil
}

// RecoverStartup re-arms a persisted wipe intent after a restart. An
// intent whose fire time has passed executes immediately.
func (c *Controller) RecoverStartup() error {
	intent, err := c.store.PendingWipe()
	if err != nil {
		return fmt.Errorf("reading pending wipe: %w", err)
	}
	if intent == nil {
		return nil
	}

	delay := time.Until(intent.FireAt)
	if delay <= 0 {
		slog.Info("overdue wipe found at startup, executing")
		if err := c.Execute(intent.RemoveModel); err != nil {
			return err
		}
		return nil
	}

	slog.Info("re-arming deferred wipe", "fire_at", intent.FireAt)
	c.mu.Lock()
	c.timer = time.AfterFunc(delay, func() {
		if err := c.Execute(intent.RemoveModel); err != nil {
			slog.Error("deferred wipe failed", "error", err)
		}
	})
	c.mu.Unlock()
	return nil
}
