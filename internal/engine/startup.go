package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotRunning is returned by EnsureReady when the backend is unreachable.
var ErrNotRunning = errors.New("embedding backend is not running")

// EnsureReady checks the backend is up and pulls the embed model if it
// is missing. Call once at daemon startup before the scheduler begins.
func EnsureReady(ctx context.Context, e Engine, model string) error {
	if !e.IsRunning(ctx) {
		return ErrNotRunning
	}

	if e.HasModel(ctx, model) {
		return nil
	}

	slog.Info("pulling embed model", "model", model)
	var lastStatus string
	err := e.PullModel(ctx, model, func(p PullProgress) {
		if p.Status != lastStatus {
			slog.Debug("pull progress", "model", model, "status", p.Status)
			lastStatus = p.Status
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}

	if !e.HasModel(ctx, model) {
		return fmt.Errorf("model %s not available after pull", model)
	}
	return nil
}
