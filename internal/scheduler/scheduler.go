package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retracehq/retrace/internal/privacy"
	"github.com/retracehq/retrace/internal/storage"
	"github.com/retracehq/retrace/internal/worker"
)

const (
	// DefaultInterval is the poll cadence when no trigger arrives.
	DefaultInterval = 5 * time.Second

	// batchSizeIdle and batchSizeActive bound one dequeue. Smaller
	// batches while the user is actively searching keep the embedding
	// backend responsive for queries.
	batchSizeIdle   = 16
	batchSizeActive = 4

	// activeWindow is how long after the last search the scheduler
	// still considers the user active.
	activeWindow = 60 * time.Second

	// verifyAttempts pings before giving up on the worker this tick.
	verifyAttempts = 3
	verifyBaseWait = 300 * time.Millisecond

	// dispatchRetries re-sends a batch that failed to dispatch.
	dispatchRetries = 2

	// tickBudget and followUpDelay drive queue draining: a full batch
	// finished inside the budget earns a near-immediate follow-up tick.
	tickBudget    = 250 * time.Millisecond
	followUpDelay = 100 * time.Millisecond
)

var dispatchWaits = [dispatchRetries]time.Duration{500 * time.Millisecond, time.Second}

// QueueStore is the slice of the storage layer the scheduler drives.
type QueueStore interface {
	DequeueBatch(limit int) ([]storage.QueueRecord, error)
	MarkSuccess(id string) error
	MarkFailure(id, reason string, retriable bool) error
	Paused() (bool, error)
	Domains() (deny, allow []string, err error)
}

// Gate answers whether the embedding backend can serve work right now.
type Gate interface {
	Ready(ctx context.Context) bool
}

// Workers is the slice of the worker manager the scheduler uses.
type Workers interface {
	Verify(ctx context.Context) error
	ProcessBatch(ctx context.Context, jobs []worker.Job) ([]worker.JobResult, error)
}

// ProcessingItem is one entry in the in-flight snapshot for status
// reporting.
type ProcessingItem struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Scheduler drains the ingestion queue: one tick claims a batch, runs
// it through the worker, and writes each job's outcome back. At most
// one tick runs at a time.
type Scheduler struct {
	store   QueueStore
	gate    Gate
	workers Workers
	wiping  func() bool

	Interval time.Duration

	running      atomic.Bool
	lastActivity atomic.Int64

	trigger chan struct{}

	mu         sync.Mutex
	processing []ProcessingItem
}

// New wires a scheduler. The wiping func lets the privacy controller
// veto ticks while a wipe is executing.
func New(store QueueStore, gate Gate, workers Workers, wiping func() bool) *Scheduler {
	if wiping == nil {
		wiping = func() bool { return false }
	}
	return &Scheduler{
		store:    store,
		gate:     gate,
		workers:  workers,
		wiping:   wiping,
		Interval: DefaultInterval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a tick soon, without waiting for the next poll.
// Non-blocking; coalesces with an already pending trigger.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NoteActivity records user-facing activity (a search). Recent activity
// shrinks the batch size so ingestion yields to queries.
func (s *Scheduler) NoteActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Scheduler) active() bool {
	last := s.lastActivity.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < activeWindow
}

// Processing returns a snapshot of the batch currently in flight.
func (s *Scheduler) Processing() []ProcessingItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProcessingItem(nil), s.processing...)
}

// Run ticks on the poll interval and on demand until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.trigger:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Returns the number of jobs dispatched,
// which is zero when a gate held the tick back.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		return 0
	}
	defer s.running.Store(false)

	start := time.Now()

	if s.wiping() {
		return 0
	}

	paused, err := s.store.Paused()
	if err != nil {
		slog.Error("reading pause flag", "error", err)
		return 0
	}
	if paused {
		return 0
	}

	if !s.gate.Ready(ctx) {
		slog.Debug("embedding backend not ready, skipping tick")
		return 0
	}

	if err := s.verifyWorker(ctx); err != nil {
		slog.Warn("worker did not become responsive", "error", err)
		return 0
	}

	limit := batchSizeIdle
	if s.active() {
		limit = batchSizeActive
	}

	batch, err := s.store.DequeueBatch(limit)
	if err != nil {
		slog.Error("dequeuing batch", "error", err)
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	// A full claimed batch handled quickly means more work is likely
	// waiting; follow up without waiting out the poll interval. This holds
	// even when every record in the batch was privacy-filtered, so a
	// backlog of blocked records still drains at follow-up pace.
	defer func() {
		if len(batch) == limit && time.Since(start) < tickBudget {
			time.AfterFunc(followUpDelay, s.Trigger)
		}
	}()

	jobs := s.filterBatch(batch)
	if len(jobs) == 0 {
		return 0
	}

	s.setProcessing(jobs)
	defer s.clearProcessing()

	results, err := s.dispatch(ctx, jobs)
	s.reconcile(jobs, results, err)
	return len(jobs)
}

func (s *Scheduler) verifyWorker(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		if err = s.workers.Verify(ctx); err == nil {
			return nil
		}
		if attempt < verifyAttempts {
			select {
			case <-time.After(time.Duration(attempt) * verifyBaseWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// filterBatch drops privacy-blocked records, acking them as intentional
// skips, and converts the rest to worker jobs.
func (s *Scheduler) filterBatch(batch []storage.QueueRecord) []worker.Job {
	deny, allow, err := s.store.Domains()
	if err != nil {
		slog.Error("reading domain lists", "error", err)
		deny, allow = nil, nil
	}
	filter := privacy.NewFilter(deny, allow)

	jobs := make([]worker.Job, 0, len(batch))
	for _, rec := range batch {
		if filter.Blocked(rec.URL) {
			slog.Debug("dropping blocked record", "url", rec.URL)
			if err := s.store.MarkSuccess(rec.ID); err != nil {
				slog.Error("acking blocked record", "id", rec.ID, "error", err)
			}
			continue
		}
		jobs = append(jobs, worker.Job{
			ID:    rec.ID,
			URL:   rec.URL,
			Title: rec.Title,
			Text:  rec.Payload,
		})
	}
	return jobs
}

func (s *Scheduler) dispatch(ctx context.Context, jobs []worker.Job) ([]worker.JobResult, error) {
	results, err := s.workers.ProcessBatch(ctx, jobs)
	for attempt := 0; err != nil && attempt < dispatchRetries; attempt++ {
		slog.Warn("batch dispatch failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(dispatchWaits[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		results, err = s.workers.ProcessBatch(ctx, jobs)
	}
	return results, err
}

// reconcile writes each job's outcome back to the queue. Jobs the
// worker never answered for fail retriably, so nothing is lost.
func (s *Scheduler) reconcile(jobs []worker.Job, results []worker.JobResult, dispatchErr error) {
	byID := make(map[string]worker.JobResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	for _, job := range jobs {
		r, ok := byID[job.ID]
		switch {
		case !ok:
			reason := "worker returned no result"
			if dispatchErr != nil {
				reason = dispatchErr.Error()
			}
			if err := s.store.MarkFailure(job.ID, reason, true); err != nil {
				slog.Error("recording missing result", "id", job.ID, "error", err)
			}
		case r.Err != nil:
			if err := s.store.MarkFailure(job.ID, r.Err.Error(), !r.Permanent); err != nil {
				slog.Error("recording failure", "id", job.ID, "error", err)
			}
		default:
			if err := s.store.MarkSuccess(job.ID); err != nil {
				slog.Error("recording success", "id", job.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) setProcessing(jobs []worker.Job) {
	items := make([]ProcessingItem, len(jobs))
	for i, j := range jobs {
		items[i] = ProcessingItem{ID: j.ID, URL: j.URL}
	}
	s.mu.Lock()
	s.processing = items
	s.mu.Unlock()
}

func (s *Scheduler) clearProcessing() {
	s.mu.Lock()
	s.processing = nil
	s.mu.Unlock()
}
