package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/retracehq/retrace/internal/storage"
	"github.com/retracehq/retrace/internal/worker"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []storage.QueueRecord
	paused    bool
	deny      []string
	allow     []string
	successes []string
	failures  map[string]failureRecord
	dequeues  int
}

type failureRecord struct {
	reason    string
	retriable bool
}

func newFakeStore(records ...storage.QueueRecord) *fakeStore {
	return &fakeStore{pending: records, failures: make(map[string]failureRecord)}
}

func (f *fakeStore) DequeueBatch(limit int) ([]storage.QueueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeues++
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	f.pending = f.pending[limit:]
	return batch, nil
}

func (f *fakeStore) MarkSuccess(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeStore) MarkFailure(id, reason string, retriable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = failureRecord{reason: reason, retriable: retriable}
	return nil
}

func (f *fakeStore) Paused() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, nil
}

func (f *fakeStore) Domains() ([]string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deny, f.allow, nil
}

type fakeGate struct{ ready bool }

func (g *fakeGate) Ready(context.Context) bool { return g.ready }

type fakeWorkers struct {
	mu          sync.Mutex
	verifyErrs  int
	dispatchErr error
	failUntil   int // dispatch attempts that fail before succeeding
	dispatched  [][]worker.Job
	perJob      func(worker.Job) worker.JobResult
}

func (w *fakeWorkers) Verify(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.verifyErrs > 0 {
		w.verifyErrs--
		return errors.New("worker not up")
	}
	return nil
}

func (w *fakeWorkers) ProcessBatch(_ context.Context, jobs []worker.Job) ([]worker.JobResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dispatched = append(w.dispatched, jobs)
	if w.failUntil > 0 {
		w.failUntil--
		return nil, errors.New("dispatch failed")
	}
	if w.dispatchErr != nil {
		return nil, w.dispatchErr
	}
	results := make([]worker.JobResult, len(jobs))
	for i, j := range jobs {
		if w.perJob != nil {
			results[i] = w.perJob(j)
		} else {
			results[i] = worker.JobResult{ID: j.ID}
		}
	}
	return results, nil
}

func record(id, url string) storage.QueueRecord {
	return storage.QueueRecord{ID: id, URL: url, Title: "t", Payload: "page text", Status: storage.StatusPending}
}

func TestTick_HappyPath(t *testing.T) {
	store := newFakeStore(record("a#1", "https://a.example/"), record("b#1", "https://b.example/"))
	workers := &fakeWorkers{}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	n := s.Tick(context.Background())
	if n != 2 {
		t.Fatalf("dispatched %d jobs, want 2", n)
	}
	if len(store.successes) != 2 {
		t.Errorf("successes = %v", store.successes)
	}
	if len(store.failures) != 0 {
		t.Errorf("failures = %v", store.failures)
	}
}

func TestTick_GatesHoldWork(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeStore, *fakeGate) func() bool
	}{
		{"paused", func(st *fakeStore, g *fakeGate) func() bool {
			st.paused = true
			return nil
		}},
		{"backend not ready", func(st *fakeStore, g *fakeGate) func() bool {
			g.ready = false
			return nil
		}},
		{"wiping", func(st *fakeStore, g *fakeGate) func() bool {
			return func() bool { return true }
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore(record("a#1", "https://a.example/"))
			gate := &fakeGate{ready: true}
			wiping := tc.setup(store, gate)
			workers := &fakeWorkers{}
			s := New(store, gate, workers, wiping)

			if n := s.Tick(context.Background()); n != 0 {
				t.Errorf("dispatched %d jobs through a closed gate", n)
			}
			if len(workers.dispatched) != 0 {
				t.Error("batch reached worker")
			}
		})
	}
}

func TestTick_SingleFlight(t *testing.T) {
	store := newFakeStore(record("a#1", "https://a.example/"))
	s := New(store, &fakeGate{ready: true}, &fakeWorkers{}, nil)

	// Simulate a tick already in progress.
	s.running.Store(true)
	if n := s.Tick(context.Background()); n != 0 {
		t.Errorf("concurrent tick dispatched %d jobs", n)
	}
	if store.dequeues != 0 {
		t.Error("concurrent tick touched the queue")
	}
}

func TestTick_PrivacyFilterAcksBlocked(t *testing.T) {
	store := newFakeStore(
		record("ok#1", "https://docs.example/"),
		record("blocked#1", "https://tracker.example/pixel"),
	)
	store.deny = []string{"tracker.example"}
	workers := &fakeWorkers{}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	s.Tick(context.Background())

	// Blocked record acked without dispatch, clean record processed.
	if len(store.successes) != 2 {
		t.Fatalf("successes = %v, want both records acked", store.successes)
	}
	if len(workers.dispatched) != 1 || len(workers.dispatched[0]) != 1 {
		t.Fatalf("dispatched = %v", workers.dispatched)
	}
	if workers.dispatched[0][0].URL != "https://docs.example/" {
		t.Errorf("blocked URL reached the worker")
	}
}

func TestTick_PerItemReconcile(t *testing.T) {
	store := newFakeStore(
		record("good#1", "https://a.example/"),
		record("flaky#1", "https://b.example/"),
		record("dead#1", "https://c.example/"),
	)
	workers := &fakeWorkers{perJob: func(j worker.Job) worker.JobResult {
		switch j.ID {
		case "flaky#1":
			return worker.JobResult{ID: j.ID, Err: errors.New("backend hiccup")}
		case "dead#1":
			return worker.JobResult{ID: j.ID, Err: errors.New("empty content"), Permanent: true}
		default:
			return worker.JobResult{ID: j.ID}
		}
	}}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	s.Tick(context.Background())

	if len(store.successes) != 1 || store.successes[0] != "good#1" {
		t.Errorf("successes = %v", store.successes)
	}
	if f := store.failures["flaky#1"]; !f.retriable {
		t.Errorf("flaky failure = %+v, want retriable", f)
	}
	if f := store.failures["dead#1"]; f.retriable {
		t.Errorf("dead failure = %+v, want permanent", f)
	}
}

func TestTick_DispatchRetriesThenSucceeds(t *testing.T) {
	store := newFakeStore(record("a#1", "https://a.example/"))
	workers := &fakeWorkers{failUntil: 1}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	s.Tick(context.Background())

	if len(workers.dispatched) != 2 {
		t.Fatalf("dispatch attempts = %d, want 2", len(workers.dispatched))
	}
	if len(store.successes) != 1 {
		t.Errorf("successes = %v", store.successes)
	}
}

func TestTick_DispatchExhaustedFailsRetriably(t *testing.T) {
	store := newFakeStore(record("a#1", "https://a.example/"))
	workers := &fakeWorkers{dispatchErr: errors.New("worker gone")}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	s.Tick(context.Background())

	if len(store.successes) != 0 {
		t.Errorf("successes = %v", store.successes)
	}
	f, ok := store.failures["a#1"]
	if !ok {
		t.Fatal("job not failed after dispatch exhaustion")
	}
	if !f.retriable {
		t.Error("dispatch failure recorded as permanent")
	}
}

func TestTick_VerifyRetriesThenProceeds(t *testing.T) {
	store := newFakeStore(record("a#1", "https://a.example/"))
	workers := &fakeWorkers{verifyErrs: 2}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	n := s.Tick(context.Background())
	if n != 1 {
		t.Errorf("dispatched %d jobs, want 1 after verify retries", n)
	}
}

func TestTick_VerifyExhaustedSkips(t *testing.T) {
	store := newFakeStore(record("a#1", "https://a.example/"))
	workers := &fakeWorkers{verifyErrs: 3}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	if n := s.Tick(context.Background()); n != 0 {
		t.Errorf("dispatched %d jobs with unresponsive worker", n)
	}
	if store.dequeues != 0 {
		t.Error("queue touched despite worker verification failing")
	}
}

func TestActivityShrinksBatch(t *testing.T) {
	records := make([]storage.QueueRecord, 20)
	for i := range records {
		records[i] = record(string(rune('a'+i))+"#1", "https://x.example/")
	}
	store := newFakeStore(records...)
	workers := &fakeWorkers{}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	s.NoteActivity()
	s.Tick(context.Background())

	if len(workers.dispatched) != 1 {
		t.Fatalf("dispatch count = %d", len(workers.dispatched))
	}
	if got := len(workers.dispatched[0]); got != batchSizeActive {
		t.Errorf("active batch size = %d, want %d", got, batchSizeActive)
	}
}

func TestFollowUpTrigger(t *testing.T) {
	records := make([]storage.QueueRecord, batchSizeIdle)
	for i := range records {
		records[i] = record(string(rune('a'+i))+"#1", "https://x.example/")
	}
	store := newFakeStore(records...)
	s := New(store, &fakeGate{ready: true}, &fakeWorkers{}, nil)

	s.Tick(context.Background())

	select {
	case <-s.trigger:
	case <-time.After(time.Second):
		t.Error("no follow-up trigger after draining a full batch")
	}
}

func TestFollowUpTrigger_AllBlockedBatch(t *testing.T) {
	records := make([]storage.QueueRecord, batchSizeIdle)
	for i := range records {
		records[i] = record(string(rune('a'+i))+"#1", "https://tracker.example/p")
	}
	store := newFakeStore(records...)
	store.deny = []string{"tracker.example"}
	workers := &fakeWorkers{}
	s := New(store, &fakeGate{ready: true}, workers, nil)

	s.Tick(context.Background())

	if len(workers.dispatched) != 0 {
		t.Fatalf("dispatched = %v, want nothing for a fully blocked batch", workers.dispatched)
	}
	if len(store.successes) != batchSizeIdle {
		t.Fatalf("successes = %d, want all %d blocked records acked", len(store.successes), batchSizeIdle)
	}

	// A full batch, even fully filtered, still earns a follow-up so a
	// blocked backlog drains faster than the poll interval.
	select {
	case <-s.trigger:
	case <-time.After(time.Second):
		t.Error("no follow-up trigger after a fully blocked full batch")
	}
}

func TestProcessingSnapshotClearedAfterTick(t *testing.T) {
	store := newFakeStore(record("a#1", "https://a.example/"))
	s := New(store, &fakeGate{ready: true}, &fakeWorkers{}, nil)

	s.Tick(context.Background())
	if items := s.Processing(); len(items) != 0 {
		t.Errorf("processing snapshot not cleared: %v", items)
	}
}
