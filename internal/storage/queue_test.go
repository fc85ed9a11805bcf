package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueue_CoalescesWithinBucket(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id1, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc", Title: "Doc"}, now)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	id2, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc", Description: "later visit"}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %q vs %q", id1, id2)
	}

	stats, err := s.QueueStats()
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}

	rec, err := s.GetQueueRecord(id1)
	if err != nil {
		t.Fatalf("GetQueueRecord: %v", err)
	}
	if rec.Title != "Doc" {
		t.Errorf("title = %q, want %q (merge must keep earlier non-empty title)", rec.Title, "Doc")
	}
	if rec.Description != "later visit" {
		t.Errorf("description = %q, want merged value", rec.Description)
	}
	if !rec.LastUpdatedAt.After(rec.FirstEnqueuedAt) {
		t.Errorf("last_updated_at not bumped: first=%v last=%v", rec.FirstEnqueuedAt, rec.LastUpdatedAt)
	}
	if rec.NextAttemptAt.Before(rec.LastUpdatedAt) {
		t.Errorf("merge left next_attempt_at %v behind last_updated_at %v", rec.NextAttemptAt, rec.LastUpdatedAt)
	}
}

func TestEnqueue_MergeKeepsBackoff(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc"}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.markFailureAt(id, "network", true, now.Add(time.Second)); err != nil {
		t.Fatalf("markFailure: %v", err)
	}
	backedOff, err := s.GetQueueRecord(id)
	if err != nil {
		t.Fatalf("GetQueueRecord: %v", err)
	}

	// A revisit within the bucket must not pull the retry forward.
	if _, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc"}, now.Add(2*time.Second)); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	rec, err := s.GetQueueRecord(id)
	if err != nil {
		t.Fatalf("GetQueueRecord after merge: %v", err)
	}
	if !rec.NextAttemptAt.Equal(backedOff.NextAttemptAt) {
		t.Errorf("next_attempt_at changed by merge: %v, want %v", rec.NextAttemptAt, backedOff.NextAttemptAt)
	}
	if rec.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 preserved across merge", rec.Attempt)
	}
}

func TestEnqueue_NewBucketNewRecord(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id1, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc"}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc"}, now.Add(s.bucketWindow))
	if err != nil {
		t.Fatalf("enqueue in next bucket: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids across buckets, both %q", id1)
	}
}

func TestDequeueBatch_FIFO(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	urls := []string{"https://c.example/", "https://a.example/", "https://b.example/"}
	for i, u := range urls {
		if _, err := s.enqueueAt(EnqueueInput{URL: u}, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("enqueue %s: %v", u, err)
		}
	}

	batch, err := s.dequeueBatchAt(base.Add(time.Minute), 3)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("got %d records, want 3", len(batch))
	}
	for i, rec := range batch {
		if rec.URL != urls[i] {
			t.Errorf("position %d: got %s, want %s", i, rec.URL, urls[i])
		}
		if rec.Status != StatusProcessing {
			t.Errorf("record %s not marked processing", rec.ID)
		}
	}
}

func TestDequeueBatch_SkipsInFlightAndNotReady(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/"}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := s.dequeueBatchAt(now, 10)
	if err != nil {
		t.Fatalf("first dequeue: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first dequeue got %d, want 1", len(first))
	}

	// In flight: a second dequeue must return nothing.
	second, err := s.dequeueBatchAt(now, 10)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second dequeue got %d records while batch in flight", len(second))
	}

	// Backed-off record is not ready before next_attempt_at.
	if err := s.markFailureAt(id, "network", true, now); err != nil {
		t.Fatalf("markFailure: %v", err)
	}
	early, err := s.dequeueBatchAt(now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("early dequeue: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("dequeued %d records before next_attempt_at", len(early))
	}
	late, err := s.dequeueBatchAt(now.Add(2*backoffBase), 10)
	if err != nil {
		t.Fatalf("late dequeue: %v", err)
	}
	if len(late) != 1 {
		t.Fatalf("dequeued %d records after backoff elapsed, want 1", len(late))
	}
}

func TestMarkFailure_BackoffMonotonic(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc"}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var prevNext time.Time
	for i := 1; i <= 3; i++ {
		failAt := now.Add(time.Duration(i) * time.Minute)
		if err := s.markFailureAt(id, "network", true, failAt); err != nil {
			t.Fatalf("markFailure %d: %v", i, err)
		}
		rec, err := s.GetQueueRecord(id)
		if err != nil {
			t.Fatalf("GetQueueRecord: %v", err)
		}
		if rec.Attempt != i {
			t.Errorf("attempt = %d, want %d", rec.Attempt, i)
		}
		if !rec.NextAttemptAt.After(prevNext) {
			t.Errorf("next_attempt_at %v not after previous %v", rec.NextAttemptAt, prevNext)
		}
		if rec.NextAttemptAt.Before(rec.LastUpdatedAt) {
			t.Errorf("next_attempt_at %v before last_updated_at %v", rec.NextAttemptAt, rec.LastUpdatedAt)
		}
		if rec.LastError != "network" {
			t.Errorf("last_error = %q", rec.LastError)
		}
		prevNext = rec.NextAttemptAt
	}
}

func TestBackoff_Capped(t *testing.T) {
	if got := backoff(1); got != backoffBase {
		t.Errorf("backoff(1) = %v, want %v", got, backoffBase)
	}
	if got := backoff(2); got != 2*backoffBase {
		t.Errorf("backoff(2) = %v, want %v", got, 2*backoffBase)
	}
	if got := backoff(50); got != backoffCap {
		t.Errorf("backoff(50) = %v, want cap %v", got, backoffCap)
	}
}

func TestScenarioA_FailTwiceThenSucceed(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id1, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc", Title: "Doc"}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/doc", Title: "Doc"}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("coalescing failed: %q vs %q", id1, id2)
	}

	if err := s.markFailureAt(id1, "network", true, now.Add(time.Minute)); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	rec1, _ := s.GetQueueRecord(id1)
	if err := s.markFailureAt(id1, "network", true, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second failure: %v", err)
	}
	rec2, err := s.GetQueueRecord(id1)
	if err != nil {
		t.Fatalf("GetQueueRecord: %v", err)
	}
	if rec2.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", rec2.Attempt)
	}
	if !rec2.NextAttemptAt.After(rec1.NextAttemptAt) {
		t.Errorf("next_attempt_at not pushed out: %v then %v", rec1.NextAttemptAt, rec2.NextAttemptAt)
	}

	if err := s.MarkSuccess(id1); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if _, err := s.GetQueueRecord(id1); err != ErrNotFound {
		t.Errorf("record still present after success: %v", err)
	}
	counters, err := s.Counters()
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters.Successes != 1 {
		t.Errorf("successes = %d, want 1", counters.Successes)
	}
	if counters.Failures != 0 {
		t.Errorf("failures = %d, want 0 (retriable failures don't count)", counters.Failures)
	}
}

func TestMarkFailure_PermanentDeletes(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Enqueue(EnqueueInput{URL: "https://a.example/broken"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.MarkFailure(id, "unparseable content", false); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	if _, err := s.GetQueueRecord(id); err != ErrNotFound {
		t.Errorf("record still present after permanent failure: %v", err)
	}
	counters, err := s.Counters()
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters.Failures != 1 {
		t.Errorf("failures = %d, want 1", counters.Failures)
	}
}

func TestResetProcessing_RecoversInFlight(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.enqueueAt(EnqueueInput{URL: "https://a.example/"}, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, err := s.dequeueBatchAt(now, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("dequeue: %v (%d records)", err, len(batch))
	}

	// Simulate restart after a crash mid-batch.
	n, err := s.ResetProcessing()
	if err != nil {
		t.Fatalf("ResetProcessing: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d records, want 1", n)
	}

	again, err := s.dequeueBatchAt(now.Add(time.Second), 1)
	if err != nil {
		t.Fatalf("re-dequeue: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("record not dequeue-eligible after reset")
	}
}
