package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnqueueInput is the caller-facing shape of an ingestion request.
type EnqueueInput struct {
	URL         string
	Title       string
	Description string
	Source      string
	Payload     string
}

// Enqueue inserts or coalesces an ingestion job. Jobs for the same URL
// within one bucket window share an ID and merge into a single record.
// Returns the record ID.
func (s *Store) Enqueue(in EnqueueInput) (string, error) {
	return s.enqueueAt(in, time.Now().UTC())
}

func (s *Store) enqueueAt(in EnqueueInput, now time.Time) (string, error) {
	if in.URL == "" {
		return "", fmt.Errorf("enqueue: url is required")
	}
	source := in.Source
	if source == "" {
		source = SourceContent
	}

	bucket := now.Unix() / int64(s.bucketWindow.Seconds())
	id := fmt.Sprintf("%s#%d", in.URL, bucket)
	ts := now.Format(time.RFC3339)

	// Merge semantics on repeat visits: newer non-empty title, description,
	// and payload win; first_enqueued_at and attempt state are preserved.
	// next_attempt_at keeps the later of the two values so a backed-off
	// retry stays backed off, a ready record stays ready, and the record
	// never becomes due before its own last_updated_at. RFC3339 UTC strings
	// order lexicographically, so MAX compares correctly.
	_, err := s.db.Exec(`
		INSERT INTO queue (id, url, title, description, source, status, payload, attempt, first_enqueued_at, last_updated_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE queue.title END,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE queue.description END,
			payload = CASE WHEN excluded.payload != '' THEN excluded.payload ELSE queue.payload END,
			last_updated_at = excluded.last_updated_at,
			next_attempt_at = MAX(queue.next_attempt_at, excluded.next_attempt_at)`,
		id, in.URL, in.Title, in.Description, source, in.Payload, ts, ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", in.URL, err)
	}
	return id, nil
}

// DequeueBatch returns up to limit ready records in FIFO order by
// first_enqueued_at and flips them to processing in the same transaction,
// so a concurrent caller cannot claim the same records.
func (s *Store) DequeueBatch(limit int) ([]QueueRecord, error) {
	return s.dequeueBatchAt(time.Now().UTC(), limit)
}

func (s *Store) dequeueBatchAt(now time.Time, limit int) ([]QueueRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, url, title, description, source, status, payload, attempt, last_error, first_enqueued_at, last_updated_at, next_attempt_at
		FROM queue
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY first_enqueued_at ASC
		LIMIT ?`,
		now.Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting ready records: %w", err)
	}

	var batch []QueueRecord
	for rows.Next() {
		rec, err := scanQueueRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating ready records: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(batch)+1)
	args = append(args, now.Format(time.RFC3339))
	for _, rec := range batch {
		args = append(args, rec.ID)
	}
	placeholders := strings.Repeat(",?", len(batch)-1)
	res, err := tx.Exec(`UPDATE queue SET status = 'processing', last_updated_at = ? WHERE status = 'pending' AND id IN (?`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("claiming records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != int64(len(batch)) {
		// Someone raced us; claim nothing rather than a partial batch.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing dequeue: %w", err)
	}

	for i := range batch {
		batch[i].Status = StatusProcessing
	}
	return batch, nil
}

// MarkSuccess removes a completed record and bumps the success counter.
// Also used for privacy-blocked records, which count as intentional skips.
func (s *Store) MarkSuccess(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning success transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM queue WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := incrementCounter(tx, settingSuccesses); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFailure records a failed attempt. Retriable failures bump the attempt
// count and push next_attempt_at out by an exponential, capped backoff;
// permanent failures delete the record and bump the failure counter.
func (s *Store) MarkFailure(id, reason string, retriable bool) error {
	return s.markFailureAt(id, reason, retriable, time.Now().UTC())
}

func (s *Store) markFailureAt(id, reason string, retriable bool, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning failure transaction: %w", err)
	}
	defer tx.Rollback()

	if !retriable {
		res, err := tx.Exec("DELETE FROM queue WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting record %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := incrementCounter(tx, settingFailures); err != nil {
			return err
		}
		return tx.Commit()
	}

	var attempt int
	err = tx.QueryRow("SELECT attempt FROM queue WHERE id = ?", id).Scan(&attempt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading attempt for %s: %w", id, err)
	}

	attempt++
	next := now.Add(backoff(attempt))
	_, err = tx.Exec(`
		UPDATE queue SET status = 'pending', attempt = ?, last_error = ?, last_updated_at = ?, next_attempt_at = ?
		WHERE id = ?`,
		attempt, reason, now.Format(time.RFC3339), next.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", id, err)
	}
	return tx.Commit()
}

// backoff returns the retry delay for the given attempt number (1-based):
// base doubled per attempt, capped.
func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// ResetProcessing flips records stuck in processing back to pending.
// Called once at startup: a record left in flight by an unclean shutdown
// becomes dequeue-eligible again (at-least-once delivery).
func (s *Store) ResetProcessing() (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE queue SET status = 'pending', last_updated_at = ? WHERE status = 'processing'`, now)
	if err != nil {
		return 0, fmt.Errorf("resetting processing records: %w", err)
	}
	return res.RowsAffected()
}

// GetQueueRecord returns a single record by ID.
func (s *Store) GetQueueRecord(id string) (QueueRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, url, title, description, source, status, payload, attempt, last_error, first_enqueued_at, last_updated_at, next_attempt_at
		FROM queue WHERE id = ?`, id)
	rec, err := scanQueueRecord(row)
	if err == sql.ErrNoRows {
		return QueueRecord{}, ErrNotFound
	}
	return rec, err
}

// QueueStats summarizes the queue for status reporting.
func (s *Store) QueueStats() (QueueStats, error) {
	var stats QueueStats
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE status = 'pending'`).Scan(&stats.Pending)
	if err != nil {
		return QueueStats{}, fmt.Errorf("counting pending: %w", err)
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE status = 'processing'`).Scan(&stats.Processing)
	if err != nil {
		return QueueStats{}, fmt.Errorf("counting processing: %w", err)
	}

	var next sql.NullString
	err = s.db.QueryRow(`SELECT MIN(next_attempt_at) FROM queue WHERE status = 'pending'`).Scan(&next)
	if err != nil {
		return QueueStats{}, fmt.Errorf("reading next attempt: %w", err)
	}
	if next.Valid {
		t, err := time.Parse(time.RFC3339, next.String)
		if err != nil {
			return QueueStats{}, fmt.Errorf("parsing next_attempt_at: %w", err)
		}
		stats.NextAttemptAt = &t
	}
	return stats, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRecord(row rowScanner) (QueueRecord, error) {
	var rec QueueRecord
	var firstEnqueued, lastUpdated, nextAttempt string
	err := row.Scan(
		&rec.ID, &rec.URL, &rec.Title, &rec.Description, &rec.Source, &rec.Status,
		&rec.Payload, &rec.Attempt, &rec.LastError, &firstEnqueued, &lastUpdated, &nextAttempt,
	)
	if err != nil {
		return QueueRecord{}, err
	}
	if rec.FirstEnqueuedAt, err = time.Parse(time.RFC3339, firstEnqueued); err != nil {
		return QueueRecord{}, fmt.Errorf("parsing first_enqueued_at for %s: %w", rec.ID, err)
	}
	if rec.LastUpdatedAt, err = time.Parse(time.RFC3339, lastUpdated); err != nil {
		return QueueRecord{}, fmt.Errorf("parsing last_updated_at for %s: %w", rec.ID, err)
	}
	if rec.NextAttemptAt, err = time.Parse(time.RFC3339, nextAttempt); err != nil {
		return QueueRecord{}, fmt.Errorf("parsing next_attempt_at for %s: %w", rec.ID, err)
	}
	return rec, nil
}

// counterValue reads an integer setting inside a transaction, defaulting to 0.
func counterValue(tx *sql.Tx, key string) (int64, error) {
	var raw string
	err := tx.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing counter %s: %w", key, err)
	}
	return n, nil
}

func incrementCounter(tx *sql.Tx, key string) error {
	n, err := counterValue(tx, key)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(n+1, 10), now,
	)
	if err != nil {
		return fmt.Errorf("incrementing counter %s: %w", key, err)
	}
	return nil
}
