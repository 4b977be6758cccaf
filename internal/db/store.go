package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/paneflow/internal/model"
	"github.com/g960059/paneflow/internal/resize"
)

var ErrNotFound = errors.New("not found")

// Store is the resize-telemetry history database. The scheduler core
// keeps all of its state in memory; the daemon samples that state each
// frame and writes it here for post-hoc analysis of slow resizes and
// storms. Losing this database loses history only, never scheduling
// correctness.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// FrameSample is one frame's budget accounting as persisted.
type FrameSample struct {
	Frame                uint64
	BudgetUnits          uint32
	EffectiveBudgetUnits uint32
	InputReservedUnits   uint32
	SpentUnits           uint32
	ScheduledPanes       int
	PendingAfter         int
	RecordedAt           time.Time
}

func (s *Store) InsertFrameSample(ctx context.Context, sample FrameSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO frame_samples(frame, budget_units, effective_budget_units, input_reserved_units, spent_units, scheduled_panes, pending_after, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, sample.Frame, sample.BudgetUnits, sample.EffectiveBudgetUnits, sample.InputReservedUnits,
		sample.SpentUnits, sample.ScheduledPanes, sample.PendingAfter, ts(sample.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert frame sample: %w", err)
	}
	return nil
}

// RecentFrameSamples returns up to limit samples, newest first.
func (s *Store) RecentFrameSamples(ctx context.Context, limit int) ([]FrameSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT frame, budget_units, effective_budget_units, input_reserved_units, spent_units, scheduled_panes, pending_after, recorded_at
FROM frame_samples
ORDER BY sample_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query frame samples: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var samples []FrameSample
	for rows.Next() {
		var sample FrameSample
		var recordedAt string
		if err := rows.Scan(&sample.Frame, &sample.BudgetUnits, &sample.EffectiveBudgetUnits,
			&sample.InputReservedUnits, &sample.SpentUnits, &sample.ScheduledPanes,
			&sample.PendingAfter, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan frame sample: %w", err)
		}
		if sample.RecordedAt, err = parseTs(recordedAt); err != nil {
			return nil, fmt.Errorf("parse frame sample time: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// InsertLifecycleEvents persists a batch of scheduler lifecycle events
// inside one transaction.
func (s *Store) InsertLifecycleEvents(ctx context.Context, events []resize.LifecycleEvent, recordedAt time.Time) error {
	if len(events) == 0 {
		return nil
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lifecycle tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, event := range events {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO lifecycle_events(kind, pane_id, intent_seq, phase, at_ms, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
`, string(event.Kind), event.PaneID, event.IntentSeq, string(event.Phase), event.AtMillis, ts(recordedAt)); err != nil {
			return fmt.Errorf("insert lifecycle event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lifecycle tx: %w", err)
	}
	return nil
}

// RecentLifecycleEvents returns up to limit events, newest first.
func (s *Store) RecentLifecycleEvents(ctx context.Context, limit int) ([]resize.LifecycleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, pane_id, intent_seq, phase, at_ms
FROM lifecycle_events
ORDER BY event_rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []resize.LifecycleEvent
	for rows.Next() {
		var event resize.LifecycleEvent
		var kind, phase string
		if err := rows.Scan(&kind, &event.PaneID, &event.IntentSeq, &phase, &event.AtMillis); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		event.Kind = resize.LifecycleEventKind(kind)
		event.Phase = model.ExecutionPhase(phase)
		events = append(events, event)
	}
	return events, rows.Err()
}

// TrimFrameSamples deletes the oldest rows past maxRows.
func (s *Store) TrimFrameSamples(ctx context.Context, maxRows int) error {
	if maxRows <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM frame_samples
WHERE sample_id <= (SELECT COALESCE(MAX(sample_id), 0) FROM frame_samples) - ?
`, maxRows)
	if err != nil {
		return fmt.Errorf("trim frame samples: %w", err)
	}
	return nil
}

// TrimLifecycleEvents deletes the oldest rows past maxRows.
func (s *Store) TrimLifecycleEvents(ctx context.Context, maxRows int) error {
	if maxRows <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM lifecycle_events
WHERE event_rowid <= (SELECT COALESCE(MAX(event_rowid), 0) FROM lifecycle_events) - ?
`, maxRows)
	if err != nil {
		return fmt.Errorf("trim lifecycle events: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTs(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
