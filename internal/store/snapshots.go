package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/selltide/marketsync/internal/job"
)

// =============================================================================
// Snapshot Operations
// =============================================================================

// SaveSnapshot upserts the durable progress record for a job. Called at every
// heartbeat, so it must stay a single statement.
func (s *Store) SaveSnapshot(ctx context.Context, snap job.Snapshot) error {
	errorsJSON, err := json.Marshal(snap.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode error log: %w", err)
	}

	query := `
		INSERT INTO sync_snapshots (
			job_id, state, total, completed_count, failed_count, processed,
			percent, current_item_id, current_step, retry_at, rate_limit_count,
			retry_attempts, errors, eta_seconds, last_error, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			state            = excluded.state,
			total            = excluded.total,
			completed_count  = excluded.completed_count,
			failed_count     = excluded.failed_count,
			processed        = excluded.processed,
			percent          = excluded.percent,
			current_item_id  = excluded.current_item_id,
			current_step     = excluded.current_step,
			retry_at         = excluded.retry_at,
			rate_limit_count = excluded.rate_limit_count,
			retry_attempts   = excluded.retry_attempts,
			errors           = excluded.errors,
			eta_seconds      = excluded.eta_seconds,
			last_error       = excluded.last_error,
			updated_at       = excluded.updated_at
	`

	_, err = s.ExecContext(ctx, query,
		snap.JobID,
		snap.State,
		snap.Total,
		snap.CompletedCount,
		snap.FailedCount,
		snap.Processed,
		snap.Percent,
		snap.CurrentItemID,
		snap.CurrentStep,
		nullableTime(snap.RetryAt),
		snap.RateLimitCount,
		snap.RetryAttempts,
		string(errorsJSON),
		nullableFloat(snap.ETASeconds),
		snap.LastError,
		snap.CreatedAt,
		snap.UpdatedAt,
	)
	return err
}

// LoadSnapshot retrieves one job's snapshot, (nil, nil) when absent so boot
// recovery can tell "no prior job" from a store failure
func (s *Store) LoadSnapshot(ctx context.Context, jobID string) (*job.Snapshot, error) {
	query := snapshotSelect + " WHERE job_id = ?"

	snap, err := scanSnapshot(s.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// ListSnapshots returns snapshots newest-first, up to limit (0 for all)
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]job.Snapshot, error) {
	query := snapshotSelect + " ORDER BY updated_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []job.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snap)
	}

	return snapshots, rows.Err()
}

// LoadInterrupted returns the most recent non-terminal snapshot, if any. A
// worker that died mid-sync leaves exactly one of these behind.
func (s *Store) LoadInterrupted(ctx context.Context) (*job.Snapshot, error) {
	query := snapshotSelect + `
		WHERE state IN (?, ?)
		ORDER BY updated_at DESC
		LIMIT 1
	`

	snap, err := scanSnapshot(s.QueryRowContext(ctx, query,
		job.StatusRunning.String(), job.StatusPausedRateLimit.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// DeleteSnapshot removes one job's snapshot
func (s *Store) DeleteSnapshot(ctx context.Context, jobID string) error {
	result, err := s.ExecContext(ctx, "DELETE FROM sync_snapshots WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// =============================================================================
// Row Mapping
// =============================================================================

const snapshotSelect = `
	SELECT job_id, state, total, completed_count, failed_count, processed,
	       percent, current_item_id, current_step, retry_at, rate_limit_count,
	       retry_attempts, errors, eta_seconds, last_error, created_at, updated_at
	FROM sync_snapshots
`

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*job.Snapshot, error) {
	var snap job.Snapshot
	var retryAt sql.NullTime
	var eta sql.NullFloat64
	var errorsJSON string

	err := row.Scan(
		&snap.JobID,
		&snap.State,
		&snap.Total,
		&snap.CompletedCount,
		&snap.FailedCount,
		&snap.Processed,
		&snap.Percent,
		&snap.CurrentItemID,
		&snap.CurrentStep,
		&retryAt,
		&snap.RateLimitCount,
		&snap.RetryAttempts,
		&errorsJSON,
		&eta,
		&snap.LastError,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if retryAt.Valid {
		t := retryAt.Time
		snap.RetryAt = &t
	}
	if eta.Valid {
		v := eta.Float64
		snap.ETASeconds = &v
	}
	if errorsJSON != "" && errorsJSON != "[]" {
		if err := json.Unmarshal([]byte(errorsJSON), &snap.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode error log for job %s: %w", snap.JobID, err)
		}
	}

	return &snap, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
