package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/idempotency"
)

// ──────────────────────────────────────────────────
// Idempotency records
// ──────────────────────────────────────────────────

const idempotencyColumns = `id, key, owner, status, cached_response, last_error,
	completed_at, created_at, updated_at`

// CreateRecord inserts a new idempotency record. The unique constraint on
// key picks the admission winner; losers get backstop.ErrRecordExists.
func (s *Store) CreateRecord(ctx context.Context, rec *idempotency.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backstop_idempotency_records
			(id, key, owner, status, cached_response, last_error, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID.String(), rec.Key, rec.Owner, string(rec.Status),
		rec.CachedResponse, rec.LastError, rec.CompletedAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return backstop.ErrRecordExists
		}
		return fmt.Errorf("backstop/postgres: create record: %w", err)
	}
	return nil
}

// GetRecord retrieves an idempotency record by key.
func (s *Store) GetRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM backstop_idempotency_records WHERE key = $1`,
		key,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backstop.ErrRecordNotFound
		}
		return nil, fmt.Errorf("backstop/postgres: get record: %w", err)
	}
	return rec, nil
}

// MarkRecordCompleted transitions processing -> completed and caches the
// response. The WHERE clause is the state guard: zero rows means the
// record is missing or not processing.
func (s *Store) MarkRecordCompleted(ctx context.Context, key string, response []byte) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_idempotency_records
		SET status = $1, cached_response = $2, completed_at = $3, updated_at = $3
		WHERE key = $4 AND status = $5`,
		string(idempotency.StatusCompleted), response, now,
		key, string(idempotency.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: mark record completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyRecordMiss(ctx, key)
	}
	return nil
}

// MarkRecordFailed transitions processing -> failed with the error detail.
func (s *Store) MarkRecordFailed(ctx context.Context, key string, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_idempotency_records
		SET status = $1, last_error = $2, updated_at = $3
		WHERE key = $4 AND status = $5`,
		string(idempotency.StatusFailed), errMsg, now,
		key, string(idempotency.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: mark record failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyRecordMiss(ctx, key)
	}
	return nil
}

// ResetForRetry atomically swaps failed -> processing. RowsAffected tells
// the caller whether it won the swap; a loss is not an error.
func (s *Store) ResetForRetry(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_idempotency_records
		SET status = $1, cached_response = NULL, last_error = '', updated_at = $2
		WHERE key = $3 AND status = $4`,
		string(idempotency.StatusProcessing), now,
		key, string(idempotency.StatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("backstop/postgres: reset for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeCompletedRecords deletes completed records created before the cutoff.
func (s *Store) PurgeCompletedRecords(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM backstop_idempotency_records
		WHERE status = $1 AND created_at < $2`,
		string(idempotency.StatusCompleted), before,
	)
	if err != nil {
		return 0, fmt.Errorf("backstop/postgres: purge completed records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// classifyRecordMiss distinguishes a missing record from one in the wrong
// state after a guarded UPDATE touched zero rows.
func (s *Store) classifyRecordMiss(ctx context.Context, key string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM backstop_idempotency_records WHERE key = $1)`,
		key,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("backstop/postgres: classify record miss: %w", err)
	}
	if !exists {
		return backstop.ErrRecordNotFound
	}
	return backstop.ErrInvalidState
}

func scanRecord(row rowScanner) (*idempotency.Record, error) {
	var (
		rec    idempotency.Record
		rawID  string
		status string
	)
	err := row.Scan(
		&rawID, &rec.Key, &rec.Owner, &status, &rec.CachedResponse,
		&rec.LastError, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ID, err = id.Parse(rawID)
	if err != nil {
		return nil, err
	}
	rec.Status = idempotency.Status(status)
	return &rec, nil
}
