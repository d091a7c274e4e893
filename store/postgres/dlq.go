package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
)

// ──────────────────────────────────────────────────
// Dead-letter entries
// ──────────────────────────────────────────────────

const entryColumns = `id, job_id, queue, job_name, payload, failure_reason,
	total_attempts, recovery_status, recovery_attempts, max_recovery_attempts,
	priority, admin_notes, assigned_to, last_recovery_attempt_at, recovered_at,
	permanent_failure_reason, failed_at, created_at, updated_at`

// CreateEntry inserts a new dead-letter entry. The unique constraint on
// job_id rejects double admission with backstop.ErrEntryExists.
func (s *Store) CreateEntry(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backstop_dlq_entries
			(id, job_id, queue, job_name, payload, failure_reason, total_attempts,
			 recovery_status, recovery_attempts, max_recovery_attempts, priority,
			 admin_notes, assigned_to, last_recovery_attempt_at, recovered_at,
			 permanent_failure_reason, failed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		entry.ID.String(), entry.JobID.String(), entry.Queue, entry.JobName,
		entry.Payload, entry.FailureReason, entry.TotalAttempts,
		string(entry.RecoveryStatus), entry.RecoveryAttempts,
		entry.MaxRecoveryAttempts, entry.Priority, entry.AdminNotes,
		entry.AssignedTo, entry.LastRecoveryAttemptAt, entry.RecoveredAt,
		entry.PermanentFailureReason, entry.FailedAt,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return backstop.ErrEntryExists
		}
		return fmt.Errorf("backstop/postgres: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a dead-letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM backstop_dlq_entries WHERE id = $1`,
		entryID.String(),
	)
	entry, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backstop.ErrEntryNotFound
		}
		return nil, fmt.Errorf("backstop/postgres: get entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns entries matching the filter, triage order: highest
// priority first, newest first within a priority.
func (s *Store) ListEntries(ctx context.Context, filter dlq.Filter, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	where, args := entryFilter(filter)

	query := `SELECT ` + entryColumns + ` FROM backstop_dlq_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("backstop/postgres: list entries: %w", err)
	}
	return collectEntries(rows)
}

// CountEntries returns the number of entries matching the filter.
func (s *Store) CountEntries(ctx context.Context, filter dlq.Filter) (int64, error) {
	where, args := entryFilter(filter)

	query := `SELECT COUNT(*) FROM backstop_dlq_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("backstop/postgres: count entries: %w", err)
	}
	return count, nil
}

// TryRecoveryAttempt spends one unit of the recovery budget in a single
// guarded UPDATE, so concurrent operators cannot overspend it. A zero-row
// result is classified by re-reading the entry.
func (s *Store) TryRecoveryAttempt(ctx context.Context, entryID id.DLQID, at time.Time) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE backstop_dlq_entries
		SET recovery_attempts = recovery_attempts + 1,
		    last_recovery_attempt_at = $1,
		    updated_at = $1
		WHERE id = $2
		  AND recovery_status = $3
		  AND recovery_attempts < max_recovery_attempts
		RETURNING `+entryColumns,
		at, entryID.String(), string(dlq.RecoveryPending),
	)
	entry, err := scanEntry(row)
	if err == nil {
		return entry, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("backstop/postgres: try recovery attempt: %w", err)
	}

	// The guard rejected the update. Re-read to say why.
	current, getErr := s.GetEntry(ctx, entryID)
	if getErr != nil {
		return nil, getErr
	}
	switch current.RecoveryStatus {
	case dlq.PermanentlyFailed:
		return nil, backstop.ErrEntryTerminal
	case dlq.Recovered:
		return nil, backstop.ErrInvalidState
	default:
		return nil, backstop.ErrRecoveryExhausted
	}
}

// MarkEntryRecovered transitions pending -> recovered.
func (s *Store) MarkEntryRecovered(ctx context.Context, entryID id.DLQID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_dlq_entries
		SET recovery_status = $1, recovered_at = $2, updated_at = $2
		WHERE id = $3 AND recovery_status = $4`,
		string(dlq.Recovered), at, entryID.String(), string(dlq.RecoveryPending),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: mark entry recovered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyEntryMiss(ctx, entryID)
	}
	return nil
}

// MarkEntryPermanentlyFailed transitions pending -> permanently_failed.
func (s *Store) MarkEntryPermanentlyFailed(ctx context.Context, entryID id.DLQID, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_dlq_entries
		SET recovery_status = $1, permanent_failure_reason = $2, updated_at = $3
		WHERE id = $4 AND recovery_status = $5`,
		string(dlq.PermanentlyFailed), reason, at,
		entryID.String(), string(dlq.RecoveryPending),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: mark entry permanently failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyEntryMiss(ctx, entryID)
	}
	return nil
}

// UpdateEntryNotes replaces the entry's admin notes. Valid in any state.
func (s *Store) UpdateEntryNotes(ctx context.Context, entryID id.DLQID, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_dlq_entries SET admin_notes = $1, updated_at = $2 WHERE id = $3`,
		notes, time.Now().UTC(), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: update entry notes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backstop.ErrEntryNotFound
	}
	return nil
}

// AssignEntry sets the operator responsible for the entry.
func (s *Store) AssignEntry(ctx context.Context, entryID id.DLQID, operator string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_dlq_entries SET assigned_to = $1, updated_at = $2 WHERE id = $3`,
		operator, time.Now().UTC(), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: assign entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backstop.ErrEntryNotFound
	}
	return nil
}

// classifyEntryMiss distinguishes a missing entry from one in the wrong
// recovery state after a guarded UPDATE touched zero rows.
func (s *Store) classifyEntryMiss(ctx context.Context, entryID id.DLQID) error {
	current, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if current.RecoveryStatus == dlq.PermanentlyFailed {
		return backstop.ErrEntryTerminal
	}
	return backstop.ErrInvalidState
}

func entryFilter(filter dlq.Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.RecoveryStatus != "" {
		args = append(args, string(filter.RecoveryStatus))
		where = append(where, fmt.Sprintf("recovery_status = $%d", len(args)))
	}
	if filter.Queue != "" {
		args = append(args, filter.Queue)
		where = append(where, fmt.Sprintf("queue = $%d", len(args)))
	}
	if filter.AssignedTo != "" {
		args = append(args, filter.AssignedTo)
		where = append(where, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	return where, args
}

func scanEntry(row rowScanner) (*dlq.Entry, error) {
	var (
		entry    dlq.Entry
		rawID    string
		rawJobID string
		status   string
	)
	err := row.Scan(
		&rawID, &rawJobID, &entry.Queue, &entry.JobName, &entry.Payload,
		&entry.FailureReason, &entry.TotalAttempts, &status,
		&entry.RecoveryAttempts, &entry.MaxRecoveryAttempts, &entry.Priority,
		&entry.AdminNotes, &entry.AssignedTo, &entry.LastRecoveryAttemptAt,
		&entry.RecoveredAt, &entry.PermanentFailureReason, &entry.FailedAt,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.ID, err = id.Parse(rawID)
	if err != nil {
		return nil, err
	}
	entry.JobID, err = id.Parse(rawJobID)
	if err != nil {
		return nil, err
	}
	entry.RecoveryStatus = dlq.RecoveryStatus(status)
	return &entry, nil
}

func collectEntries(rows pgx.Rows) ([]*dlq.Entry, error) {
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("backstop/postgres: scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backstop/postgres: iterate entries: %w", err)
	}
	return entries, nil
}
