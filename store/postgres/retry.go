package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/retry"
)

// ──────────────────────────────────────────────────
// Retry jobs
// ──────────────────────────────────────────────────

const jobColumns = `id, queue, name, payload, status, idempotency_key,
	attempt_number, max_attempts, next_retry_at, error_history, dead_lettered,
	started_at, completed_at, duration_ms, result, created_at, updated_at`

// UpsertJob inserts the job or, if the ID already exists, resets it to
// active with the new StartedAt. Attempt counters and error history are
// deliberately left alone on conflict so Tracker.Start stays idempotent.
func (s *Store) UpsertJob(ctx context.Context, j *retry.Job) error {
	history, err := json.Marshal(j.ErrorHistory)
	if err != nil {
		return fmt.Errorf("backstop/postgres: marshal error history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO backstop_jobs
			(id, queue, name, payload, status, idempotency_key,
			 attempt_number, max_attempts, next_retry_at, error_history,
			 dead_lettered, started_at, completed_at, duration_ms, result,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			started_at    = EXCLUDED.started_at,
			next_retry_at = NULL,
			updated_at    = EXCLUDED.updated_at`,
		j.ID.String(), j.Queue, j.Name, j.Payload, string(j.Status),
		j.IdempotencyKey, j.AttemptNumber, j.MaxAttempts, j.NextRetryAt,
		history, j.DeadLettered, j.StartedAt, j.CompletedAt, j.DurationMs,
		j.Result, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: upsert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*retry.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM backstop_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backstop.ErrJobNotFound
		}
		return nil, fmt.Errorf("backstop/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *retry.Job) error {
	history, err := json.Marshal(j.ErrorHistory)
	if err != nil {
		return fmt.Errorf("backstop/postgres: marshal error history: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_jobs SET
			queue           = $1,
			name            = $2,
			payload         = $3,
			status          = $4,
			idempotency_key = $5,
			attempt_number  = $6,
			max_attempts    = $7,
			next_retry_at   = $8,
			error_history   = $9,
			dead_lettered   = $10,
			started_at      = $11,
			completed_at    = $12,
			duration_ms     = $13,
			result          = $14,
			updated_at      = $15
		WHERE id = $16`,
		j.Queue, j.Name, j.Payload, string(j.Status), j.IdempotencyKey,
		j.AttemptNumber, j.MaxAttempts, j.NextRetryAt, history,
		j.DeadLettered, j.StartedAt, j.CompletedAt, j.DurationMs, j.Result,
		time.Now().UTC(), j.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backstop.ErrJobNotFound
	}
	return nil
}

// ListJobsReadyForRetry returns failed jobs whose retry time has arrived,
// oldest-due first. The partial index on next_retry_at keeps this cheap.
func (s *Store) ListJobsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*retry.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM backstop_jobs
		WHERE status = $1
		  AND dead_lettered = FALSE
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3`,
		string(retry.StatusFailed), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("backstop/postgres: list jobs ready for retry: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsReadyForDeadLetter returns failed jobs with their attempt budget
// spent that have not yet been dead-lettered.
func (s *Store) ListJobsReadyForDeadLetter(ctx context.Context, limit int) ([]*retry.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM backstop_jobs
		WHERE status = $1
		  AND dead_lettered = FALSE
		  AND attempt_number >= max_attempts
		ORDER BY updated_at ASC
		LIMIT $2`,
		string(retry.StatusFailed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("backstop/postgres: list jobs ready for dead letter: %w", err)
	}
	return collectJobs(rows)
}

// ClaimJobForRetry flips a due failed job to active with one guarded
// UPDATE: the WHERE clause is the compare, the row count is the verdict,
// so two sweepers racing on the same job get exactly one winner.
func (s *Store) ClaimJobForRetry(ctx context.Context, jobID id.JobID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_jobs
		SET status = $1, next_retry_at = NULL, started_at = $2, updated_at = $2
		WHERE id = $3
		  AND status = $4
		  AND dead_lettered = FALSE
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $2`,
		string(retry.StatusActive), now, jobID.String(), string(retry.StatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("backstop/postgres: claim job for retry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM backstop_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("backstop/postgres: claim job for retry: %w", err)
	}
	if !exists {
		return false, backstop.ErrJobNotFound
	}
	return false, nil
}

// MarkJobDeadLettered flips the dead_lettered flag false -> true. The
// guarded UPDATE makes the flip a compare-and-set, so among concurrent
// sweeps exactly one caller sees true.
func (s *Store) MarkJobDeadLettered(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_jobs
		SET dead_lettered = TRUE, updated_at = $1
		WHERE id = $2 AND dead_lettered = FALSE`,
		time.Now().UTC(), jobID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("backstop/postgres: mark job dead lettered: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM backstop_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("backstop/postgres: mark job dead lettered: %w", err)
	}
	if !exists {
		return false, backstop.ErrJobNotFound
	}
	return false, nil
}

// ListJobs returns jobs matching the given status.
func (s *Store) ListJobs(ctx context.Context, status retry.Status, opts retry.ListOpts) ([]*retry.Job, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		args = append(args, string(status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Queue != "" {
		args = append(args, opts.Queue)
		where = append(where, fmt.Sprintf("queue = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM backstop_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
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
		return nil, fmt.Errorf("backstop/postgres: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobs returns the number of jobs with the given status. An empty
// status counts all jobs.
func (s *Store) CountJobs(ctx context.Context, status retry.Status) (int64, error) {
	var (
		count int64
		err   error
	)
	if status == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM backstop_jobs`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM backstop_jobs WHERE status = $1`,
			string(status),
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("backstop/postgres: count jobs: %w", err)
	}
	return count, nil
}

func scanJob(row rowScanner) (*retry.Job, error) {
	var (
		j       retry.Job
		rawID   string
		status  string
		history []byte
	)
	err := row.Scan(
		&rawID, &j.Queue, &j.Name, &j.Payload, &status, &j.IdempotencyKey,
		&j.AttemptNumber, &j.MaxAttempts, &j.NextRetryAt, &history,
		&j.DeadLettered, &j.StartedAt, &j.CompletedAt, &j.DurationMs,
		&j.Result, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ID, err = id.Parse(rawID)
	if err != nil {
		return nil, err
	}
	j.Status = retry.Status(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.ErrorHistory); err != nil {
			return nil, fmt.Errorf("unmarshal error history: %w", err)
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*retry.Job, error) {
	defer rows.Close()

	var jobs []*retry.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("backstop/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backstop/postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}
