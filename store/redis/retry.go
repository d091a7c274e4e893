package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/retry"
)

// UpsertJob creates the job or resets an existing one to active with the
// new StartedAt, preserving attempt counters and error history.
func (s *Store) UpsertJob(ctx context.Context, j *retry.Job) error {
	jID := j.ID.String()
	args := []interface{}{
		jID,
		string(j.Status),
		j.StartedAt.Format(time.RFC3339Nano),
		j.UpdatedAt.Format(time.RFC3339Nano),
	}
	insertArgs, err := jobToArgs(j)
	if err != nil {
		return err
	}

	err = upsertJobScript.Run(ctx, s.client,
		[]string{jobKey(jID), jobIDsKey, retryDueKey},
		append(args, insertArgs...)...,
	).Err()
	if err != nil {
		return fmt.Errorf("backstop/redis: upsert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*retry.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, backstop.ErrJobNotFound
	}
	return mapToJob(vals)
}

// UpdateJob persists changes to an existing job and keeps the retry-due
// index in step: a failed, not yet dead-lettered job with a NextRetryAt
// is scored into the index, anything else is dropped from it.
func (s *Store) UpdateJob(ctx context.Context, j *retry.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("backstop/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return backstop.ErrJobNotFound
	}

	args, err := jobToArgs(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, args...)
	if j.Status == retry.StatusFailed && !j.DeadLettered && j.NextRetryAt != nil {
		pipe.ZAdd(ctx, retryDueKey, goredis.Z{
			Score:  float64(j.NextRetryAt.UnixMilli()),
			Member: jID,
		})
	} else {
		pipe.ZRem(ctx, retryDueKey, jID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backstop/redis: update job: %w", err)
	}
	return nil
}

// ListJobsReadyForRetry reads due job IDs from the retry-due index and
// loads their hashes. Jobs whose hash disappeared are skipped.
func (s *Store) ListJobsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*retry.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, retryDueKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: list jobs ready for retry: %w", err)
	}

	jobs := make([]*retry.Job, 0, len(ids))
	for _, jID := range ids {
		vals, getErr := s.client.HGetAll(ctx, jobKey(jID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		j, convErr := mapToJob(vals)
		if convErr != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListJobsReadyForDeadLetter scans for failed jobs with their attempt
// budget spent that have not been dead-lettered yet.
func (s *Store) ListJobsReadyForDeadLetter(ctx context.Context, limit int) ([]*retry.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: list jobs ready for dead letter: %w", err)
	}

	var jobs []*retry.Job
	for _, jID := range ids {
		vals, getErr := s.client.HGetAll(ctx, jobKey(jID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		j, convErr := mapToJob(vals)
		if convErr != nil {
			continue
		}
		if j.Status != retry.StatusFailed || j.DeadLettered || j.AttemptNumber < j.MaxAttempts {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt) })
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ClaimJobForRetry claims a due job via a Lua guard: the script checks
// the retry-due score, the status, and the dead-letter flag, then flips
// the job to active and drops it from the index in the same round trip,
// so concurrent sweepers get exactly one winner.
func (s *Store) ClaimJobForRetry(ctx context.Context, jobID id.JobID, now time.Time) (bool, error) {
	jID := jobID.String()
	res, err := claimRetryScript.Run(ctx, s.client,
		[]string{jobKey(jID), retryDueKey},
		jID,
		strconv.FormatInt(now.UnixMilli(), 10),
		now.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("backstop/redis: claim job for retry: %w", err)
	}
	if res == -1 {
		return false, backstop.ErrJobNotFound
	}
	return res == 1, nil
}

// MarkJobDeadLettered flips the dead-letter flag exactly once.
func (s *Store) MarkJobDeadLettered(ctx context.Context, jobID id.JobID) (bool, error) {
	jID := jobID.String()
	res, err := flipDeadLetteredScript.Run(ctx, s.client,
		[]string{jobKey(jID), retryDueKey},
		jID, time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("backstop/redis: mark job dead lettered: %w", err)
	}
	if res == -1 {
		return false, backstop.ErrJobNotFound
	}
	return res == 1, nil
}

// ListJobs returns jobs matching the given status.
func (s *Store) ListJobs(ctx context.Context, status retry.Status, opts retry.ListOpts) ([]*retry.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: list jobs: %w", err)
	}

	var jobs []*retry.Job
	for _, jID := range ids {
		vals, getErr := s.client.HGetAll(ctx, jobKey(jID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		j, convErr := mapToJob(vals)
		if convErr != nil {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs with the given status. An empty
// status counts all jobs.
func (s *Store) CountJobs(ctx context.Context, status retry.Status) (int64, error) {
	if status == "" {
		count, err := s.client.SCard(ctx, jobIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("backstop/redis: count jobs: %w", err)
		}
		return count, nil
	}

	jobs, err := s.ListJobs(ctx, status, retry.ListOpts{})
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

// ── helpers ──

func jobToArgs(j *retry.Job) ([]interface{}, error) {
	history, err := json.Marshal(j.ErrorHistory)
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: marshal error history: %w", err)
	}

	deadLettered := "0"
	if j.DeadLettered {
		deadLettered = "1"
	}
	nextRetryAt := ""
	if j.NextRetryAt != nil {
		nextRetryAt = j.NextRetryAt.Format(time.RFC3339Nano)
	}
	completedAt := ""
	if j.CompletedAt != nil {
		completedAt = j.CompletedAt.Format(time.RFC3339Nano)
	}

	return []interface{}{
		"id", j.ID.String(),
		"queue", j.Queue,
		"name", j.Name,
		"payload", string(j.Payload),
		"status", string(j.Status),
		"idempotency_key", j.IdempotencyKey,
		"attempt_number", strconv.Itoa(j.AttemptNumber),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"next_retry_at", nextRetryAt,
		"error_history", string(history),
		"dead_lettered", deadLettered,
		"started_at", j.StartedAt.Format(time.RFC3339Nano),
		"completed_at", completedAt,
		"duration_ms", strconv.FormatInt(j.DurationMs, 10),
		"result", string(j.Result),
		"created_at", j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", j.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func mapToJob(m map[string]string) (*retry.Job, error) {
	jID, err := id.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: parse job id: %w", err)
	}

	attemptNumber, _ := strconv.Atoi(m["attempt_number"])         //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])             //nolint:errcheck // best-effort parse from trusted Redis data
	durationMs, _ := strconv.ParseInt(m["duration_ms"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data
	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &retry.Job{
		ID:             jID,
		Queue:          m["queue"],
		Name:           m["name"],
		Status:         retry.Status(m["status"]),
		IdempotencyKey: m["idempotency_key"],
		AttemptNumber:  attemptNumber,
		MaxAttempts:    maxAttempts,
		DeadLettered:   m["dead_lettered"] == "1",
		StartedAt:      startedAt,
		DurationMs:     durationMs,
	}
	j.CreatedAt = createdAt
	j.UpdatedAt = updatedAt

	if v := m["payload"]; v != "" {
		j.Payload = []byte(v)
	}
	if v := m["result"]; v != "" {
		j.Result = []byte(v)
	}
	if v := m["next_retry_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.NextRetryAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["error_history"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &j.ErrorHistory); err != nil {
			return nil, fmt.Errorf("backstop/redis: unmarshal error history: %w", err)
		}
	}
	return j, nil
}
