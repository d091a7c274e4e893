package retry

import (
	"context"
	"time"

	"github.com/khaacho/backstop/id"
)

// ListOpts controls pagination for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// Store defines the persistence contract for retryable job records.
type Store interface {
	// UpsertJob creates the record or, if one with the same ID exists,
	// resets it to active with the new StartedAt while preserving attempt
	// counters and error history. Used by Tracker.Start, which must be
	// idempotent under re-invocation.
	UpsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID. Returns backstop.ErrJobNotFound if
	// none exists.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// ListJobsReadyForRetry returns failed jobs whose NextRetryAt is at or
	// before now, oldest-due first, bounded by limit.
	ListJobsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ListJobsReadyForDeadLetter returns failed jobs that exhausted their
	// attempt budget and have not been dead-lettered yet.
	ListJobsReadyForDeadLetter(ctx context.Context, limit int) ([]*Job, error)

	// ClaimJobForRetry atomically claims a due job for its next attempt:
	// if the job is failed, not dead-lettered, and its NextRetryAt is at
	// or before now, the record flips to active with NextRetryAt cleared
	// and StartedAt reset, and the claim returns true. Returns false (no
	// error) when another worker claimed it first or the job is no longer
	// due; backstop.ErrJobNotFound when no such job exists. The flip must
	// be a single storage-level compare-and-set so concurrent sweepers
	// never execute the same attempt twice.
	ClaimJobForRetry(ctx context.Context, jobID id.JobID, now time.Time) (bool, error)

	// MarkJobDeadLettered atomically flips DeadLettered from false to
	// true. Returns false (no error) if the flag was already set, so
	// concurrent sweeps admit each job at most once.
	MarkJobDeadLettered(ctx context.Context, jobID id.JobID) (bool, error)

	// ListJobs returns jobs matching the given status.
	ListJobs(ctx context.Context, status Status, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs with the given status.
	// An empty status counts all jobs.
	CountJobs(ctx context.Context, status Status) (int64, error)
}
