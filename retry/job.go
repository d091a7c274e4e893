package retry

import (
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
)

// Status represents the lifecycle state of a tracked job.
type Status string

const (
	// StatusActive means an attempt is currently executing.
	StatusActive Status = "active"
	// StatusCompleted means the job finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the last attempt failed. The job is either
	// waiting for its NextRetryAt or, with the budget exhausted, for
	// dead-lettering.
	StatusFailed Status = "failed"
)

// AttemptError is one entry in a job's append-only error history.
type AttemptError struct {
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is the durable record of one asynchronous job's attempt history.
// It is the source of truth for retry scheduling: a crash between
// "decide to retry" and "actually re-enqueue" is recovered by re-scanning
// ready jobs, not by trusting any in-memory queue.
type Job struct {
	backstop.Entity

	ID      id.JobID `json:"id"`
	Queue   string   `json:"queue"`
	Name    string   `json:"name"`
	Payload []byte   `json:"payload"`
	Status  Status   `json:"status"`

	// IdempotencyKey is the submission key this job was admitted under,
	// if any. The key stays locked while the job retries and is settled
	// at the job's terminal outcome, so a resubmission during the retry
	// window is blocked instead of spawning a second job.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// AttemptNumber is 1-based and strictly increasing within one job.
	AttemptNumber int `json:"attempt_number"`
	MaxAttempts   int `json:"max_attempts"`

	// NextRetryAt gates when the next attempt becomes due. Nil when the
	// job is not awaiting retry.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// ErrorHistory is append-only, one entry per failed attempt.
	ErrorHistory []AttemptError `json:"error_history,omitempty"`

	// DeadLettered is set once the job has been admitted to the
	// dead-letter store, making the sweep idempotent.
	DeadLettered bool `json:"dead_lettered"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Result      []byte     `json:"result,omitempty"`
}

// LastError returns the most recent error message, or "" if none.
func (j *Job) LastError() string {
	if len(j.ErrorHistory) == 0 {
		return ""
	}
	return j.ErrorHistory[len(j.ErrorHistory)-1].Message
}
