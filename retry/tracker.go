package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/backoff"
	"github.com/khaacho/backstop/id"
)

// DefaultMaxAttempts is the retry budget applied when none is configured.
const DefaultMaxAttempts = 3

// FailResult tells the caller what happens after a failed attempt.
// Exactly one of ShouldRetry and ShouldMoveToDeadLetter is true.
type FailResult struct {
	ShouldRetry            bool
	NextRetryAt            time.Time
	ShouldMoveToDeadLetter bool
}

// Tracker keeps the durable attempt history for asynchronous jobs and
// computes backoff delays. It never executes jobs itself: the job runner
// calls Start/Complete/Fail around each attempt and acts on the result.
type Tracker struct {
	store       Store
	strategy    backoff.Strategy
	maxAttempts int
	logger      *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxAttempts overrides the default attempt budget.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// NewTracker creates a Tracker using the given backoff strategy. Any
// backoff.Strategy works: a fixed Schedule, Constant, Exponential, or
// ExponentialWithJitter. A nil strategy falls back to
// backoff.DefaultSchedule (5s, 15s, 45s).
func NewTracker(store Store, strategy backoff.Strategy, logger *slog.Logger, opts ...Option) *Tracker {
	if strategy == nil {
		strategy = backoff.DefaultSchedule()
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:       store,
		strategy:    strategy,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MaxAttempts returns the tracker's attempt budget.
func (t *Tracker) MaxAttempts() int { return t.maxAttempts }

// StartOption customizes the job record created by Start.
type StartOption func(*Job)

// WithIdempotencyKey attaches the submission's idempotency key to the
// job record so the gate can be settled when the job reaches a terminal
// outcome.
func WithIdempotencyKey(key string) StartOption {
	return func(j *Job) { j.IdempotencyKey = key }
}

// Start upserts the job record to active, resetting StartedAt. Idempotent
// under re-invocation with the same job ID. Bookkeeping write failures are
// logged and swallowed: tracking must never abort the attempt itself.
func (t *Tracker) Start(ctx context.Context, jobID id.JobID, queue, name string, payload []byte, opts ...StartOption) {
	j := &Job{
		Entity:        backstop.NewEntity(),
		ID:            jobID,
		Queue:         queue,
		Name:          name,
		Payload:       payload,
		Status:        StatusActive,
		AttemptNumber: 1,
		MaxAttempts:   t.maxAttempts,
		StartedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if err := t.store.UpsertJob(ctx, j); err != nil {
		t.logger.Error("failed to track job start",
			slog.String("job_id", jobID.String()),
			slog.String("job_name", name),
			slog.String("error", err.Error()),
		)
	}
}

// Complete marks the job completed. Terminal: no further transitions occur.
// Bookkeeping write failures are logged and swallowed.
func (t *Tracker) Complete(ctx context.Context, jobID id.JobID, result []byte, durationMs int64) {
	j, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		t.logger.Error("failed to load job for completion",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Result = result
	j.DurationMs = durationMs
	j.NextRetryAt = nil
	j.UpdatedAt = now

	if err := t.store.UpdateJob(ctx, j); err != nil {
		t.logger.Error("failed to track job completion",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Fail records a failed attempt and decides what happens next. The decision
// is a pure function of (attempt, budget, schedule), so it is returned even
// when persisting the bookkeeping fails — a crashed or failed write is
// recovered later by re-scanning ReadyForRetry.
//
// If attempt < MaxAttempts the job is scheduled for retry after
// schedule.Delay(attempt); otherwise the caller is told to move it to the
// dead-letter store. Dead-lettering itself is left to the caller so the
// job runner controls when the re-submission happens.
func (t *Tracker) Fail(ctx context.Context, jobID id.JobID, jobErr error, attempt int) FailResult {
	now := time.Now().UTC()
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	maxAttempts := t.maxAttempts
	j, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		t.logger.Error("failed to load job for failure tracking",
			slog.String("job_id", jobID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		j = nil
	} else if j.MaxAttempts > 0 {
		maxAttempts = j.MaxAttempts
	}

	result := FailResult{}
	if attempt < maxAttempts {
		result.ShouldRetry = true
		result.NextRetryAt = now.Add(t.strategy.Delay(attempt))
	} else {
		result.ShouldMoveToDeadLetter = true
	}

	if j != nil {
		j.Status = StatusFailed
		j.AttemptNumber = attempt
		j.ErrorHistory = append(j.ErrorHistory, AttemptError{Attempt: attempt, Message: msg, At: now})
		j.UpdatedAt = now
		if result.ShouldRetry {
			next := result.NextRetryAt
			j.NextRetryAt = &next
		} else {
			j.NextRetryAt = nil
		}

		if updateErr := t.store.UpdateJob(ctx, j); updateErr != nil {
			t.logger.Error("failed to track job failure",
				slog.String("job_id", jobID.String()),
				slog.Int("attempt", attempt),
				slog.String("error", updateErr.Error()),
			)
		}
	}

	if result.ShouldRetry {
		t.logger.Info("job scheduled for retry",
			slog.String("job_id", jobID.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Time("next_retry_at", result.NextRetryAt),
		)
	} else {
		t.logger.Warn("job exhausted retry budget",
			slog.String("job_id", jobID.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", msg),
		)
	}

	return result
}

// ReadyForRetry returns failed jobs whose retry is due, oldest-due first,
// bounded by limit for fairness under load.
func (t *Tracker) ReadyForRetry(ctx context.Context, limit int) ([]*Job, error) {
	return t.store.ListJobsReadyForRetry(ctx, time.Now().UTC(), limit)
}

// ClaimRetry claims one due job for re-execution: the store atomically
// flips the record from failed back to active and clears its NextRetryAt,
// so only one of any number of concurrent sweepers wins the attempt.
// Claiming doubles as the Start that precedes every attempt; the failure
// or completion of the attempt writes the next state.
func (t *Tracker) ClaimRetry(ctx context.Context, jobID id.JobID) (bool, error) {
	return t.store.ClaimJobForRetry(ctx, jobID, time.Now().UTC())
}

// ReadyForDeadLetter returns jobs that exhausted their attempt budget and
// have not been dead-lettered yet.
func (t *Tracker) ReadyForDeadLetter(ctx context.Context, limit int) ([]*Job, error) {
	return t.store.ListJobsReadyForDeadLetter(ctx, limit)
}

// MarkDeadLettered flips the job's dead-letter flag exactly once. The
// sweep combines this with the dead-letter store's unique constraint so
// duplicate failure signals cannot double-admit.
func (t *Tracker) MarkDeadLettered(ctx context.Context, jobID id.JobID) (bool, error) {
	return t.store.MarkJobDeadLettered(ctx, jobID)
}
