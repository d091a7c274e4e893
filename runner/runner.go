package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/middleware"
	"github.com/khaacho/backstop/retry"
)

// Result summarizes one executed attempt.
type Result struct {
	// Output is the handler's result bytes on success.
	Output []byte
	// Retrying is true when the attempt failed and a retry was scheduled.
	Retrying bool
	// NextRetryAt is when the next attempt becomes due, set iff Retrying.
	NextRetryAt time.Time
	// DeadLettered is true when the attempt failed with the budget spent
	// and the job was admitted to the dead-letter store.
	DeadLettered bool
}

// KeyResolver settles the idempotency key attached to a job once the job
// reaches a terminal outcome. Both methods are best-effort bookkeeping,
// matching the gate's Complete and Fail.
type KeyResolver interface {
	Complete(ctx context.Context, key string, response []byte)
	Fail(ctx context.Context, key string, opErr error)
}

// Runner executes job attempts: it resolves the registered handler, runs
// it through the middleware chain, and drives the tracker and dead-letter
// store around the outcome. It holds no queue of its own; due retries are
// re-driven by the Sweeper from the store.
type Runner struct {
	registry   *Registry
	tracker    *retry.Tracker
	dlqService *dlq.Service
	resolver   KeyResolver
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewRunner creates a Runner. The middleware chain is applied outermost
// first around every attempt.
func NewRunner(
	registry *Registry,
	tracker *retry.Tracker,
	dlqService *dlq.Service,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:   registry,
		tracker:    tracker,
		dlqService: dlqService,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// ResolveKeysWith makes the runner settle each job's idempotency key at
// its terminal outcome: Complete when an attempt succeeds, Fail when the
// job is dead-lettered. While the job retries the key stays locked, so a
// resubmission under the same key is blocked instead of spawning a
// second job. Must be called before any attempt runs.
func (r *Runner) ResolveKeysWith(resolver KeyResolver) { r.resolver = resolver }

// Submit starts a brand-new job and executes its first attempt
// synchronously. idemKey is the idempotency key this job was admitted
// under; empty when the submission was not gated. The returned Result
// reports how the attempt ended; the handler's error, if any, is
// returned alongside it.
func (r *Runner) Submit(ctx context.Context, queue, name string, payload []byte, idemKey string) (id.JobID, Result, error) {
	jobID := id.NewJobID()
	r.tracker.Start(ctx, jobID, queue, name, payload, retry.WithIdempotencyKey(idemKey))
	j := &retry.Job{
		ID:             jobID,
		Queue:          queue,
		Name:           name,
		Payload:        payload,
		IdempotencyKey: idemKey,
	}
	res, err := r.Run(ctx, j, 1)
	return jobID, res, err
}

// Run executes one attempt of the given job. For attempt 1 the record was
// already created by Submit; retry attempts come from the Sweeper with
// the job as loaded from the store. The attempt outcome is written
// through the tracker: success is terminal, failure either schedules a
// retry or admits the job to the dead-letter store, exactly once.
func (r *Runner) Run(ctx context.Context, j *retry.Job, attempt int) (Result, error) {
	j.AttemptNumber = attempt

	handler, ok := r.registry.Get(j.Name)
	if !ok {
		err := fmt.Errorf("no handler registered for job %q", j.Name)
		return r.handleFailure(ctx, j, attempt, err), err
	}

	start := time.Now()

	var output []byte
	terminal := func(ctx context.Context) error {
		out, err := handler(ctx, j.Payload)
		output = out
		return err
	}

	err := r.mw(ctx, j, terminal)
	if err != nil {
		return r.handleFailure(ctx, j, attempt, err), err
	}

	r.tracker.Complete(ctx, j.ID, output, time.Since(start).Milliseconds())
	if r.resolver != nil && j.IdempotencyKey != "" {
		r.resolver.Complete(ctx, j.IdempotencyKey, output)
	}
	return Result{Output: output}, nil
}

// handleFailure records the failed attempt and acts on the tracker's
// decision: schedule nothing further (the Sweeper picks up due retries
// from the store, and the idempotency key stays locked meanwhile) or
// admit the job to the dead-letter store and fail the key.
func (r *Runner) handleFailure(ctx context.Context, j *retry.Job, attempt int, attemptErr error) Result {
	decision := r.tracker.Fail(ctx, j.ID, attemptErr, attempt)

	if decision.ShouldRetry {
		return Result{Retrying: true, NextRetryAt: decision.NextRetryAt}
	}

	dl := *j
	dl.Status = retry.StatusFailed
	dl.AttemptNumber = attempt
	dl.ErrorHistory = append(append([]retry.AttemptError(nil), j.ErrorHistory...),
		retry.AttemptError{Attempt: attempt, Message: attemptErr.Error(), At: time.Now().UTC()},
	)
	r.deadLetter(ctx, &dl)
	if r.resolver != nil && j.IdempotencyKey != "" {
		r.resolver.Fail(ctx, j.IdempotencyKey, attemptErr)
	}
	return Result{DeadLettered: true}
}

// deadLetter admits an exhausted job to the dead-letter store at most
// once: the tracker's flag swap picks a single winner and the store's
// unique constraint backstops a duplicate admission from a lost flag.
func (r *Runner) deadLetter(ctx context.Context, j *retry.Job) {
	won, err := r.tracker.MarkDeadLettered(ctx, j.ID)
	if err != nil {
		r.logger.Error("failed to mark job dead-lettered",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		// Fall through: the admission below is still deduplicated by the
		// store's JobID constraint, and the sweep will retry the flag.
	} else if !won {
		return
	}

	if _, err := r.dlqService.Admit(ctx, j); err != nil && !errors.Is(err, backstop.ErrEntryExists) {
		r.logger.Error("failed to admit job to dead-letter store",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
	}
}
