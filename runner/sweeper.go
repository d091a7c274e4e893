package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/safemode"
)

// OrderReplayFunc replays one buffered order through the normal intake
// pipeline, returning the ledger order ID it produced.
type OrderReplayFunc func(ctx context.Context, o *safemode.QueuedOrder) (string, error)

// Sweeper periodically re-drives work whose state lives in the store:
// failed jobs whose retry is due, exhausted jobs awaiting dead-letter
// admission, and orders buffered under safe mode. All three sweeps are
// pull-based and idempotent, so a crash between deciding and acting is
// recovered by the next pass.
type Sweeper struct {
	runner     *Runner
	tracker    *retry.Tracker
	dlqService *dlq.Service
	controller *safemode.Controller
	replay     OrderReplayFunc

	interval  time.Duration
	batchSize int
	limiter   *rate.Limiter
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweeper scans the store.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepBatchSize bounds how many records each sweep processes per pass.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithReplayLimit caps the replay rate so a drain burst after a long
// safe-mode episode cannot re-trigger the overload that caused it.
func WithReplayLimit(perSecond float64, burst int) SweeperOption {
	return func(s *Sweeper) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithOrderReplay wires the queued-order drain. Without it the sweeper
// only handles retries and dead-letter admissions.
func WithOrderReplay(controller *safemode.Controller, replay OrderReplayFunc) SweeperOption {
	return func(s *Sweeper) {
		s.controller = controller
		s.replay = replay
	}
}

// NewSweeper creates a Sweeper over the given runner and tracker.
func NewSweeper(runner *Runner, tracker *retry.Tracker, dlqService *dlq.Service, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := backstop.DefaultConfig()
	s := &Sweeper{
		runner:     runner,
		tracker:    tracker,
		dlqService: dlqService,
		interval:   cfg.SweepInterval,
		batchSize:  cfg.SweepBatchSize,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ReplayRate), cfg.ReplayBurst),
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop signals the sweep loop to exit and waits for the current pass.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// SweepOnce runs a single pass of all three sweeps. Exposed so callers
// can drive sweeps on their own schedule or in tests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepRetries(ctx)
	s.sweepDeadLetters(ctx)
	s.drainQueuedOrders(ctx)
}

// sweepRetries re-executes failed jobs whose NextRetryAt has passed.
// Each job is claimed through a storage-level compare-and-set before its
// attempt runs, so concurrent sweepers racing on the same due job never
// execute the same attempt twice.
func (s *Sweeper) sweepRetries(ctx context.Context) {
	jobs, err := s.tracker.ReadyForRetry(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("retry sweep scan failed", slog.String("error", err.Error()))
		return
	}

	for _, j := range jobs {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		won, err := s.tracker.ClaimRetry(ctx, j.ID)
		if err != nil {
			s.logger.Error("retry claim failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !won {
			// Another sweeper claimed it first.
			continue
		}
		attempt := j.AttemptNumber + 1
		if _, err := s.runner.Run(ctx, j, attempt); err != nil {
			s.logger.Info("retried job failed again",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
	}
}

// sweepDeadLetters admits exhausted jobs whose dead-letter admission was
// lost to a crash. The flag swap and the entry's JobID constraint make a
// double admission impossible.
func (s *Sweeper) sweepDeadLetters(ctx context.Context) {
	jobs, err := s.tracker.ReadyForDeadLetter(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("dead-letter sweep scan failed", slog.String("error", err.Error()))
		return
	}

	for _, j := range jobs {
		won, err := s.tracker.MarkDeadLettered(ctx, j.ID)
		if err != nil {
			s.logger.Error("failed to mark job dead-lettered",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !won {
			continue
		}
		if _, err := s.dlqService.Admit(ctx, j); err != nil && !errors.Is(err, backstop.ErrEntryExists) {
			s.logger.Error("failed to admit swept job to dead-letter store",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// drainQueuedOrders replays orders buffered under safe mode through the
// configured replay function, rate-limited. Runs whether or not safe mode
// is still engaged; the buffer drains whenever capacity allows.
func (s *Sweeper) drainQueuedOrders(ctx context.Context) {
	if s.controller == nil || s.replay == nil {
		return
	}

	orders, err := s.controller.DrainQueued(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("queued-order drain scan failed", slog.String("error", err.Error()))
		return
	}

	for _, o := range orders {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.controller.MarkProcessing(ctx, o.ID); err != nil {
			// Another drainer claimed it first.
			continue
		}

		orderID, err := s.replay(ctx, o)
		if err != nil {
			if markErr := s.controller.MarkFailed(ctx, o.ID, err.Error()); markErr != nil {
				s.logger.Error("failed to record drain failure",
					slog.String("queued_order_id", o.ID.String()),
					slog.String("error", markErr.Error()),
				)
			}
			continue
		}
		if err := s.controller.MarkCompleted(ctx, o.ID, orderID); err != nil {
			s.logger.Error("failed to finalize drained order",
				slog.String("queued_order_id", o.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
