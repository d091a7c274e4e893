package intake_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/khaacho/backstop/backoff"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/idempotency"
	"github.com/khaacho/backstop/intake"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/runner"
	"github.com/khaacho/backstop/safemode"
	"github.com/khaacho/backstop/store/memory"
)

type fixture struct {
	store      *memory.Store
	reg        *runner.Registry
	tracker    *retry.Tracker
	dlqSvc     *dlq.Service
	runner     *runner.Runner
	controller *safemode.Controller
	pipeline   *intake.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := runner.NewRegistry()
	tracker := retry.NewTracker(s, backoff.NewSchedule(time.Millisecond), logger)
	dlqSvc := dlq.NewService(s, logger)
	r := runner.NewRunner(reg, tracker, dlqSvc, logger)
	gate := idempotency.NewGate(s, logger)
	controller := safemode.NewController(s, logger, safemode.WithCacheTTL(time.Nanosecond))

	return &fixture{
		store:      s,
		reg:        reg,
		tracker:    tracker,
		dlqSvc:     dlqSvc,
		runner:     r,
		controller: controller,
		pipeline:   intake.NewPipeline(controller, gate, r, logger),
	}
}

// sweepRetries waits out the millisecond backoff and runs one sweep pass,
// the way the background sweeper drives due retries.
func (f *fixture) sweepRetries(ctx context.Context) {
	time.Sleep(5 * time.Millisecond)
	sw := runner.NewSweeper(f.runner, f.tracker, f.dlqSvc, slog.New(slog.NewTextHandler(io.Discard, nil)),
		runner.WithSweepBatchSize(10))
	sw.SweepOnce(ctx)
}

func orderMsg(key string) intake.OrderMessage {
	return intake.OrderMessage{
		IdempotencyKey: key,
		RetailerID:     "retailer-1",
		JobName:        "process-order",
		Payload:        json.RawMessage(`{"order_ref":"ord-7"}`),
	}
}

func registerEcho(f *fixture) *int {
	calls := 0
	runner.RegisterDefinition(f.reg, runner.NewDefinition("process-order",
		func(_ context.Context, p map[string]any) ([]byte, error) {
			calls++
			return []byte(`{"applied":true}`), nil
		}))
	return &calls
}

func TestSubmitAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	calls := registerEcho(f)

	res, err := f.pipeline.Submit(context.Background(), orderMsg("k-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != intake.StatusAccepted {
		t.Fatalf("status = %s, want accepted", res.Status)
	}
	if string(res.Response) != `{"applied":true}` {
		t.Fatalf("response = %q", res.Response)
	}
	if *calls != 1 {
		t.Fatalf("handler calls = %d, want 1", *calls)
	}
}

func TestSubmitReplaysDuplicateKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	calls := registerEcho(f)
	ctx := context.Background()

	if _, err := f.pipeline.Submit(ctx, orderMsg("k-1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	res, err := f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Status != intake.StatusReplayed {
		t.Fatalf("status = %s, want replayed", res.Status)
	}
	if string(res.Response) != `{"applied":true}` {
		t.Fatalf("replayed response = %q", res.Response)
	}
	if *calls != 1 {
		t.Fatalf("handler calls = %d, want exactly 1 execution", *calls)
	}
}

func TestSubmitRequiresKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	registerEcho(f)

	msg := orderMsg("")
	if _, err := f.pipeline.Submit(context.Background(), msg); err == nil {
		t.Fatal("expected error for missing idempotency key")
	}
}

func TestSubmitKeyStaysLockedAcrossRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Fails once, then applies. applied counts ledger applications: a
	// single logical order must never apply twice, no matter how the
	// retry and resubmission interleave.
	applied := 0
	attempts := 0
	runner.RegisterDefinition(f.reg, runner.NewDefinition("process-order",
		func(_ context.Context, _ map[string]any) ([]byte, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("ledger unavailable")
			}
			applied++
			return []byte(`{"applied":true}`), nil
		}))

	res, err := f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != intake.StatusAccepted {
		t.Fatalf("status = %s, want accepted despite failed attempt", res.Status)
	}
	jobID := res.JobID

	// A resubmission while the retry is pending must be blocked, not
	// admitted as a second job.
	res, err = f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil {
		t.Fatalf("resubmit during retry window: %v", err)
	}
	if res.Status != intake.StatusDuplicate {
		t.Fatalf("resubmit status = %s, want duplicate while job retries", res.Status)
	}

	// The retry succeeds and settles the key with the job's result.
	f.sweepRetries(ctx)
	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != retry.StatusCompleted {
		t.Fatalf("job status = %s, want completed after sweep", j.Status)
	}

	res, err = f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
	if res.Status != intake.StatusReplayed {
		t.Fatalf("resubmit status = %s, want replayed", res.Status)
	}
	if string(res.Response) != `{"applied":true}` {
		t.Fatalf("replayed response = %q", res.Response)
	}

	if applied != 1 {
		t.Fatalf("ledger applications = %d, want exactly 1", applied)
	}
}

func TestDeadLetteredJobUnlocksKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	broken := true
	runner.RegisterDefinition(f.reg, runner.NewDefinition("process-order",
		func(_ context.Context, _ map[string]any) ([]byte, error) {
			if broken {
				return nil, errors.New("ledger rejected")
			}
			return []byte(`{"applied":true}`), nil
		}))

	res, err := f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID := res.JobID

	// Burn through the remaining attempts until the job dead-letters.
	f.sweepRetries(ctx)
	f.sweepRetries(ctx)

	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !j.DeadLettered {
		t.Fatalf("job not dead-lettered after exhausting attempts: %+v", j)
	}
	n, err := f.dlqSvc.Count(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("dlq entries = %d, want 1", n)
	}

	// Dead-lettering fails the key, so a corrected resubmission starts a
	// fresh job instead of being refused forever.
	broken = false
	res, err = f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil {
		t.Fatalf("resubmit after dead-letter: %v", err)
	}
	if res.Status != intake.StatusAccepted {
		t.Fatalf("resubmit status = %s, want accepted", res.Status)
	}
	if string(res.Response) != `{"applied":true}` {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestSubmitBufferedUnderSafeMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	registerEcho(f)
	ctx := context.Background()

	if err := f.controller.Enable(ctx, "ops", safemode.EnableOptions{}); err != nil {
		t.Fatalf("enable: %v", err)
	}

	res, err := f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != intake.StatusBuffered {
		t.Fatalf("status = %s, want buffered", res.Status)
	}
	if res.Message != safemode.DefaultMessage {
		t.Fatalf("message = %q", res.Message)
	}

	// The buffered order must not have consumed the idempotency key.
	if _, err := f.store.GetRecord(ctx, "k-1"); err == nil {
		t.Fatal("idempotency key consumed by buffered order")
	}
}

func TestReplayQueuedWalksGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	calls := registerEcho(f)
	ctx := context.Background()

	if err := f.controller.Enable(ctx, "ops", safemode.EnableOptions{}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	res, err := f.pipeline.Submit(ctx, orderMsg("k-1"))
	if err != nil || res.Status != intake.StatusBuffered {
		t.Fatalf("submit = %+v, %v", res, err)
	}
	if _, err := f.controller.Disable(ctx, "ops"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	o, err := f.store.GetQueuedOrder(ctx, res.QueuedOrderID)
	if err != nil {
		t.Fatalf("get queued order: %v", err)
	}

	orderID, err := f.pipeline.ReplayQueued(ctx, o)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if orderID == "" {
		t.Fatal("replay returned no order ID")
	}
	if *calls != 1 {
		t.Fatalf("handler calls = %d, want 1", *calls)
	}

	// Replaying the same buffered order again hits the cached outcome.
	orderID, err = f.pipeline.ReplayQueued(ctx, o)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if orderID != "" {
		t.Fatalf("second replay order ID = %q, want empty (cached)", orderID)
	}
	if *calls != 1 {
		t.Fatalf("handler calls = %d, want still 1", *calls)
	}
}

func TestEndToEndDrainAfterEpisode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	calls := registerEcho(f)
	ctx := context.Background()

	if err := f.controller.Enable(ctx, "ops", safemode.EnableOptions{}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	keys := []string{"k-1", "k-2", "k-3"}
	for _, k := range keys {
		res, err := f.pipeline.Submit(ctx, orderMsg(k))
		if err != nil || res.Status != intake.StatusBuffered {
			t.Fatalf("submit %s = %+v, %v", k, res, err)
		}
	}
	stats, err := f.controller.Disable(ctx, "ops")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if stats.OrdersQueued != 3 {
		t.Fatalf("stats = %+v, want 3 queued", stats)
	}

	// Drain the buffer through the pipeline the way the sweeper does.
	orders, err := f.controller.DrainQueued(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, o := range orders {
		if err := f.controller.MarkProcessing(ctx, o.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		orderID, err := f.pipeline.ReplayQueued(ctx, o)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if err := f.controller.MarkCompleted(ctx, o.ID, orderID); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	if *calls != 3 {
		t.Fatalf("handler calls = %d, want 3", *calls)
	}
	remaining, err := f.controller.DrainQueued(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining = %d, want 0", len(remaining))
	}
}
