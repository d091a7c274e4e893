package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/khaacho/backstop/backoff"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/runner"
	"github.com/khaacho/backstop/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *memory.Store
	reg     *runner.Registry
	tracker *retry.Tracker
	dlqSvc  *dlq.Service
	runner  *runner.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	logger := discardLogger()
	reg := runner.NewRegistry()
	// Millisecond backoff keeps retry tests fast.
	tracker := retry.NewTracker(s, backoff.NewSchedule(time.Millisecond), logger)
	dlqSvc := dlq.NewService(s, logger)
	return &fixture{
		store:   s,
		reg:     reg,
		tracker: tracker,
		dlqSvc:  dlqSvc,
		runner:  runner.NewRunner(reg, tracker, dlqSvc, logger),
	}
}

func TestSubmitSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	runner.RegisterDefinition(f.reg, runner.NewDefinition("greet", func(_ context.Context, _ struct{}) ([]byte, error) {
		return []byte(`done`), nil
	}))

	jobID, res, err := f.runner.Submit(ctx, "orders", "greet", nil, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if string(res.Output) != "done" {
		t.Fatalf("output = %q", res.Output)
	}
	if res.Retrying || res.DeadLettered {
		t.Fatalf("result = %+v, want clean success", res)
	}

	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != retry.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if string(j.Result) != "done" {
		t.Fatalf("stored result = %q", j.Result)
	}
}

func TestSubmitFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	wantErr := errors.New("provider timeout")
	runner.RegisterDefinition(f.reg, runner.NewDefinition("flaky", func(_ context.Context, _ struct{}) ([]byte, error) {
		return nil, wantErr
	}))

	jobID, res, err := f.runner.Submit(ctx, "orders", "flaky", nil, "")
	if !errors.Is(err, wantErr) {
		t.Fatalf("submit error = %v, want handler error", err)
	}
	if !res.Retrying || res.DeadLettered {
		t.Fatalf("result = %+v, want retrying", res)
	}
	if res.NextRetryAt.IsZero() {
		t.Fatal("NextRetryAt not set")
	}

	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != retry.StatusFailed || j.NextRetryAt == nil {
		t.Fatalf("job not awaiting retry: %+v", j)
	}
	if j.LastError() != "provider timeout" {
		t.Fatalf("last error = %q", j.LastError())
	}
}

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	runner.RegisterDefinition(f.reg, runner.NewDefinition("doomed", func(_ context.Context, _ struct{}) ([]byte, error) {
		return nil, errors.New("fatal")
	}))

	jobID, res, _ := f.runner.Submit(ctx, "orders", "doomed", nil, "")
	if !res.Retrying {
		t.Fatalf("attempt 1 should retry, got %+v", res)
	}

	// Drive the remaining attempts the way the sweeper would.
	for attempt := 2; attempt <= 3; attempt++ {
		j, err := f.store.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		res, _ = f.runner.Run(ctx, j, attempt)
	}
	if !res.DeadLettered {
		t.Fatalf("attempt 3 result = %+v, want dead-lettered", res)
	}

	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !j.DeadLettered {
		t.Fatal("job flag not set")
	}

	entries, err := f.dlqSvc.List(ctx, dlq.Filter{}, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	if entries[0].JobID != jobID || entries[0].TotalAttempts != 3 {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestUnknownHandlerCountsAsFailedAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	jobID, res, err := f.runner.Submit(ctx, "orders", "not-registered", nil, "")
	if err == nil {
		t.Fatal("expected error for unregistered handler")
	}
	if !res.Retrying {
		t.Fatalf("result = %+v, want retrying", res)
	}

	j, getErr := f.store.GetJob(ctx, jobID)
	if getErr != nil {
		t.Fatalf("get job: %v", getErr)
	}
	if j.Status != retry.StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
}

type recordingResolver struct {
	completed []string
	failed    []string
}

func (r *recordingResolver) Complete(_ context.Context, key string, _ []byte) {
	r.completed = append(r.completed, key)
}

func (r *recordingResolver) Fail(_ context.Context, key string, _ error) {
	r.failed = append(r.failed, key)
}

func TestKeySettledAtTerminalOutcomeOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resolver := &recordingResolver{}
	f.runner.ResolveKeysWith(resolver)

	fail := true
	runner.RegisterDefinition(f.reg, runner.NewDefinition("toggle", func(_ context.Context, _ struct{}) ([]byte, error) {
		if fail {
			return nil, errors.New("downstream 503")
		}
		return []byte(`ok`), nil
	}))

	// A retrying attempt must leave the key untouched.
	jobID, res, _ := f.runner.Submit(ctx, "orders", "toggle", nil, "key-a")
	if !res.Retrying {
		t.Fatalf("result = %+v, want retrying", res)
	}
	if len(resolver.completed)+len(resolver.failed) != 0 {
		t.Fatalf("key settled during retry window: %+v", resolver)
	}

	// A successful retry completes the key.
	fail = false
	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.IdempotencyKey != "key-a" {
		t.Fatalf("stored key = %q, want key-a", j.IdempotencyKey)
	}
	if _, err := f.runner.Run(ctx, j, 2); err != nil {
		t.Fatalf("retry attempt: %v", err)
	}
	if len(resolver.completed) != 1 || resolver.completed[0] != "key-a" {
		t.Fatalf("completed keys = %v, want [key-a]", resolver.completed)
	}

	// A dead-lettered job fails its key.
	fail = true
	jobID, _, _ = f.runner.Submit(ctx, "orders", "toggle", nil, "key-b")
	j, err = f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	f.runner.Run(ctx, j, 2)
	f.runner.Run(ctx, j, 3)
	if len(resolver.failed) != 1 || resolver.failed[0] != "key-b" {
		t.Fatalf("failed keys = %v, want [key-b]", resolver.failed)
	}
}

func TestDeadLetterAdmitsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	runner.RegisterDefinition(f.reg, runner.NewDefinition("doomed", func(_ context.Context, _ struct{}) ([]byte, error) {
		return nil, errors.New("fatal")
	}))

	jobID, _, _ := f.runner.Submit(ctx, "orders", "doomed", nil, "")
	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}

	// A duplicate failure signal for the exhausted attempt must not
	// produce a second entry.
	for i := 0; i < 2; i++ {
		f.runner.Run(ctx, j, 3)
	}

	n, err := f.dlqSvc.Count(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("dlq entries = %d, want 1", n)
	}
}
