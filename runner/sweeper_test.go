package runner_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/runner"
	"github.com/khaacho/backstop/safemode"
)

func newSweeper(f *fixture, opts ...runner.SweeperOption) *runner.Sweeper {
	opts = append([]runner.SweeperOption{runner.WithSweepBatchSize(10)}, opts...)
	return runner.NewSweeper(f.runner, f.tracker, f.dlqSvc, discardLogger(), opts...)
}

func TestSweepRetriesDueJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Fails once, then succeeds.
	calls := 0
	runner.RegisterDefinition(f.reg, runner.NewDefinition("eventually-ok", func(_ context.Context, _ struct{}) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("first attempt fails")
		}
		return []byte(`recovered`), nil
	}))

	jobID, res, _ := f.runner.Submit(ctx, "orders", "eventually-ok", nil, "")
	if !res.Retrying {
		t.Fatalf("attempt 1 result = %+v, want retrying", res)
	}

	// Wait out the millisecond backoff, then sweep.
	time.Sleep(5 * time.Millisecond)
	newSweeper(f).SweepOnce(ctx)

	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != retry.StatusCompleted {
		t.Fatalf("status = %s, want completed after sweep", j.Status)
	}
	if string(j.Result) != "recovered" {
		t.Fatalf("result = %q", j.Result)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestConcurrentSweepsRunAttemptOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	runner.RegisterDefinition(f.reg, runner.NewDefinition("eventually-ok", func(_ context.Context, _ struct{}) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first attempt fails")
		}
		return []byte(`recovered`), nil
	}))

	jobID, res, _ := f.runner.Submit(ctx, "orders", "eventually-ok", nil, "")
	if !res.Retrying {
		t.Fatalf("attempt 1 result = %+v, want retrying", res)
	}
	time.Sleep(5 * time.Millisecond)

	// Two sweepers see the same due job; the claim must let exactly one
	// of them execute attempt 2.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		sw := newSweeper(f)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw.SweepOnce(ctx)
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2 (one per attempt)", got)
	}

	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != retry.StatusCompleted || j.AttemptNumber != 2 {
		t.Fatalf("job after sweeps: status=%s attempt=%d, want completed/2", j.Status, j.AttemptNumber)
	}
}

func TestSweepRepairsLostDeadLetterAdmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Simulate a crash after the final failed attempt was recorded but
	// before the dead-letter admission happened: the job sits failed with
	// a spent budget and no entry.
	jobID := id.NewJobID()
	f.tracker.Start(ctx, jobID, "orders", "abandoned", []byte(`{"order":9}`))
	f.tracker.Fail(ctx, jobID, errors.New("fatal"), 3)

	newSweeper(f).SweepOnce(ctx)

	entries, err := f.dlqSvc.List(ctx, dlq.Filter{}, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	if entries[0].JobID != jobID || entries[0].Queue != "orders" || entries[0].JobName != "abandoned" {
		t.Fatalf("entry identity wrong: %+v", entries[0])
	}

	j, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !j.DeadLettered {
		t.Fatal("job flag not repaired")
	}

	// A second sweep must not double-admit.
	newSweeper(f).SweepOnce(ctx)
	n, err := f.dlqSvc.Count(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("dlq entries after re-sweep = %d, want 1", n)
	}
}

func TestDrainReplaysQueuedOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	controller := safemode.NewController(f.store, discardLogger(),
		safemode.WithCacheTTL(time.Nanosecond))
	if err := controller.Enable(ctx, "ops", safemode.EnableOptions{}); err != nil {
		t.Fatalf("enable: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := controller.AdmitOrQueue(ctx, safemode.OrderDescriptor{
			RetailerID:    "retailer-1",
			SourcePayload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if _, err := controller.Disable(ctx, "ops"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	replayed := 0
	replay := func(_ context.Context, o *safemode.QueuedOrder) (string, error) {
		replayed++
		return fmt.Sprintf("order-%d", replayed), nil
	}

	sw := newSweeper(f, runner.WithOrderReplay(controller, replay))
	sw.SweepOnce(ctx)

	if replayed != 5 {
		t.Fatalf("replayed = %d, want 5", replayed)
	}

	remaining, err := controller.DrainQueued(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("drainable after sweep = %d, want 0", len(remaining))
	}
}

func TestDrainFailureRequeuesOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	controller := safemode.NewController(f.store, discardLogger(),
		safemode.WithCacheTTL(time.Nanosecond))
	if err := controller.Enable(ctx, "ops", safemode.EnableOptions{}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	adm, err := controller.AdmitOrQueue(ctx, safemode.OrderDescriptor{RetailerID: "r"})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := controller.Disable(ctx, "ops"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	replay := func(_ context.Context, _ *safemode.QueuedOrder) (string, error) {
		return "", errors.New("ledger rejected")
	}
	sw := newSweeper(f, runner.WithOrderReplay(controller, replay))
	sw.SweepOnce(ctx)

	o, err := f.store.GetQueuedOrder(ctx, adm.QueuedOrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != safemode.OrderQueued || o.RetryCount != 1 {
		t.Fatalf("after failed drain: status=%s retries=%d, want queued/1", o.Status, o.RetryCount)
	}
	if o.ErrorMessage != "ledger rejected" {
		t.Fatalf("error message = %q", o.ErrorMessage)
	}
}
