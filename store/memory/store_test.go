package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/idempotency"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/safemode"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Idempotency Store tests
// ──────────────────────────────────────────────────

func newRecord(key string, status idempotency.Status) *idempotency.Record {
	return &idempotency.Record{
		Entity: backstop.NewEntity(),
		ID:     id.NewIdempotencyID(),
		Key:    key,
		Owner:  "orders-ingest",
		Status: status,
	}
}

func TestCreateRecordDuplicate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.CreateRecord(ctx, newRecord("k1", idempotency.StatusProcessing)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateRecord(ctx, newRecord("k1", idempotency.StatusProcessing))
	if !errors.Is(err, backstop.ErrRecordExists) {
		t.Fatalf("duplicate create: got %v, want ErrRecordExists", err)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.GetRecord(context.Background(), "missing")
	if !errors.Is(err, backstop.ErrRecordNotFound) {
		t.Fatalf("got %v, want ErrRecordNotFound", err)
	}
}

func TestRecordTransitions(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.CreateRecord(ctx, newRecord("done", idempotency.StatusProcessing)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkRecordCompleted(ctx, "done", []byte(`{"order":"o-1"}`)); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	rec, err := s.GetRecord(ctx, "done")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != idempotency.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if string(rec.CachedResponse) != `{"order":"o-1"}` {
		t.Fatalf("cached response = %q", rec.CachedResponse)
	}
	if rec.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}

	// Completed records reject further transitions.
	if err := s.MarkRecordFailed(ctx, "done", "late failure"); !errors.Is(err, backstop.ErrInvalidState) {
		t.Fatalf("fail after complete: got %v, want ErrInvalidState", err)
	}
}

func TestResetForRetry(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.CreateRecord(ctx, newRecord("flaky", idempotency.StatusProcessing)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkRecordFailed(ctx, "flaky", "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	won, err := s.ResetForRetry(ctx, "flaky")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !won {
		t.Fatal("first reset should win")
	}

	// Record is now processing; a second reset loses the race.
	won, err = s.ResetForRetry(ctx, "flaky")
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if won {
		t.Fatal("second reset should lose")
	}

	rec, err := s.GetRecord(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != idempotency.StatusProcessing {
		t.Fatalf("status = %s, want processing", rec.Status)
	}
}

func TestPurgeCompletedRecords(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	old := newRecord("old", idempotency.StatusProcessing)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.CreateRecord(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.MarkRecordCompleted(ctx, "old", nil); err != nil {
		t.Fatalf("complete old: %v", err)
	}

	// A failed record of the same age must survive the purge.
	staleFailed := newRecord("stale-failed", idempotency.StatusProcessing)
	staleFailed.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.CreateRecord(ctx, staleFailed); err != nil {
		t.Fatalf("create stale-failed: %v", err)
	}
	if err := s.MarkRecordFailed(ctx, "stale-failed", "boom"); err != nil {
		t.Fatalf("fail stale-failed: %v", err)
	}

	if err := s.CreateRecord(ctx, newRecord("fresh", idempotency.StatusProcessing)); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if err := s.MarkRecordCompleted(ctx, "fresh", nil); err != nil {
		t.Fatalf("complete fresh: %v", err)
	}

	n, err := s.PurgeCompletedRecords(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.GetRecord(ctx, "old"); !errors.Is(err, backstop.ErrRecordNotFound) {
		t.Fatalf("old record should be gone, got %v", err)
	}
	if _, err := s.GetRecord(ctx, "stale-failed"); err != nil {
		t.Fatalf("failed record should survive purge: %v", err)
	}
	if _, err := s.GetRecord(ctx, "fresh"); err != nil {
		t.Fatalf("fresh record should survive purge: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Retry Store tests
// ──────────────────────────────────────────────────

func newJob(name, queue string, status retry.Status) *retry.Job {
	return &retry.Job{
		Entity:        backstop.NewEntity(),
		ID:            id.NewJobID(),
		Queue:         queue,
		Name:          name,
		Payload:       []byte(`{"test":true}`),
		Status:        status,
		AttemptNumber: 1,
		MaxAttempts:   3,
		StartedAt:     time.Now().UTC(),
	}
}

func TestUpsertJobPreservesHistory(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("process-order", "orders", retry.StatusActive)
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Simulate a failed attempt.
	j.Status = retry.StatusFailed
	j.AttemptNumber = 2
	j.ErrorHistory = append(j.ErrorHistory, retry.AttemptError{Attempt: 1, Message: "timeout", At: time.Now().UTC()})
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A re-invocation upserts the same ID: state resets to active but the
	// counters and history persist.
	fresh := &retry.Job{
		Entity:        backstop.NewEntity(),
		ID:            j.ID,
		Queue:         "orders",
		Name:          "process-order",
		Status:        retry.StatusActive,
		AttemptNumber: 1,
		MaxAttempts:   3,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.UpsertJob(ctx, fresh); err != nil {
		t.Fatalf("upsert existing: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != retry.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.AttemptNumber != 2 {
		t.Fatalf("attempt = %d, want 2 (preserved)", got.AttemptNumber)
	}
	if len(got.ErrorHistory) != 1 {
		t.Fatalf("history len = %d, want 1 (preserved)", len(got.ErrorHistory))
	}
}

func TestGetJobCopiesHistory(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("copy-check", "orders", retry.StatusFailed)
	j.ErrorHistory = []retry.AttemptError{{Attempt: 1, Message: "first", At: time.Now().UTC()}}
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.ErrorHistory[0].Message = "mutated"

	again, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.ErrorHistory[0].Message != "first" {
		t.Fatal("caller mutation leaked into store")
	}
}

func TestListJobsReadyForRetry(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	due := newJob("due", "orders", retry.StatusFailed)
	dueAt := now.Add(-time.Second)
	due.NextRetryAt = &dueAt

	later := newJob("later", "orders", retry.StatusFailed)
	laterAt := now.Add(time.Hour)
	later.NextRetryAt = &laterAt

	active := newJob("active", "orders", retry.StatusActive)

	dead := newJob("dead", "orders", retry.StatusFailed)
	dead.NextRetryAt = &dueAt
	dead.DeadLettered = true

	for _, j := range []*retry.Job{due, later, active, dead} {
		if err := s.UpsertJob(ctx, j); err != nil {
			t.Fatalf("upsert %s: %v", j.Name, err)
		}
	}

	ready, err := s.ListJobsReadyForRetry(ctx, now, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("ready = %d jobs, want 1", len(ready))
	}
	if ready[0].Name != "due" {
		t.Fatalf("ready job = %s, want due", ready[0].Name)
	}
}

func TestListJobsReadyForDeadLetter(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	exhausted := newJob("exhausted", "orders", retry.StatusFailed)
	exhausted.AttemptNumber = 3

	remaining := newJob("remaining", "orders", retry.StatusFailed)
	remaining.AttemptNumber = 2

	already := newJob("already", "orders", retry.StatusFailed)
	already.AttemptNumber = 3
	already.DeadLettered = true

	for _, j := range []*retry.Job{exhausted, remaining, already} {
		if err := s.UpsertJob(ctx, j); err != nil {
			t.Fatalf("upsert %s: %v", j.Name, err)
		}
	}

	ready, err := s.ListJobsReadyForDeadLetter(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ready) != 1 || ready[0].Name != "exhausted" {
		t.Fatalf("got %d jobs, want only exhausted", len(ready))
	}
}

func TestClaimJobForRetryConcurrent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Second)
	j := newJob("contested", "orders", retry.StatusFailed)
	j.NextRetryAt = &due
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimJobForRetry(ctx, j.ID, time.Now().UTC())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := wins.Load(); n != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", n)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != retry.StatusActive || got.NextRetryAt != nil {
		t.Fatalf("claimed job: status=%s next=%v", got.Status, got.NextRetryAt)
	}

	if _, err := s.ClaimJobForRetry(ctx, id.NewJobID(), time.Now().UTC()); !errors.Is(err, backstop.ErrJobNotFound) {
		t.Fatalf("unknown job: got %v, want ErrJobNotFound", err)
	}
}

func TestMarkJobDeadLetteredOnce(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("doomed", "orders", retry.StatusFailed)
	j.AttemptNumber = 3
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	won, err := s.MarkJobDeadLettered(ctx, j.ID)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !won {
		t.Fatal("first mark should win")
	}

	won, err = s.MarkJobDeadLettered(ctx, j.ID)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if won {
		t.Fatal("second mark should lose")
	}

	if _, err := s.MarkJobDeadLettered(ctx, id.NewJobID()); !errors.Is(err, backstop.ErrJobNotFound) {
		t.Fatalf("unknown job: got %v, want ErrJobNotFound", err)
	}
}

func TestListAndCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.UpsertJob(ctx, newJob("a", "orders", retry.StatusFailed)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := s.UpsertJob(ctx, newJob("b", "refunds", retry.StatusCompleted)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	failed, err := s.ListJobs(ctx, retry.StatusFailed, retry.ListOpts{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 3 {
		t.Fatalf("failed = %d, want 3", len(failed))
	}

	paged, err := s.ListJobs(ctx, retry.StatusFailed, retry.ListOpts{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 {
		t.Fatalf("paged = %d, want 1", len(paged))
	}

	n, err := s.CountJobs(ctx, retry.StatusCompleted)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	all, err := s.CountJobs(ctx, "")
	if err != nil {
		t.Fatalf("count all: %v", err)
	}
	if all != 4 {
		t.Fatalf("count all = %d, want 4", all)
	}
}

// ──────────────────────────────────────────────────
// DLQ Store tests
// ──────────────────────────────────────────────────

func newEntry(jobID id.JobID, priority int) *dlq.Entry {
	return &dlq.Entry{
		Entity:              backstop.NewEntity(),
		ID:                  id.NewDLQID(),
		JobID:               jobID,
		Queue:               "orders",
		JobName:             "process-order",
		Payload:             []byte(`{"order":1}`),
		FailureReason:       "downstream unavailable",
		TotalAttempts:       3,
		RecoveryStatus:      dlq.RecoveryPending,
		MaxRecoveryAttempts: dlq.DefaultMaxRecoveryAttempts,
		Priority:            priority,
		FailedAt:            time.Now().UTC(),
	}
}

func TestCreateEntryDuplicateJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	jobID := id.NewJobID()
	if err := s.CreateEntry(ctx, newEntry(jobID, 0)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateEntry(ctx, newEntry(jobID, 0))
	if !errors.Is(err, backstop.ErrEntryExists) {
		t.Fatalf("duplicate job admission: got %v, want ErrEntryExists", err)
	}
}

func TestListEntriesOrdering(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	low := newEntry(id.NewJobID(), 1)
	high := newEntry(id.NewJobID(), 9)
	mid := newEntry(id.NewJobID(), 5)
	for _, e := range []*dlq.Entry{low, high, mid} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListEntries(ctx, dlq.Filter{}, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Priority != 9 || got[1].Priority != 5 || got[2].Priority != 1 {
		t.Fatalf("priorities = %d,%d,%d, want 9,5,1", got[0].Priority, got[1].Priority, got[2].Priority)
	}
}

func TestListEntriesFilter(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pending := newEntry(id.NewJobID(), 0)
	recovered := newEntry(id.NewJobID(), 0)
	for _, e := range []*dlq.Entry{pending, recovered} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := s.MarkEntryRecovered(ctx, recovered.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}

	got, err := s.ListEntries(ctx, dlq.Filter{RecoveryStatus: dlq.RecoveryPending}, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Fatalf("filter returned %d entries", len(got))
	}

	n, err := s.CountEntries(ctx, dlq.Filter{RecoveryStatus: dlq.Recovered})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestTryRecoveryAttemptBudget(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	e := newEntry(id.NewJobID(), 0)
	e.MaxRecoveryAttempts = 2
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().UTC()
	for i := 1; i <= 2; i++ {
		got, err := s.TryRecoveryAttempt(ctx, e.ID, at)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if got.RecoveryAttempts != i {
			t.Fatalf("attempt %d: counter = %d", i, got.RecoveryAttempts)
		}
	}

	_, err := s.TryRecoveryAttempt(ctx, e.ID, at)
	if !errors.Is(err, backstop.ErrRecoveryExhausted) {
		t.Fatalf("over budget: got %v, want ErrRecoveryExhausted", err)
	}
}

func TestRecoveryTerminalStates(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	at := time.Now().UTC()

	parked := newEntry(id.NewJobID(), 0)
	if err := s.CreateEntry(ctx, parked); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkEntryPermanentlyFailed(ctx, parked.ID, "operator gave up", at); err != nil {
		t.Fatalf("park: %v", err)
	}

	if _, err := s.TryRecoveryAttempt(ctx, parked.ID, at); !errors.Is(err, backstop.ErrEntryTerminal) {
		t.Fatalf("retry parked: got %v, want ErrEntryTerminal", err)
	}
	if err := s.MarkEntryRecovered(ctx, parked.ID, at); !errors.Is(err, backstop.ErrEntryTerminal) {
		t.Fatalf("recover parked: got %v, want ErrEntryTerminal", err)
	}

	// Annotation stays valid on terminal entries.
	if err := s.UpdateEntryNotes(ctx, parked.ID, "vendor ticket #8841"); err != nil {
		t.Fatalf("notes on parked: %v", err)
	}
	if err := s.AssignEntry(ctx, parked.ID, "oncall"); err != nil {
		t.Fatalf("assign on parked: %v", err)
	}

	got, err := s.GetEntry(ctx, parked.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AdminNotes != "vendor ticket #8841" || got.AssignedTo != "oncall" {
		t.Fatalf("annotations not persisted: %+v", got)
	}
	if got.PermanentFailureReason != "operator gave up" {
		t.Fatalf("reason = %q", got.PermanentFailureReason)
	}
}

// ──────────────────────────────────────────────────
// Safe-Mode Store tests
// ──────────────────────────────────────────────────

func TestSafeModeStateDefault(t *testing.T) {
	t.Parallel()
	s := New()

	st, err := s.GetSafeModeState(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Enabled {
		t.Fatal("fresh store should report safe mode disabled")
	}
	if st.Version != 0 {
		t.Fatalf("version = %d, want 0", st.Version)
	}
}

func TestSwapSafeModeStateVersioning(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	next := &safemode.State{Enabled: true, EnabledBy: "ops", Reason: "db incident", EnabledAt: &now, UpdatedAt: now}
	if err := s.SwapSafeModeState(ctx, next, 0); err != nil {
		t.Fatalf("swap: %v", err)
	}

	st, err := s.GetSafeModeState(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !st.Enabled || st.Version != 1 {
		t.Fatalf("state = enabled:%v version:%d, want enabled:true version:1", st.Enabled, st.Version)
	}

	// A stale swap must be rejected.
	stale := &safemode.State{Enabled: false, UpdatedAt: now}
	if err := s.SwapSafeModeState(ctx, stale, 0); !errors.Is(err, backstop.ErrVersionConflict) {
		t.Fatalf("stale swap: got %v, want ErrVersionConflict", err)
	}

	if err := s.SwapSafeModeState(ctx, stale, 1); err != nil {
		t.Fatalf("fresh swap: %v", err)
	}
	st, _ = s.GetSafeModeState(ctx)
	if st.Enabled || st.Version != 2 {
		t.Fatalf("state = enabled:%v version:%d, want enabled:false version:2", st.Enabled, st.Version)
	}
}

func newQueuedOrder(retailer string) *safemode.QueuedOrder {
	return &safemode.QueuedOrder{
		Entity:        backstop.NewEntity(),
		ID:            id.NewQueuedOrderID(),
		RetailerID:    retailer,
		SourcePayload: []byte(`{"sku":"x"}`),
		Status:        safemode.OrderQueued,
	}
}

func TestQueuedOrderLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	o := newQueuedOrder("retailer-1")
	if err := s.CreateQueuedOrder(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetQueuedOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = safemode.OrderCompleted
	got.OrderID = "order-99"
	if err := s.UpdateQueuedOrder(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	again, err := s.GetQueuedOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != safemode.OrderCompleted || again.OrderID != "order-99" {
		t.Fatalf("update not persisted: %+v", again)
	}

	if _, err := s.GetQueuedOrder(ctx, id.NewQueuedOrderID()); !errors.Is(err, backstop.ErrOrderNotFound) {
		t.Fatalf("unknown order: got %v, want ErrOrderNotFound", err)
	}
}

func TestListQueuedOrdersOldestFirst(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		o := newQueuedOrder("retailer-1")
		o.CreatedAt = base.Add(time.Duration(3-i) * time.Minute) // insert newest first
		if err := s.CreateQueuedOrder(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListQueuedOrders(ctx, safemode.OrderQueued, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d orders, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatal("orders not sorted oldest first")
		}
	}

	limited, err := s.ListQueuedOrders(ctx, safemode.OrderQueued, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited = %d, want 2", len(limited))
	}
}

func TestCountQueuedOrdersSince(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	cutoff := time.Now().UTC()

	before := newQueuedOrder("retailer-1")
	before.CreatedAt = cutoff.Add(-time.Hour)
	after := newQueuedOrder("retailer-1")
	after.CreatedAt = cutoff.Add(time.Minute)
	for _, o := range []*safemode.QueuedOrder{before, after} {
		if err := s.CreateQueuedOrder(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := s.CountQueuedOrdersSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
