package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/middleware"
	"github.com/khaacho/backstop/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() *retry.Job {
	return &retry.Job{
		ID:            id.NewJobID(),
		Name:          "process-order",
		Queue:         "orders",
		AttemptNumber: 1,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *retry.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *retry.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), testJob(), handler); err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), testJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if !called {
		t.Fatal("handler not called through empty chain")
	}
}

func TestChain_ErrorPropagates(t *testing.T) {
	wantErr := errors.New("handler failed")
	chain := middleware.Chain(middleware.Logging(discardLogger()))

	err := chain(context.Background(), testJob(), func(_ context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	m := middleware.Recover(discardLogger())

	err := m(context.Background(), testJob(), func(_ context.Context) error {
		panic("corrupt payload")
	})
	if err == nil {
		t.Fatal("panic should surface as error")
	}
}

func TestRecover_PassesThroughSuccess(t *testing.T) {
	m := middleware.Recover(discardLogger())

	if err := m(context.Background(), testJob(), func(_ context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
}

func TestTimeout_CancelsSlowHandler(t *testing.T) {
	m := middleware.Timeout(10 * time.Millisecond)

	err := m(context.Background(), testJob(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroDisablesDeadline(t *testing.T) {
	m := middleware.Timeout(0)

	err := m(context.Background(), testJob(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Fatal("zero timeout must not set a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v, want nil", err)
	}
}
