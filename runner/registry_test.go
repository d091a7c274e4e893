package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/khaacho/backstop/runner"
)

type orderPayload struct {
	OrderRef string `json:"order_ref"`
	Amount   int    `json:"amount"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := runner.NewRegistry()

	var got orderPayload
	def := runner.NewDefinition("process-order", func(_ context.Context, p orderPayload) ([]byte, error) {
		got = p
		return []byte(`ok`), nil
	})

	runner.RegisterDefinition(r, def)

	h, ok := r.Get("process-order")
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	payload, _ := json.Marshal(orderPayload{OrderRef: "ord-7", Amount: 1200})
	out, err := h(context.Background(), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "ok" {
		t.Errorf("output = %q, want ok", out)
	}
	if got.OrderRef != "ord-7" {
		t.Errorf("OrderRef = %q, want %q", got.OrderRef, "ord-7")
	}
	if got.Amount != 1200 {
		t.Errorf("Amount = %d, want 1200", got.Amount)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := runner.NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("expected no handler for unregistered job")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := runner.NewRegistry()

	noop := func(_ context.Context, _ struct{}) ([]byte, error) { return nil, nil }
	runner.RegisterDefinition(r, runner.NewDefinition("job-a", noop))
	runner.RegisterDefinition(r, runner.NewDefinition("job-b", noop))
	runner.RegisterDefinition(r, runner.NewDefinition("job-c", noop))

	names := r.Names()
	sort.Strings(names)
	if len(names) != 3 {
		t.Fatalf("expected 3 names, got %d", len(names))
	}
	expected := []string{"job-a", "job-b", "job-c"}
	for i, want := range expected {
		if names[i] != want {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want)
		}
	}
}

func TestRegistry_InvalidJSON(t *testing.T) {
	r := runner.NewRegistry()
	runner.RegisterDefinition(r, runner.NewDefinition("typed-job", func(_ context.Context, _ orderPayload) ([]byte, error) {
		t.Fatal("handler should not be called with invalid JSON")
		return nil, nil
	}))

	h, _ := r.Get("typed-job")
	if _, err := h(context.Background(), []byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRegistry_EmptyPayload(t *testing.T) {
	r := runner.NewRegistry()
	called := false
	runner.RegisterDefinition(r, runner.NewDefinition("no-payload", func(_ context.Context, _ struct{}) ([]byte, error) {
		called = true
		return nil, nil
	}))

	h, _ := r.Get("no-payload")
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty payload")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := runner.NewRegistry()
	want := errors.New("handler failed")
	runner.RegisterDefinition(r, runner.NewDefinition("failing", func(_ context.Context, _ struct{}) ([]byte, error) {
		return nil, want
	}))

	h, _ := r.Get("failing")
	if _, err := h(context.Background(), nil); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRegistry_OverwriteHandler(t *testing.T) {
	r := runner.NewRegistry()

	runner.RegisterDefinition(r, runner.NewDefinition("overwrite", func(_ context.Context, _ struct{}) ([]byte, error) {
		return nil, errors.New("old")
	}))
	runner.RegisterDefinition(r, runner.NewDefinition("overwrite", func(_ context.Context, _ struct{}) ([]byte, error) {
		return nil, errors.New("new")
	}))

	h, _ := r.Get("overwrite")
	_, err := h(context.Background(), nil)
	if err == nil || err.Error() != "new" {
		t.Fatalf("expected 'new' error, got %v", err)
	}
}
