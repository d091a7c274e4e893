package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
)

// Outcome is the gate's verdict on a submitted request.
type Outcome string

const (
	// OutcomeProceed means no operation is in flight for this key;
	// the caller owns the key and must Complete or Fail it.
	OutcomeProceed Outcome = "proceed"
	// OutcomeCached means the operation already completed; the stored
	// response is replayed. This is the exactly-once replay path.
	OutcomeCached Outcome = "cached"
	// OutcomeBlocked means a concurrent request holds the key; the caller
	// must refuse the duplicate, not retry itself.
	OutcomeBlocked Outcome = "blocked"
)

// Decision is the typed result of Admit. Callers switch on Outcome
// rather than branching on error types.
type Decision struct {
	Outcome        Outcome
	CachedResponse []byte
}

// Gate serializes concurrent submissions that share an idempotency key
// and replays cached outcomes for completed ones.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates a Gate over the given store.
func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger}
}

// Admit decides whether a request with the given key may proceed.
//
// Exactly one of the concurrent first-time submissions for a key receives
// OutcomeProceed; the store's create-if-absent semantics pick the winner.
// A failed key is atomically reset to processing so the operation can be
// retried.
//
// Storage errors propagate: an unresolved key must never be treated as
// "proceed" for a financial operation.
func (g *Gate) Admit(ctx context.Context, key, owner string) (Decision, error) {
	if key == "" {
		return Decision{}, backstop.ErrKeyRequired
	}

	rec := &Record{
		Entity: backstop.NewEntity(),
		ID:     id.NewIdempotencyID(),
		Key:    key,
		Owner:  owner,
		Status: StatusProcessing,
	}

	err := g.store.CreateRecord(ctx, rec)
	if err == nil {
		return Decision{Outcome: OutcomeProceed}, nil
	}
	if !errors.Is(err, backstop.ErrRecordExists) {
		return Decision{}, err
	}

	existing, err := g.store.GetRecord(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	switch existing.Status {
	case StatusCompleted:
		return Decision{Outcome: OutcomeCached, CachedResponse: existing.CachedResponse}, nil

	case StatusProcessing:
		return Decision{Outcome: OutcomeBlocked}, nil

	case StatusFailed:
		won, resetErr := g.store.ResetForRetry(ctx, key)
		if resetErr != nil {
			return Decision{}, resetErr
		}
		if won {
			return Decision{Outcome: OutcomeProceed}, nil
		}
		// Lost the reset race. The winner may already have finished,
		// in which case the cached response is the right answer.
		return g.decideAfterLostRace(ctx, key)

	default:
		return Decision{}, backstop.ErrInvalidState
	}
}

func (g *Gate) decideAfterLostRace(ctx context.Context, key string) (Decision, error) {
	rec, err := g.store.GetRecord(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if rec.Status == StatusCompleted {
		return Decision{Outcome: OutcomeCached, CachedResponse: rec.CachedResponse}, nil
	}
	return Decision{Outcome: OutcomeBlocked}, nil
}

// Complete transitions the key to completed and caches the response for
// replay. Best-effort: the primary operation already succeeded, so a
// bookkeeping failure here is logged and swallowed.
func (g *Gate) Complete(ctx context.Context, key string, response []byte) {
	if err := g.store.MarkRecordCompleted(ctx, key, response); err != nil {
		g.logger.Error("failed to mark idempotency record completed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Fail transitions the key to failed, unlocking it for retry. Best-effort,
// same policy as Complete.
func (g *Gate) Fail(ctx context.Context, key string, opErr error) {
	msg := ""
	if opErr != nil {
		msg = opErr.Error()
	}
	if err := g.store.MarkRecordFailed(ctx, key, msg); err != nil {
		g.logger.Error("failed to mark idempotency record failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// PurgeOlderThan deletes completed records older than age. Processing and
// failed records are kept. Returns the number of records removed.
func (g *Gate) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	before := time.Now().UTC().Add(-age)
	return g.store.PurgeCompletedRecords(ctx, before)
}
