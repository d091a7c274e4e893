package idempotency

import (
	"context"
	"time"
)

// Store defines the persistence contract for idempotency records.
//
// CreateRecord and ResetForRetry are the gating primitives: both must be
// atomic with respect to concurrent calls for the same key. Backends
// enforce this with unique constraints and compare-and-set, never with
// in-process locks.
type Store interface {
	// CreateRecord persists a new record. Returns backstop.ErrRecordExists
	// if a record for the same key already exists.
	CreateRecord(ctx context.Context, rec *Record) error

	// GetRecord retrieves a record by key. Returns
	// backstop.ErrRecordNotFound if none exists.
	GetRecord(ctx context.Context, key string) (*Record, error)

	// MarkRecordCompleted transitions processing -> completed and stores
	// the response. Returns backstop.ErrInvalidState if the record is not
	// processing.
	MarkRecordCompleted(ctx context.Context, key string, response []byte) error

	// MarkRecordFailed transitions processing -> failed and stores the
	// error detail. Returns backstop.ErrInvalidState if the record is not
	// processing.
	MarkRecordFailed(ctx context.Context, key string, errMsg string) error

	// ResetForRetry atomically transitions failed -> processing, clearing
	// the cached response. Returns false (no error) if the record was not
	// in failed state when the swap was attempted — the caller lost the
	// race and must re-read.
	ResetForRetry(ctx context.Context, key string) (bool, error)

	// PurgeCompletedRecords deletes completed records created before the
	// given time. Processing and failed records are never purged; they
	// represent live or recoverable state. Returns the number removed.
	PurgeCompletedRecords(ctx context.Context, before time.Time) (int64, error)
}
