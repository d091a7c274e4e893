package idempotency

import (
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// StatusProcessing means the operation for this key is in flight.
	StatusProcessing Status = "processing"
	// StatusCompleted means the operation finished and its response is cached.
	StatusCompleted Status = "completed"
	// StatusFailed means the operation failed; the key may be retried.
	StatusFailed Status = "failed"
)

// Record maps one idempotency key to at most one logical operation outcome.
// At most one record exists per key; the storage layer enforces this with a
// unique constraint, not application logic.
type Record struct {
	backstop.Entity

	ID    id.IdempotencyID `json:"id"`
	Key   string           `json:"key"`
	Owner string           `json:"owner"`
	// Status transitions: processing -> completed | failed.
	// A failed record may re-enter processing once per Admit call.
	Status Status `json:"status"`
	// CachedResponse is the stored operation outcome, present iff completed.
	CachedResponse []byte     `json:"cached_response,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
