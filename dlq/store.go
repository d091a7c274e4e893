package dlq

import (
	"context"
	"time"

	"github.com/khaacho/backstop/id"
)

// Filter narrows dead-letter list queries.
type Filter struct {
	// RecoveryStatus filters by recovery state. Empty means all.
	RecoveryStatus RecoveryStatus
	// Queue filters by original queue name. Empty means all queues.
	Queue string
	// AssignedTo filters by assigned operator. Empty means all.
	AssignedTo string
}

// ListOpts controls pagination for dead-letter list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
}

// Store defines the persistence contract for the dead-letter store.
//
// CreateEntry and TryRecoveryAttempt must be atomic across processes:
// the JobID unique constraint prevents double admission and the recovery
// budget check-and-increment prevents overspending the budget.
type Store interface {
	// CreateEntry persists a new entry. Returns backstop.ErrEntryExists
	// if an entry for the same JobID already exists.
	CreateEntry(ctx context.Context, entry *Entry) error

	// GetEntry retrieves an entry by ID. Returns backstop.ErrEntryNotFound
	// if none exists.
	GetEntry(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ListEntries returns entries matching the filter, ordered by
	// priority descending then creation time descending.
	ListEntries(ctx context.Context, filter Filter, opts ListOpts) ([]*Entry, error)

	// CountEntries returns the number of entries matching the filter.
	CountEntries(ctx context.Context, filter Filter) (int64, error)

	// TryRecoveryAttempt atomically spends one unit of the entry's
	// recovery budget: it increments RecoveryAttempts and stamps
	// LastRecoveryAttemptAt, returning the updated entry. It fails with
	// backstop.ErrRecoveryExhausted when the budget is spent,
	// backstop.ErrEntryTerminal when the entry is permanently failed, and
	// backstop.ErrInvalidState when the entry is already recovered.
	TryRecoveryAttempt(ctx context.Context, entryID id.DLQID, at time.Time) (*Entry, error)

	// MarkEntryRecovered transitions pending -> recovered. Terminal.
	MarkEntryRecovered(ctx context.Context, entryID id.DLQID, at time.Time) error

	// MarkEntryPermanentlyFailed transitions pending -> permanently_failed
	// with the operator-supplied reason. Terminal.
	MarkEntryPermanentlyFailed(ctx context.Context, entryID id.DLQID, reason string, at time.Time) error

	// UpdateEntryNotes replaces the entry's admin notes. Valid in any
	// recovery state, including permanently_failed.
	UpdateEntryNotes(ctx context.Context, entryID id.DLQID, notes string) error

	// AssignEntry sets the operator responsible for the entry. Valid in
	// any recovery state.
	AssignEntry(ctx context.Context, entryID id.DLQID, operator string) error
}
