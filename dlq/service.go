package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/retry"
)

// Resubmission is the original job description handed back by Retry for
// the caller to re-run. The store never runs jobs itself.
type Resubmission struct {
	JobID   id.JobID `json:"job_id"`
	Queue   string   `json:"queue"`
	JobName string   `json:"job_name"`
	Payload []byte   `json:"payload"`
}

// AdmitOption customizes an entry at admission time.
type AdmitOption func(*Entry)

// WithPriority sets the entry's recovery priority. Higher sorts first.
func WithPriority(p int) AdmitOption {
	return func(e *Entry) { e.Priority = p }
}

// WithMaxRecoveryAttempts overrides the default recovery budget.
func WithMaxRecoveryAttempts(n int) AdmitOption {
	return func(e *Entry) {
		if n > 0 {
			e.MaxRecoveryAttempts = n
		}
	}
}

// Service provides high-level dead-letter operations over a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a dead-letter service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Admit builds an entry from a job that exhausted its retry budget and
// persists it. Exactly one entry may exist per job: a duplicate failure
// signal gets backstop.ErrEntryExists from the store's unique constraint.
func (s *Service) Admit(ctx context.Context, j *retry.Job, opts ...AdmitOption) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		Entity:              backstop.NewEntity(),
		ID:                  id.NewDLQID(),
		JobID:               j.ID,
		Queue:               j.Queue,
		JobName:             j.Name,
		Payload:             j.Payload,
		FailureReason:       j.LastError(),
		TotalAttempts:       j.AttemptNumber,
		RecoveryStatus:      RecoveryPending,
		MaxRecoveryAttempts: DefaultMaxRecoveryAttempts,
		FailedAt:            now,
	}
	for _, opt := range opts {
		opt(entry)
	}

	if err := s.store.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Warn("job admitted to dead-letter store",
		slog.String("dlq_id", entry.ID.String()),
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("total_attempts", entry.TotalAttempts),
		slog.String("failure_reason", entry.FailureReason),
	)

	return entry, nil
}

// Get retrieves an entry by ID.
func (s *Service) Get(ctx context.Context, entryID id.DLQID) (*Entry, error) {
	return s.store.GetEntry(ctx, entryID)
}

// List returns entries matching the filter, highest priority first, newest
// first within equal priority.
func (s *Service) List(ctx context.Context, filter Filter, opts ListOpts) ([]*Entry, error) {
	return s.store.ListEntries(ctx, filter, opts)
}

// Count returns the number of entries matching the filter.
func (s *Service) Count(ctx context.Context, filter Filter) (int64, error) {
	return s.store.CountEntries(ctx, filter)
}

// Retry spends one unit of the entry's recovery budget and returns the
// original job description for re-submission by the caller. A spent budget
// is a hard rejection (backstop.ErrRecoveryExhausted), never a silent no-op.
func (s *Service) Retry(ctx context.Context, entryID id.DLQID) (Resubmission, error) {
	entry, err := s.store.TryRecoveryAttempt(ctx, entryID, time.Now().UTC())
	if err != nil {
		return Resubmission{}, err
	}

	s.logger.Info("dead-letter recovery attempt",
		slog.String("dlq_id", entryID.String()),
		slog.String("job_id", entry.JobID.String()),
		slog.Int("recovery_attempts", entry.RecoveryAttempts),
		slog.Int("max_recovery_attempts", entry.MaxRecoveryAttempts),
	)

	return Resubmission{
		JobID:   entry.JobID,
		Queue:   entry.Queue,
		JobName: entry.JobName,
		Payload: entry.Payload,
	}, nil
}

// MarkRecovered transitions the entry to recovered. Terminal.
func (s *Service) MarkRecovered(ctx context.Context, entryID id.DLQID) error {
	return s.store.MarkEntryRecovered(ctx, entryID, time.Now().UTC())
}

// MarkPermanentlyFailed gives up on the entry with an operator-supplied
// reason. Terminal: afterwards only UpdateNotes and Assign remain valid.
func (s *Service) MarkPermanentlyFailed(ctx context.Context, entryID id.DLQID, reason string) error {
	return s.store.MarkEntryPermanentlyFailed(ctx, entryID, reason, time.Now().UTC())
}

// UpdateNotes replaces the entry's admin notes.
func (s *Service) UpdateNotes(ctx context.Context, entryID id.DLQID, notes string) error {
	return s.store.UpdateEntryNotes(ctx, entryID, notes)
}

// Assign sets the operator responsible for the entry.
func (s *Service) Assign(ctx context.Context, entryID id.DLQID, operator string) error {
	return s.store.AssignEntry(ctx, entryID, operator)
}
