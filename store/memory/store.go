package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/idempotency"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/safemode"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ idempotency.Store = (*Store)(nil)
	_ retry.Store       = (*Store)(nil)
	_ dlq.Store         = (*Store)(nil)
	_ safemode.Store    = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
// The mutex stands in for the storage engine's atomicity: every operation
// that a SQL backend would guard with a constraint or CAS runs under one
// critical section here.
type Store struct {
	mu sync.RWMutex

	records    map[string]*idempotency.Record // keyed by idempotency key
	jobs       map[string]*retry.Job          // keyed by job ID
	entries    map[string]*dlq.Entry          // keyed by entry ID
	entryByJob map[string]string              // job ID -> entry ID (unique constraint)
	orders     map[string]*safemode.QueuedOrder

	safeMode safemode.State // zero value = disabled, version 0
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		records:    make(map[string]*idempotency.Record),
		jobs:       make(map[string]*retry.Job),
		entries:    make(map[string]*dlq.Entry),
		entryByJob: make(map[string]string),
		orders:     make(map[string]*safemode.QueuedOrder),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Idempotency Store
// ──────────────────────────────────────────────────

// CreateRecord persists a new record; the map key enforces uniqueness.
func (m *Store) CreateRecord(_ context.Context, rec *idempotency.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.Key]; exists {
		return backstop.ErrRecordExists
	}
	cp := *rec
	m.records[rec.Key] = &cp
	return nil
}

// GetRecord retrieves a record by key.
func (m *Store) GetRecord(_ context.Context, key string) (*idempotency.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, backstop.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// MarkRecordCompleted transitions processing -> completed.
func (m *Store) MarkRecordCompleted(_ context.Context, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return backstop.ErrRecordNotFound
	}
	if rec.Status != idempotency.StatusProcessing {
		return backstop.ErrInvalidState
	}
	now := time.Now().UTC()
	rec.Status = idempotency.StatusCompleted
	rec.CachedResponse = response
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	return nil
}

// MarkRecordFailed transitions processing -> failed.
func (m *Store) MarkRecordFailed(_ context.Context, key string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return backstop.ErrRecordNotFound
	}
	if rec.Status != idempotency.StatusProcessing {
		return backstop.ErrInvalidState
	}
	rec.Status = idempotency.StatusFailed
	rec.LastError = errMsg
	rec.CachedResponse = nil
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetForRetry atomically swaps failed -> processing.
func (m *Store) ResetForRetry(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return false, backstop.ErrRecordNotFound
	}
	if rec.Status != idempotency.StatusFailed {
		return false, nil
	}
	rec.Status = idempotency.StatusProcessing
	rec.CachedResponse = nil
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// PurgeCompletedRecords deletes completed records created before the cutoff.
func (m *Store) PurgeCompletedRecords(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, rec := range m.records {
		if rec.Status == idempotency.StatusCompleted && rec.CreatedAt.Before(before) {
			delete(m.records, key)
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Retry Store
// ──────────────────────────────────────────────────

// UpsertJob creates the record or resets an existing one to active,
// preserving attempt counters and error history.
func (m *Store) UpsertJob(_ context.Context, j *retry.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if existing, ok := m.jobs[key]; ok {
		existing.Status = retry.StatusActive
		existing.StartedAt = j.StartedAt
		existing.UpdatedAt = time.Now().UTC()
		return nil
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*retry.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, backstop.ErrJobNotFound
	}
	cp := *j
	cp.ErrorHistory = append([]retry.AttemptError(nil), j.ErrorHistory...)
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *retry.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return backstop.ErrJobNotFound
	}
	cp := *j
	cp.ErrorHistory = append([]retry.AttemptError(nil), j.ErrorHistory...)
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// ListJobsReadyForRetry returns failed jobs due at or before now,
// oldest-due first.
func (m *Store) ListJobsReadyForRetry(_ context.Context, now time.Time, limit int) ([]*retry.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*retry.Job, 0)
	for _, j := range m.jobs {
		if j.Status != retry.StatusFailed || j.DeadLettered {
			continue
		}
		if j.NextRetryAt == nil || j.NextRetryAt.After(now) {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].NextRetryAt.Before(*result[k].NextRetryAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListJobsReadyForDeadLetter returns exhausted jobs not yet dead-lettered.
func (m *Store) ListJobsReadyForDeadLetter(_ context.Context, limit int) ([]*retry.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*retry.Job, 0)
	for _, j := range m.jobs {
		if j.Status != retry.StatusFailed || j.DeadLettered {
			continue
		}
		if j.AttemptNumber < j.MaxAttempts {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].UpdatedAt.Before(result[k].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ClaimJobForRetry flips a due failed job to active under the mutex, so
// concurrent sweepers get exactly one winner per due job.
func (m *Store) ClaimJobForRetry(_ context.Context, jobID id.JobID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, backstop.ErrJobNotFound
	}
	if j.Status != retry.StatusFailed || j.DeadLettered {
		return false, nil
	}
	if j.NextRetryAt == nil || j.NextRetryAt.After(now) {
		return false, nil
	}
	j.Status = retry.StatusActive
	j.NextRetryAt = nil
	j.StartedAt = now
	j.UpdatedAt = now
	return true, nil
}

// MarkJobDeadLettered flips the dead-letter flag exactly once.
func (m *Store) MarkJobDeadLettered(_ context.Context, jobID id.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, backstop.ErrJobNotFound
	}
	if j.DeadLettered {
		return false, nil
	}
	j.DeadLettered = true
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListJobs returns jobs matching the given status.
func (m *Store) ListJobs(_ context.Context, status retry.Status, opts retry.ListOpts) ([]*retry.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*retry.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of jobs with the given status.
func (m *Store) CountJobs(_ context.Context, status retry.Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// CreateEntry persists a new entry; entryByJob enforces one entry per job.
func (m *Store) CreateEntry(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobKey := entry.JobID.String()
	if _, exists := m.entryByJob[jobKey]; exists {
		return backstop.ErrEntryExists
	}
	cp := *entry
	m.entries[entry.ID.String()] = &cp
	m.entryByJob[jobKey] = entry.ID.String()
	return nil
}

// GetEntry retrieves an entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, backstop.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func matchEntry(e *dlq.Entry, filter dlq.Filter) bool {
	if filter.RecoveryStatus != "" && e.RecoveryStatus != filter.RecoveryStatus {
		return false
	}
	if filter.Queue != "" && e.Queue != filter.Queue {
		return false
	}
	if filter.AssignedTo != "" && e.AssignedTo != filter.AssignedTo {
		return false
	}
	return true
}

// ListEntries returns entries by priority DESC, CreatedAt DESC.
func (m *Store) ListEntries(_ context.Context, filter dlq.Filter, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !matchEntry(e, filter) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		if result[i].Priority != result[k].Priority {
			return result[i].Priority > result[k].Priority
		}
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountEntries returns the number of entries matching the filter.
func (m *Store) CountEntries(_ context.Context, filter dlq.Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, e := range m.entries {
		if matchEntry(e, filter) {
			count++
		}
	}
	return count, nil
}

// TryRecoveryAttempt atomically spends one unit of recovery budget.
func (m *Store) TryRecoveryAttempt(_ context.Context, entryID id.DLQID, at time.Time) (*dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, backstop.ErrEntryNotFound
	}
	switch e.RecoveryStatus {
	case dlq.PermanentlyFailed:
		return nil, backstop.ErrEntryTerminal
	case dlq.Recovered:
		return nil, backstop.ErrInvalidState
	}
	if e.RecoveryAttempts >= e.MaxRecoveryAttempts {
		return nil, backstop.ErrRecoveryExhausted
	}

	e.RecoveryAttempts++
	e.LastRecoveryAttemptAt = &at
	e.UpdatedAt = at

	cp := *e
	return &cp, nil
}

// MarkEntryRecovered transitions pending -> recovered.
func (m *Store) MarkEntryRecovered(_ context.Context, entryID id.DLQID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return backstop.ErrEntryNotFound
	}
	if e.RecoveryStatus == dlq.PermanentlyFailed {
		return backstop.ErrEntryTerminal
	}
	e.RecoveryStatus = dlq.Recovered
	e.RecoveredAt = &at
	e.UpdatedAt = at
	return nil
}

// MarkEntryPermanentlyFailed transitions pending -> permanently_failed.
func (m *Store) MarkEntryPermanentlyFailed(_ context.Context, entryID id.DLQID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return backstop.ErrEntryNotFound
	}
	if e.RecoveryStatus == dlq.Recovered {
		return backstop.ErrInvalidState
	}
	e.RecoveryStatus = dlq.PermanentlyFailed
	e.PermanentFailureReason = reason
	e.UpdatedAt = at
	return nil
}

// UpdateEntryNotes replaces admin notes. Valid in any recovery state.
func (m *Store) UpdateEntryNotes(_ context.Context, entryID id.DLQID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return backstop.ErrEntryNotFound
	}
	e.AdminNotes = notes
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignEntry sets the responsible operator. Valid in any recovery state.
func (m *Store) AssignEntry(_ context.Context, entryID id.DLQID, operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return backstop.ErrEntryNotFound
	}
	e.AssignedTo = operator
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// Safe-Mode Store
// ──────────────────────────────────────────────────

// GetSafeModeState returns the singleton state (zero value when unset).
func (m *Store) GetSafeModeState(_ context.Context) (*safemode.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := m.safeMode
	return &cp, nil
}

// SwapSafeModeState replaces the singleton iff the version matches.
func (m *Store) SwapSafeModeState(_ context.Context, next *safemode.State, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.safeMode.Version != expectedVersion {
		return backstop.ErrVersionConflict
	}
	cp := *next
	cp.Version = expectedVersion + 1
	m.safeMode = cp
	return nil
}

// CreateQueuedOrder persists a new buffered order.
func (m *Store) CreateQueuedOrder(_ context.Context, o *safemode.QueuedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID.String()] = &cp
	return nil
}

// GetQueuedOrder retrieves a buffered order by ID.
func (m *Store) GetQueuedOrder(_ context.Context, orderID id.QueuedOrderID) (*safemode.QueuedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID.String()]
	if !ok {
		return nil, backstop.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// UpdateQueuedOrder persists changes to an existing buffered order.
func (m *Store) UpdateQueuedOrder(_ context.Context, o *safemode.QueuedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := o.ID.String()
	if _, ok := m.orders[key]; !ok {
		return backstop.ErrOrderNotFound
	}
	cp := *o
	cp.UpdatedAt = time.Now().UTC()
	m.orders[key] = &cp
	return nil
}

// ListQueuedOrders returns buffered orders in the given status, oldest first.
func (m *Store) ListQueuedOrders(_ context.Context, status safemode.OrderStatus, limit int) ([]*safemode.QueuedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*safemode.QueuedOrder, 0)
	for _, o := range m.orders {
		if status != "" && o.Status != status {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountQueuedOrdersSince counts buffered orders created at or after since.
func (m *Store) CountQueuedOrdersSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, o := range m.orders {
		if !o.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}
