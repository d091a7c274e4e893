package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
)

// CreateEntry inserts a new dead-letter entry. HSETNX on the job-to-entry
// mapping is the unique constraint: the second admission for the same job
// loses the claim and gets backstop.ErrEntryExists.
func (s *Store) CreateEntry(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()
	jID := entry.JobID.String()

	claimed, err := s.client.HSetNX(ctx, entryByJobKey, jID, eID).Result()
	if err != nil {
		return fmt.Errorf("backstop/redis: create entry claim: %w", err)
	}
	if !claimed {
		return backstop.ErrEntryExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entryKey(eID), entryToMap(entry))
	pipe.SAdd(ctx, entryIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backstop/redis: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a dead-letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, entryKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: get entry: %w", err)
	}
	if len(vals) == 0 {
		return nil, backstop.ErrEntryNotFound
	}
	return mapToEntry(vals)
}

// ListEntries returns entries matching the filter, highest priority first,
// newest first within a priority.
func (s *Store) ListEntries(ctx context.Context, filter dlq.Filter, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	entries, err := s.scanEntries(ctx, filter)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, k int) bool {
		if entries[i].Priority != entries[k].Priority {
			return entries[i].Priority > entries[k].Priority
		}
		return entries[i].CreatedAt.After(entries[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// CountEntries returns the number of entries matching the filter.
func (s *Store) CountEntries(ctx context.Context, filter dlq.Filter) (int64, error) {
	if filter == (dlq.Filter{}) {
		count, err := s.client.SCard(ctx, entryIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("backstop/redis: count entries: %w", err)
		}
		return count, nil
	}

	entries, err := s.scanEntries(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// TryRecoveryAttempt spends one unit of the recovery budget server-side,
// then re-reads the updated entry.
func (s *Store) TryRecoveryAttempt(ctx context.Context, entryID id.DLQID, at time.Time) (*dlq.Entry, error) {
	res, err := tryRecoveryScript.Run(ctx, s.client,
		[]string{entryKey(entryID.String())},
		at.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: try recovery attempt: %w", err)
	}

	switch res {
	case 1:
		return s.GetEntry(ctx, entryID)
	case -1:
		return nil, backstop.ErrEntryNotFound
	case -2:
		return nil, backstop.ErrEntryTerminal
	case -3:
		return nil, backstop.ErrInvalidState
	default:
		return nil, backstop.ErrRecoveryExhausted
	}
}

// MarkEntryRecovered transitions pending -> recovered.
func (s *Store) MarkEntryRecovered(ctx context.Context, entryID id.DLQID, at time.Time) error {
	stamp := at.UTC().Format(time.RFC3339Nano)
	res, err := guardedEntryScript.Run(ctx, s.client,
		[]string{entryKey(entryID.String())},
		string(dlq.RecoveryPending),
		"recovery_status", string(dlq.Recovered),
		"recovered_at", stamp,
		"updated_at", stamp,
	).Int()
	if err != nil {
		return fmt.Errorf("backstop/redis: mark entry recovered: %w", err)
	}
	return s.classifyEntryResult(ctx, entryID, res)
}

// MarkEntryPermanentlyFailed transitions pending -> permanently_failed.
func (s *Store) MarkEntryPermanentlyFailed(ctx context.Context, entryID id.DLQID, reason string, at time.Time) error {
	res, err := guardedEntryScript.Run(ctx, s.client,
		[]string{entryKey(entryID.String())},
		string(dlq.RecoveryPending),
		"recovery_status", string(dlq.PermanentlyFailed),
		"permanent_failure_reason", reason,
		"updated_at", at.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("backstop/redis: mark entry permanently failed: %w", err)
	}
	return s.classifyEntryResult(ctx, entryID, res)
}

// UpdateEntryNotes replaces the entry's admin notes. Valid in any state.
func (s *Store) UpdateEntryNotes(ctx context.Context, entryID id.DLQID, notes string) error {
	return s.annotateEntry(ctx, entryID, "admin_notes", notes)
}

// AssignEntry sets the operator responsible for the entry.
func (s *Store) AssignEntry(ctx context.Context, entryID id.DLQID, operator string) error {
	return s.annotateEntry(ctx, entryID, "assigned_to", operator)
}

// ── helpers ──

func (s *Store) annotateEntry(ctx context.Context, entryID id.DLQID, field, value string) error {
	key := entryKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("backstop/redis: annotate entry exists: %w", err)
	}
	if exists == 0 {
		return backstop.ErrEntryNotFound
	}

	err = s.client.HSet(ctx, key,
		field, value,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("backstop/redis: annotate entry: %w", err)
	}
	return nil
}

// classifyEntryResult maps a guardedEntryScript result to the store
// contract, re-reading the entry to tell a terminal entry from a merely
// wrong-state one.
func (s *Store) classifyEntryResult(ctx context.Context, entryID id.DLQID, res int) error {
	switch res {
	case 1:
		return nil
	case -1:
		return backstop.ErrEntryNotFound
	}

	current, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if current.RecoveryStatus == dlq.PermanentlyFailed {
		return backstop.ErrEntryTerminal
	}
	return backstop.ErrInvalidState
}

func (s *Store) scanEntries(ctx context.Context, filter dlq.Filter) ([]*dlq.Entry, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: scan entries: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, entryKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToEntry(vals)
		if convErr != nil {
			continue
		}
		if filter.RecoveryStatus != "" && e.RecoveryStatus != filter.RecoveryStatus {
			continue
		}
		if filter.Queue != "" && e.Queue != filter.Queue {
			continue
		}
		if filter.AssignedTo != "" && e.AssignedTo != filter.AssignedTo {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func entryToMap(e *dlq.Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":                       e.ID.String(),
		"job_id":                   e.JobID.String(),
		"queue":                    e.Queue,
		"job_name":                 e.JobName,
		"payload":                  string(e.Payload),
		"failure_reason":           e.FailureReason,
		"total_attempts":           strconv.Itoa(e.TotalAttempts),
		"recovery_status":          string(e.RecoveryStatus),
		"recovery_attempts":        strconv.Itoa(e.RecoveryAttempts),
		"max_recovery_attempts":    strconv.Itoa(e.MaxRecoveryAttempts),
		"priority":                 strconv.Itoa(e.Priority),
		"admin_notes":              e.AdminNotes,
		"assigned_to":              e.AssignedTo,
		"permanent_failure_reason": e.PermanentFailureReason,
		"failed_at":                e.FailedAt.Format(time.RFC3339Nano),
		"created_at":               e.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":               e.UpdatedAt.Format(time.RFC3339Nano),
	}
	if e.LastRecoveryAttemptAt != nil {
		m["last_recovery_attempt_at"] = e.LastRecoveryAttemptAt.Format(time.RFC3339Nano)
	}
	if e.RecoveredAt != nil {
		m["recovered_at"] = e.RecoveredAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToEntry(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: parse entry id: %w", err)
	}
	jobID, _ := id.Parse(m["job_id"])                             //nolint:errcheck // best-effort parse from trusted Redis data
	totalAttempts, _ := strconv.Atoi(m["total_attempts"])         //nolint:errcheck // best-effort parse from trusted Redis data
	recoveryAttempts, _ := strconv.Atoi(m["recovery_attempts"])   //nolint:errcheck // best-effort parse from trusted Redis data
	maxRecovery, _ := strconv.Atoi(m["max_recovery_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	priority, _ := strconv.Atoi(m["priority"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &dlq.Entry{
		ID:                     eID,
		JobID:                  jobID,
		Queue:                  m["queue"],
		JobName:                m["job_name"],
		FailureReason:          m["failure_reason"],
		TotalAttempts:          totalAttempts,
		RecoveryStatus:         dlq.RecoveryStatus(m["recovery_status"]),
		RecoveryAttempts:       recoveryAttempts,
		MaxRecoveryAttempts:    maxRecovery,
		Priority:               priority,
		AdminNotes:             m["admin_notes"],
		AssignedTo:             m["assigned_to"],
		PermanentFailureReason: m["permanent_failure_reason"],
		FailedAt:               failedAt,
	}
	e.CreatedAt = createdAt
	e.UpdatedAt = updatedAt

	if v := m["payload"]; v != "" {
		e.Payload = []byte(v)
	}
	if v := m["last_recovery_attempt_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.LastRecoveryAttemptAt = &t
	}
	if v := m["recovered_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.RecoveredAt = &t
	}
	return e, nil
}
