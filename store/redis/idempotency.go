package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/idempotency"
)

// CreateRecord inserts a new idempotency record. The create-if-absent
// script picks the admission winner; losers get backstop.ErrRecordExists.
func (s *Store) CreateRecord(ctx context.Context, rec *idempotency.Record) error {
	won, err := createIfAbsentScript.Run(ctx, s.client,
		[]string{recordKey(rec.Key), recordKeysKey},
		append([]interface{}{rec.Key}, recordToArgs(rec)...)...,
	).Int()
	if err != nil {
		return fmt.Errorf("backstop/redis: create record: %w", err)
	}
	if won == 0 {
		return backstop.ErrRecordExists
	}
	return nil
}

// GetRecord retrieves an idempotency record by key.
func (s *Store) GetRecord(ctx context.Context, key string) (*idempotency.Record, error) {
	vals, err := s.client.HGetAll(ctx, recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: get record: %w", err)
	}
	if len(vals) == 0 {
		return nil, backstop.ErrRecordNotFound
	}
	return mapToRecord(vals)
}

// MarkRecordCompleted transitions processing -> completed and caches the
// response.
func (s *Store) MarkRecordCompleted(ctx context.Context, key string, response []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := guardedHSetScript.Run(ctx, s.client,
		[]string{recordKey(key)},
		string(idempotency.StatusProcessing),
		"status", string(idempotency.StatusCompleted),
		"cached_response", string(response),
		"completed_at", now,
		"updated_at", now,
	).Int()
	if err != nil {
		return fmt.Errorf("backstop/redis: mark record completed: %w", err)
	}
	return classifyGuarded(res, backstop.ErrRecordNotFound)
}

// MarkRecordFailed transitions processing -> failed with the error detail.
func (s *Store) MarkRecordFailed(ctx context.Context, key string, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := guardedHSetScript.Run(ctx, s.client,
		[]string{recordKey(key)},
		string(idempotency.StatusProcessing),
		"status", string(idempotency.StatusFailed),
		"last_error", errMsg,
		"updated_at", now,
	).Int()
	if err != nil {
		return fmt.Errorf("backstop/redis: mark record failed: %w", err)
	}
	return classifyGuarded(res, backstop.ErrRecordNotFound)
}

// ResetForRetry atomically swaps failed -> processing. A lost swap is not
// an error; the caller re-reads and follows the record's current state.
func (s *Store) ResetForRetry(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := guardedHSetScript.Run(ctx, s.client,
		[]string{recordKey(key)},
		string(idempotency.StatusFailed),
		"status", string(idempotency.StatusProcessing),
		"cached_response", "",
		"last_error", "",
		"updated_at", now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("backstop/redis: reset for retry: %w", err)
	}
	return res == 1, nil
}

// PurgeCompletedRecords deletes completed records created before the
// cutoff. The enumeration set is walked entry by entry, same trade-off as
// the other scans here: purge is a maintenance call, not a hot path.
func (s *Store) PurgeCompletedRecords(ctx context.Context, before time.Time) (int64, error) {
	keys, err := s.client.SMembers(ctx, recordKeysKey).Result()
	if err != nil {
		return 0, fmt.Errorf("backstop/redis: purge records smembers: %w", err)
	}

	var purged int64
	for _, key := range keys {
		vals, getErr := s.client.HMGet(ctx, recordKey(key), "status", "created_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("backstop/redis: purge records get: %w", getErr)
		}

		status, _ := vals[0].(string)
		createdStr, _ := vals[1].(string)
		if status != string(idempotency.StatusCompleted) {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, createdStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if !createdAt.Before(before) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, recordKey(key))
		pipe.SRem(ctx, recordKeysKey, key)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return purged, fmt.Errorf("backstop/redis: purge records del: %w", pErr)
		}
		purged++
	}
	return purged, nil
}

// ── helpers ──

// classifyGuarded maps a guardedHSetScript result to the store contract.
func classifyGuarded(res int, notFound error) error {
	switch res {
	case 1:
		return nil
	case -1:
		return notFound
	default:
		return backstop.ErrInvalidState
	}
}

func recordToArgs(rec *idempotency.Record) []interface{} {
	args := []interface{}{
		"id", rec.ID.String(),
		"key", rec.Key,
		"owner", rec.Owner,
		"status", string(rec.Status),
		"cached_response", string(rec.CachedResponse),
		"last_error", rec.LastError,
		"created_at", rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.CompletedAt != nil {
		args = append(args, "completed_at", rec.CompletedAt.Format(time.RFC3339Nano))
	}
	return args
}

func mapToRecord(m map[string]string) (*idempotency.Record, error) {
	recID, err := id.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: parse record id: %w", err)
	}

	rec := &idempotency.Record{
		ID:        recID,
		Key:       m["key"],
		Owner:     m["owner"],
		Status:    idempotency.Status(m["status"]),
		LastError: m["last_error"],
	}
	if v := m["cached_response"]; v != "" {
		rec.CachedResponse = []byte(v)
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		rec.CompletedAt = &t
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	return rec, nil
}
