package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/safemode"
)

// GetSafeModeState returns the stored singleton, or the zero State when
// nothing has been written yet.
func (s *Store) GetSafeModeState(ctx context.Context) (*safemode.State, error) {
	vals, err := s.client.HGetAll(ctx, safeModeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: get safe mode state: %w", err)
	}
	if len(vals) == 0 {
		return &safemode.State{}, nil
	}
	return mapToState(vals), nil
}

// SwapSafeModeState writes the singleton iff the stored version still
// equals expectedVersion. The version check runs server-side, so
// concurrent toggles from different instances cannot interleave.
func (s *Store) SwapSafeModeState(ctx context.Context, next *safemode.State, expectedVersion int64) error {
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()

	args := append(
		[]interface{}{strconv.FormatInt(expectedVersion, 10)},
		stateToArgs(next)...,
	)
	res, err := swapStateScript.Run(ctx, s.client, []string{safeModeKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("backstop/redis: swap safe mode state: %w", err)
	}
	if res == 0 {
		return backstop.ErrVersionConflict
	}
	return nil
}

// CreateQueuedOrder persists a new buffered order.
func (s *Store) CreateQueuedOrder(ctx context.Context, o *safemode.QueuedOrder) error {
	oID := o.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, orderKey(oID), orderToMap(o))
	pipe.SAdd(ctx, orderIDsKey, oID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backstop/redis: create queued order: %w", err)
	}
	return nil
}

// GetQueuedOrder retrieves a buffered order by ID.
func (s *Store) GetQueuedOrder(ctx context.Context, orderID id.QueuedOrderID) (*safemode.QueuedOrder, error) {
	vals, err := s.client.HGetAll(ctx, orderKey(orderID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: get queued order: %w", err)
	}
	if len(vals) == 0 {
		return nil, backstop.ErrOrderNotFound
	}
	return mapToOrder(vals)
}

// UpdateQueuedOrder persists changes to an existing buffered order.
func (s *Store) UpdateQueuedOrder(ctx context.Context, o *safemode.QueuedOrder) error {
	key := orderKey(o.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("backstop/redis: update queued order exists: %w", err)
	}
	if exists == 0 {
		return backstop.ErrOrderNotFound
	}

	o.UpdatedAt = time.Now().UTC()
	if err := s.client.HSet(ctx, key, orderToMap(o)).Err(); err != nil {
		return fmt.Errorf("backstop/redis: update queued order: %w", err)
	}
	return nil
}

// ListQueuedOrders returns buffered orders in the given status, oldest
// first so the drain preserves submission order.
func (s *Store) ListQueuedOrders(ctx context.Context, status safemode.OrderStatus, limit int) ([]*safemode.QueuedOrder, error) {
	ids, err := s.client.SMembers(ctx, orderIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: list queued orders: %w", err)
	}

	var orders []*safemode.QueuedOrder
	for _, oID := range ids {
		vals, getErr := s.client.HGetAll(ctx, orderKey(oID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		o, convErr := mapToOrder(vals)
		if convErr != nil {
			continue
		}
		if o.Status != status {
			continue
		}
		orders = append(orders, o)
	}

	sort.Slice(orders, func(i, k int) bool { return orders[i].CreatedAt.Before(orders[k].CreatedAt) })
	if limit > 0 && limit < len(orders) {
		orders = orders[:limit]
	}
	return orders, nil
}

// CountQueuedOrdersSince returns the number of buffered orders created at
// or after the given time, regardless of status.
func (s *Store) CountQueuedOrdersSince(ctx context.Context, since time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, orderIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("backstop/redis: count queued orders: %w", err)
	}

	var count int64
	for _, oID := range ids {
		createdStr, getErr := s.client.HGet(ctx, orderKey(oID), "created_at").Result()
		if getErr != nil {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, createdStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if !createdAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// ── helpers ──

func stateToArgs(st *safemode.State) []interface{} {
	enabled := "0"
	if st.Enabled {
		enabled = "1"
	}
	enabledAt := ""
	if st.EnabledAt != nil {
		enabledAt = st.EnabledAt.Format(time.RFC3339Nano)
	}
	autoDisableAt := ""
	if st.AutoDisableAt != nil {
		autoDisableAt = st.AutoDisableAt.Format(time.RFC3339Nano)
	}

	return []interface{}{
		"enabled", enabled,
		"enabled_by", st.EnabledBy,
		"reason", st.Reason,
		"enabled_at", enabledAt,
		"auto_disable_at", autoDisableAt,
		"custom_message", st.CustomMessage,
		"version", strconv.FormatInt(st.Version, 10),
		"updated_at", st.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToState(m map[string]string) *safemode.State {
	version, _ := strconv.ParseInt(m["version"], 10, 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	st := &safemode.State{
		Enabled:       m["enabled"] == "1",
		EnabledBy:     m["enabled_by"],
		Reason:        m["reason"],
		CustomMessage: m["custom_message"],
		Version:       version,
		UpdatedAt:     updatedAt,
	}
	if v := m["enabled_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		st.EnabledAt = &t
	}
	if v := m["auto_disable_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		st.AutoDisableAt = &t
	}
	return st
}

func orderToMap(o *safemode.QueuedOrder) map[string]interface{} {
	return map[string]interface{}{
		"id":             o.ID.String(),
		"retailer_id":    o.RetailerID,
		"source_payload": string(o.SourcePayload),
		"status":         string(o.Status),
		"retry_count":    strconv.Itoa(o.RetryCount),
		"error_message":  o.ErrorMessage,
		"order_id":       o.OrderID,
		"created_at":     o.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     o.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToOrder(m map[string]string) (*safemode.QueuedOrder, error) {
	oID, err := id.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("backstop/redis: parse queued order id: %w", err)
	}

	retryCount, _ := strconv.Atoi(m["retry_count"])               //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	o := &safemode.QueuedOrder{
		ID:           oID,
		RetailerID:   m["retailer_id"],
		Status:       safemode.OrderStatus(m["status"]),
		RetryCount:   retryCount,
		ErrorMessage: m["error_message"],
		OrderID:      m["order_id"],
	}
	o.CreatedAt = createdAt
	o.UpdatedAt = updatedAt

	if v := m["source_payload"]; v != "" {
		o.SourcePayload = []byte(v)
	}
	return o, nil
}
