package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/safemode"
)

// ──────────────────────────────────────────────────
// Safe-mode singleton
// ──────────────────────────────────────────────────

// GetSafeModeState returns the stored singleton, or the zero State when
// nothing has been written yet.
func (s *Store) GetSafeModeState(ctx context.Context) (*safemode.State, error) {
	var st safemode.State
	err := s.pool.QueryRow(ctx, `
		SELECT enabled, enabled_by, reason, enabled_at, auto_disable_at,
		       custom_message, version, updated_at
		FROM backstop_safemode_state`,
	).Scan(
		&st.Enabled, &st.EnabledBy, &st.Reason, &st.EnabledAt,
		&st.AutoDisableAt, &st.CustomMessage, &st.Version, &st.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return &safemode.State{}, nil
		}
		return nil, fmt.Errorf("backstop/postgres: get safe mode state: %w", err)
	}
	return &st, nil
}

// SwapSafeModeState writes the singleton iff the stored version still
// equals expectedVersion. The version guard in the upsert's WHERE clause
// turns the swap into a compare-and-set across service instances.
func (s *Store) SwapSafeModeState(ctx context.Context, next *safemode.State, expectedVersion int64) error {
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO backstop_safemode_state
			(singleton, enabled, enabled_by, reason, enabled_at, auto_disable_at,
			 custom_message, version, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (singleton) DO UPDATE SET
			enabled         = EXCLUDED.enabled,
			enabled_by      = EXCLUDED.enabled_by,
			reason          = EXCLUDED.reason,
			enabled_at      = EXCLUDED.enabled_at,
			auto_disable_at = EXCLUDED.auto_disable_at,
			custom_message  = EXCLUDED.custom_message,
			version         = EXCLUDED.version,
			updated_at      = EXCLUDED.updated_at
		WHERE backstop_safemode_state.version = $9`,
		next.Enabled, next.EnabledBy, next.Reason, next.EnabledAt,
		next.AutoDisableAt, next.CustomMessage, next.Version, next.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: swap safe mode state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backstop.ErrVersionConflict
	}
	return nil
}

// ──────────────────────────────────────────────────
// Queued orders
// ──────────────────────────────────────────────────

const queuedOrderColumns = `id, retailer_id, source_payload, status, retry_count,
	error_message, order_id, created_at, updated_at`

// CreateQueuedOrder persists a new buffered order.
func (s *Store) CreateQueuedOrder(ctx context.Context, o *safemode.QueuedOrder) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backstop_queued_orders
			(id, retailer_id, source_payload, status, retry_count, error_message,
			 order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID.String(), o.RetailerID, o.SourcePayload, string(o.Status),
		o.RetryCount, o.ErrorMessage, o.OrderID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: create queued order: %w", err)
	}
	return nil
}

// GetQueuedOrder retrieves a buffered order by ID.
func (s *Store) GetQueuedOrder(ctx context.Context, orderID id.QueuedOrderID) (*safemode.QueuedOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queuedOrderColumns+` FROM backstop_queued_orders WHERE id = $1`,
		orderID.String(),
	)
	o, err := scanQueuedOrder(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backstop.ErrOrderNotFound
		}
		return nil, fmt.Errorf("backstop/postgres: get queued order: %w", err)
	}
	return o, nil
}

// UpdateQueuedOrder persists changes to an existing buffered order.
func (s *Store) UpdateQueuedOrder(ctx context.Context, o *safemode.QueuedOrder) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backstop_queued_orders SET
			retailer_id    = $1,
			source_payload = $2,
			status         = $3,
			retry_count    = $4,
			error_message  = $5,
			order_id       = $6,
			updated_at     = $7
		WHERE id = $8`,
		o.RetailerID, o.SourcePayload, string(o.Status), o.RetryCount,
		o.ErrorMessage, o.OrderID, time.Now().UTC(), o.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("backstop/postgres: update queued order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backstop.ErrOrderNotFound
	}
	return nil
}

// ListQueuedOrders returns buffered orders in the given status, oldest
// first so the drain preserves submission order.
func (s *Store) ListQueuedOrders(ctx context.Context, status safemode.OrderStatus, limit int) ([]*safemode.QueuedOrder, error) {
	query := `SELECT ` + queuedOrderColumns + ` FROM backstop_queued_orders
		WHERE status = $1
		ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("backstop/postgres: list queued orders: %w", err)
	}
	return collectQueuedOrders(rows)
}

// CountQueuedOrdersSince returns the number of buffered orders created at
// or after the given time, regardless of status.
func (s *Store) CountQueuedOrdersSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM backstop_queued_orders WHERE created_at >= $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("backstop/postgres: count queued orders: %w", err)
	}
	return count, nil
}

func scanQueuedOrder(row rowScanner) (*safemode.QueuedOrder, error) {
	var (
		o      safemode.QueuedOrder
		rawID  string
		status string
	)
	err := row.Scan(
		&rawID, &o.RetailerID, &o.SourcePayload, &status, &o.RetryCount,
		&o.ErrorMessage, &o.OrderID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ID, err = id.Parse(rawID)
	if err != nil {
		return nil, err
	}
	o.Status = safemode.OrderStatus(status)
	return &o, nil
}

func collectQueuedOrders(rows pgx.Rows) ([]*safemode.QueuedOrder, error) {
	defer rows.Close()

	var orders []*safemode.QueuedOrder
	for rows.Next() {
		o, err := scanQueuedOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("backstop/postgres: scan queued order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backstop/postgres: iterate queued orders: %w", err)
	}
	return orders, nil
}
