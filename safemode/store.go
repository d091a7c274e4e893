package safemode

import (
	"context"
	"time"

	"github.com/khaacho/backstop/id"
)

// Store defines the persistence contract for the safe-mode singleton and
// the queued-order buffer.
type Store interface {
	// GetSafeModeState returns the current singleton state. A backend
	// with no stored state yet returns the zero State (disabled,
	// version 0), not an error.
	GetSafeModeState(ctx context.Context) (*State, error)

	// SwapSafeModeState replaces the singleton if its stored version
	// still equals expectedVersion. Returns backstop.ErrVersionConflict
	// on a stale swap. The backend assigns next.Version = expectedVersion+1.
	SwapSafeModeState(ctx context.Context, next *State, expectedVersion int64) error

	// CreateQueuedOrder persists a new buffered order.
	CreateQueuedOrder(ctx context.Context, o *QueuedOrder) error

	// GetQueuedOrder retrieves a buffered order by ID. Returns
	// backstop.ErrOrderNotFound if none exists.
	GetQueuedOrder(ctx context.Context, orderID id.QueuedOrderID) (*QueuedOrder, error)

	// UpdateQueuedOrder persists changes to an existing buffered order.
	UpdateQueuedOrder(ctx context.Context, o *QueuedOrder) error

	// ListQueuedOrders returns buffered orders in the given status,
	// oldest first, bounded by limit. A zero limit means no bound.
	ListQueuedOrders(ctx context.Context, status OrderStatus, limit int) ([]*QueuedOrder, error)

	// CountQueuedOrdersSince returns the number of buffered orders
	// created at or after the given time, regardless of status.
	CountQueuedOrdersSince(ctx context.Context, since time.Time) (int64, error)
}
