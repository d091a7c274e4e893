package safemode

import (
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
)

// DefaultMessage is relayed to submitters when safe mode is engaged and no
// custom message was configured.
const DefaultMessage = "system busy, order received"

// State is the process-wide safe-mode singleton. It is stored as a single
// versioned record with optimistic concurrency so multiple service
// instances observe a consistent toggle.
type State struct {
	Enabled       bool       `json:"enabled"`
	EnabledBy     string     `json:"enabled_by,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	EnabledAt     *time.Time `json:"enabled_at,omitempty"`
	AutoDisableAt *time.Time `json:"auto_disable_at,omitempty"`
	CustomMessage string     `json:"custom_message,omitempty"`

	// Version increments on every swap; the store rejects writes whose
	// expected version is stale.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderStatus represents the lifecycle state of a queued order.
type OrderStatus string

const (
	// OrderQueued means the order awaits draining.
	OrderQueued OrderStatus = "queued"
	// OrderProcessing means a drain consumer claimed the order.
	OrderProcessing OrderStatus = "processing"
	// OrderCompleted means the order was applied; OrderID is set.
	OrderCompleted OrderStatus = "completed"
	// OrderFailed means draining gave up on the order.
	OrderFailed OrderStatus = "failed"
)

// QueuedOrder buffers an order submission rejected while safe mode was
// engaged, for later replay by a drain consumer.
type QueuedOrder struct {
	backstop.Entity

	ID            id.QueuedOrderID `json:"id"`
	RetailerID    string           `json:"retailer_id"`
	SourcePayload []byte           `json:"source_payload"`
	Status        OrderStatus      `json:"status"`
	RetryCount    int              `json:"retry_count"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	// OrderID is the ledger order produced on completion.
	OrderID string `json:"order_id,omitempty"`
}
