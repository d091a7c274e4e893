package safemode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/id"
)

// DefaultCacheTTL bounds staleness of the process-local enabled-flag cache.
const DefaultCacheTTL = 5 * time.Second

// DefaultOrderRetryBudget is how many failed drain attempts a queued order
// gets before it is parked in failed status for an operator.
const DefaultOrderRetryBudget = 3

// EnableOptions customize an Enable call.
type EnableOptions struct {
	Reason string
	// AutoDisableAfter, when positive, makes the engagement expire on its
	// own. Expiry is honored lazily by IsEnabled rather than by a timer.
	AutoDisableAfter time.Duration
	// CustomMessage overrides DefaultMessage in admission-denied results.
	CustomMessage string
}

// DrainStats summarizes one safe-mode episode, returned by Disable.
type DrainStats struct {
	OrdersQueued int64         `json:"orders_queued"`
	Duration     time.Duration `json:"duration"`
}

// OrderDescriptor is the inbound order submission presented for admission.
type OrderDescriptor struct {
	RetailerID    string
	SourcePayload []byte
}

// Admission is the controller's verdict on a submitted order.
type Admission struct {
	// Admitted is true when normal processing may proceed.
	Admitted bool
	// Message is relayed to the submitter when the order was buffered.
	Message string
	// QueuedOrderID identifies the buffered order when not admitted.
	QueuedOrderID id.QueuedOrderID
}

// Controller is the process-wide admission gate. When engaged it diverts
// new intake into the queued-order buffer instead of the normal pipeline.
//
// The enabled flag is cached per process for a short TTL so the hot
// admission path does not pay a storage round-trip per request. The check
// fails open toward availability: a storage fault reads as disabled,
// because blocking all traffic on an observability failure is worse than
// admitting during a maintenance window.
type Controller struct {
	store       Store
	logger      *slog.Logger
	cacheTTL    time.Duration
	retryBudget int

	mu       sync.Mutex
	cached   *State
	cachedAt time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithCacheTTL overrides the enabled-flag cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.cacheTTL = d
		}
	}
}

// WithOrderRetryBudget overrides how many failed drain attempts a queued
// order gets before it parks in failed status.
func WithOrderRetryBudget(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.retryBudget = n
		}
	}
}

// NewController creates a Controller over the given store.
func NewController(store Store, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:       store,
		logger:      logger,
		cacheTTL:    DefaultCacheTTL,
		retryBudget: DefaultOrderRetryBudget,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsEnabled reports whether safe mode is currently engaged. Reads go
// through the process-local cache; a storage error fails open (false).
func (c *Controller) IsEnabled(ctx context.Context) bool {
	state := c.currentState(ctx)
	return state != nil && state.Enabled
}

// State returns a copy of the current safe-mode state, read fresh from
// the store so operator views are not a cache TTL behind. Auto-disable
// expiry is honored the same way the admission path honors it.
func (c *Controller) State(ctx context.Context) (*State, error) {
	state, err := c.store.GetSafeModeState(ctx)
	if err != nil {
		return nil, err
	}
	state = c.expireIfDue(ctx, state)
	cp := *state
	return &cp, nil
}

// currentState returns the cached state, refreshing it when stale.
// Returns nil on storage failure (fail open).
func (c *Controller) currentState(ctx context.Context) *State {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL {
		state := c.cached
		c.mu.Unlock()
		return c.expireIfDue(ctx, state)
	}
	c.mu.Unlock()

	state, err := c.store.GetSafeModeState(ctx)
	if err != nil {
		c.logger.Error("safe-mode state check failed, failing open",
			slog.String("error", err.Error()),
		)
		return nil
	}

	c.mu.Lock()
	c.cached = state
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return c.expireIfDue(ctx, state)
}

// expireIfDue treats an engagement past its AutoDisableAt as disabled and
// flips the stored flag best-effort. The read result does not depend on
// the write succeeding.
func (c *Controller) expireIfDue(ctx context.Context, state *State) *State {
	if state == nil || !state.Enabled || state.AutoDisableAt == nil {
		return state
	}
	if time.Now().UTC().Before(*state.AutoDisableAt) {
		return state
	}

	next := &State{UpdatedAt: time.Now().UTC()}
	if err := c.store.SwapSafeModeState(ctx, next, state.Version); err != nil {
		c.logger.Warn("safe-mode auto-disable write failed",
			slog.String("error", err.Error()),
		)
	}
	c.invalidateCache()

	expired := *state
	expired.Enabled = false
	return &expired
}

// Enable engages safe mode. Fails with backstop.ErrInvalidState if it is
// already engaged and backstop.ErrVersionConflict when racing another
// toggle. The cache is invalidated immediately so no stale negative reads
// survive.
func (c *Controller) Enable(ctx context.Context, actor string, opts EnableOptions) error {
	state, err := c.store.GetSafeModeState(ctx)
	if err != nil {
		return err
	}
	if state.Enabled {
		return backstop.ErrInvalidState
	}

	now := time.Now().UTC()
	next := &State{
		Enabled:       true,
		EnabledBy:     actor,
		Reason:        opts.Reason,
		EnabledAt:     &now,
		CustomMessage: opts.CustomMessage,
		UpdatedAt:     now,
	}
	if opts.AutoDisableAfter > 0 {
		until := now.Add(opts.AutoDisableAfter)
		next.AutoDisableAt = &until
	}

	if err := c.store.SwapSafeModeState(ctx, next, state.Version); err != nil {
		return err
	}
	c.invalidateCache()

	c.logger.Warn("safe mode enabled",
		slog.String("actor", actor),
		slog.String("reason", opts.Reason),
		slog.Duration("auto_disable_after", opts.AutoDisableAfter),
	)
	return nil
}

// Disable disengages safe mode and returns statistics for the episode:
// how many orders were buffered while it was engaged and for how long it
// ran. Fails with backstop.ErrInvalidState if safe mode is not engaged.
func (c *Controller) Disable(ctx context.Context, actor string) (DrainStats, error) {
	state, err := c.store.GetSafeModeState(ctx)
	if err != nil {
		return DrainStats{}, err
	}
	if !state.Enabled {
		return DrainStats{}, backstop.ErrInvalidState
	}

	now := time.Now().UTC()
	stats := DrainStats{}
	if state.EnabledAt != nil {
		stats.Duration = now.Sub(*state.EnabledAt)
		queued, countErr := c.store.CountQueuedOrdersSince(ctx, *state.EnabledAt)
		if countErr != nil {
			// Stats are informational; the toggle must still flip.
			c.logger.Error("failed to count queued orders for drain stats",
				slog.String("error", countErr.Error()),
			)
		} else {
			stats.OrdersQueued = queued
		}
	}

	next := &State{UpdatedAt: now}
	if err := c.store.SwapSafeModeState(ctx, next, state.Version); err != nil {
		return DrainStats{}, err
	}
	c.invalidateCache()

	c.logger.Info("safe mode disabled",
		slog.String("actor", actor),
		slog.Int64("orders_queued", stats.OrdersQueued),
		slog.Duration("episode", stats.Duration),
	)
	return stats, nil
}

// AdmitOrQueue gates one inbound order. With safe mode engaged the order
// is buffered as a QueuedOrder and the submitter gets an admission-denied
// result carrying the configured message; otherwise processing proceeds.
//
// A buffering write failure propagates: the order must not be silently
// dropped.
func (c *Controller) AdmitOrQueue(ctx context.Context, order OrderDescriptor) (Admission, error) {
	state := c.currentState(ctx)
	if state == nil || !state.Enabled {
		return Admission{Admitted: true}, nil
	}

	buffered := &QueuedOrder{
		Entity:        backstop.NewEntity(),
		ID:            id.NewQueuedOrderID(),
		RetailerID:    order.RetailerID,
		SourcePayload: order.SourcePayload,
		Status:        OrderQueued,
	}
	if err := c.store.CreateQueuedOrder(ctx, buffered); err != nil {
		return Admission{}, err
	}

	msg := state.CustomMessage
	if msg == "" {
		msg = DefaultMessage
	}

	c.logger.Info("order buffered under safe mode",
		slog.String("queued_order_id", buffered.ID.String()),
		slog.String("retailer_id", order.RetailerID),
	)

	return Admission{Admitted: false, Message: msg, QueuedOrderID: buffered.ID}, nil
}

// DrainQueued returns buffered orders awaiting replay, oldest first. The
// drain is a pull-based sweep: safe to call repeatedly, during or after an
// episode.
func (c *Controller) DrainQueued(ctx context.Context, limit int) ([]*QueuedOrder, error) {
	return c.store.ListQueuedOrders(ctx, OrderQueued, limit)
}

// MarkProcessing records that a drain consumer claimed the order.
func (c *Controller) MarkProcessing(ctx context.Context, orderID id.QueuedOrderID) error {
	o, err := c.store.GetQueuedOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != OrderQueued {
		return backstop.ErrInvalidState
	}
	o.Status = OrderProcessing
	o.UpdatedAt = time.Now().UTC()
	return c.store.UpdateQueuedOrder(ctx, o)
}

// MarkCompleted finalizes a drained order with the ledger order it produced.
func (c *Controller) MarkCompleted(ctx context.Context, orderID id.QueuedOrderID, ledgerOrderID string) error {
	o, err := c.store.GetQueuedOrder(ctx, orderID)
	if err != nil {
		return err
	}
	o.Status = OrderCompleted
	o.OrderID = ledgerOrderID
	o.UpdatedAt = time.Now().UTC()
	return c.store.UpdateQueuedOrder(ctx, o)
}

// MarkFailed records a failed drain attempt. The retry count increments
// and the order returns to queued for the next sweep — MarkFailed never
// re-drives the retry itself. Once the retry budget is spent the order
// parks in failed status for an operator.
func (c *Controller) MarkFailed(ctx context.Context, orderID id.QueuedOrderID, errMsg string) error {
	o, err := c.store.GetQueuedOrder(ctx, orderID)
	if err != nil {
		return err
	}
	o.RetryCount++
	o.ErrorMessage = errMsg
	if o.RetryCount < c.retryBudget {
		o.Status = OrderQueued
	} else {
		o.Status = OrderFailed
	}
	o.UpdatedAt = time.Now().UTC()
	return c.store.UpdateQueuedOrder(ctx, o)
}

func (c *Controller) invalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}
