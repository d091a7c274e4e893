// Package client provides a Go client for a remote Backstop instance over
// its HTTP API.
//
// Usage:
//
//	c := client.New("http://backstop.internal:8080")
//
//	// Submit an order.
//	result, err := c.SubmitOrder(ctx, intake.OrderMessage{
//	    IdempotencyKey: "order-20260826-001",
//	    JobName:        "process-order",
//	    Payload:        payload,
//	})
//
//	// Toggle safe mode before a maintenance window.
//	err = c.EnableSafeMode(ctx, "ops", client.EnableSafeModeOptions{
//	    Reason: "db failover",
//	})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/khaacho/backstop/api"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/intake"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/safemode"
)

// Client talks to a remote Backstop HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the Backstop API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backstop/client: %d: %s", e.StatusCode, e.Message)
}

// ── orders ──

// SubmitOrder submits one order through the intake pipeline.
func (c *Client) SubmitOrder(ctx context.Context, msg intake.OrderMessage) (intake.Result, error) {
	var result intake.Result
	err := c.do(ctx, http.MethodPost, "/v1/orders", msg, &result)
	return result, err
}

// ── safe mode ──

// EnableSafeModeOptions customize an EnableSafeMode call.
type EnableSafeModeOptions struct {
	Reason           string
	AutoDisableAfter time.Duration
	CustomMessage    string
}

// SafeModeStatus reports the current toggle and buffer depth.
func (c *Client) SafeModeStatus(ctx context.Context) (api.SafeModeStatusResponse, error) {
	var status api.SafeModeStatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/safemode", nil, &status)
	return status, err
}

// EnableSafeMode engages safe mode on behalf of actor.
func (c *Client) EnableSafeMode(ctx context.Context, actor string, opts EnableSafeModeOptions) error {
	return c.do(ctx, http.MethodPost, "/v1/safemode/enable", api.EnableSafeModeRequest{
		Actor:                   actor,
		Reason:                  opts.Reason,
		AutoDisableAfterSeconds: int(opts.AutoDisableAfter / time.Second),
		CustomMessage:           opts.CustomMessage,
	}, nil)
}

// DisableSafeMode disengages safe mode and returns episode statistics.
func (c *Client) DisableSafeMode(ctx context.Context, actor string) (safemode.DrainStats, error) {
	var stats safemode.DrainStats
	err := c.do(ctx, http.MethodPost, "/v1/safemode/disable", api.DisableSafeModeRequest{Actor: actor}, &stats)
	return stats, err
}

// QueuedOrders lists orders buffered during safe mode.
func (c *Client) QueuedOrders(ctx context.Context, limit int) ([]*safemode.QueuedOrder, error) {
	var out struct {
		Items []*safemode.QueuedOrder `json:"items"`
	}
	path := "/v1/safemode/queued"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

// ── dead letters ──

// ListEntries lists dead-letter entries matching the filter.
func (c *Client) ListEntries(ctx context.Context, filter dlq.Filter, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	q := url.Values{}
	if filter.RecoveryStatus != "" {
		q.Set("status", string(filter.RecoveryStatus))
	}
	if filter.Queue != "" {
		q.Set("queue", filter.Queue)
	}
	if filter.AssignedTo != "" {
		q.Set("assigned_to", filter.AssignedTo)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/v1/dlq"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Items []*dlq.Entry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

// GetEntry retrieves one dead-letter entry.
func (c *Client) GetEntry(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	var entry dlq.Entry
	err := c.do(ctx, http.MethodGet, "/v1/dlq/"+entryID.String(), nil, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RetryEntry spends one recovery attempt and returns the resubmission.
func (c *Client) RetryEntry(ctx context.Context, entryID id.DLQID) (dlq.Resubmission, error) {
	var resub dlq.Resubmission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/dlq/%s/retry", entryID), nil, &resub)
	return resub, err
}

// MarkEntryRecovered marks an entry recovered.
func (c *Client) MarkEntryRecovered(ctx context.Context, entryID id.DLQID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/dlq/%s/recovered", entryID), nil, nil)
}

// MarkEntryPermanentlyFailed gives up on an entry with the given reason.
func (c *Client) MarkEntryPermanentlyFailed(ctx context.Context, entryID id.DLQID, reason string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/dlq/%s/fail", entryID),
		api.MarkEntryFailedRequest{Reason: reason}, nil)
}

// UpdateEntryNotes replaces an entry's admin notes.
func (c *Client) UpdateEntryNotes(ctx context.Context, entryID id.DLQID, notes string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/dlq/%s/notes", entryID),
		api.EntryNotesRequest{Notes: notes}, nil)
}

// AssignEntry sets the operator responsible for an entry.
func (c *Client) AssignEntry(ctx context.Context, entryID id.DLQID, operator string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/dlq/%s/assign", entryID),
		api.AssignEntryRequest{Operator: operator}, nil)
}

// ── jobs and stats ──

// GetJob retrieves one tracked job.
func (c *Client) GetJob(ctx context.Context, jobID id.JobID) (*retry.Job, error) {
	var j retry.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &j)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// JobCounts returns job totals grouped by status.
func (c *Client) JobCounts(ctx context.Context) (api.JobCountsResponse, error) {
	var counts api.JobCountsResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs/counts", nil, &counts)
	return counts, err
}

// Stats returns aggregate control-plane statistics.
func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var stats api.StatsResponse
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats)
	return stats, err
}

// PurgeRecords deletes completed idempotency records older than the given
// age and returns how many were removed.
func (c *Client) PurgeRecords(ctx context.Context, olderThan time.Duration) (int64, error) {
	var out api.PurgeRecordsResponse
	err := c.do(ctx, http.MethodPost, "/v1/idempotency/purge", api.PurgeRecordsRequest{
		OlderThanHours: int(olderThan / time.Hour),
	}, &out)
	return out.Purged, err
}

// ── transport ──

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backstop/client: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("backstop/client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backstop/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-side close

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backstop/client: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if unmarshalErr := json.Unmarshal(data, &apiErr); unmarshalErr == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backstop/client: unmarshal response: %w", err)
	}
	return nil
}
