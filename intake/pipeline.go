package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/idempotency"
	"github.com/khaacho/backstop/runner"
	"github.com/khaacho/backstop/safemode"
)

// owner tag recorded on idempotency records created by this pipeline.
const owner = "order-intake"

// OrderMessage is one inbound order submission, as carried on the wire.
type OrderMessage struct {
	// IdempotencyKey deduplicates submissions of the same logical order.
	// Required.
	IdempotencyKey string `json:"idempotency_key"`
	RetailerID     string `json:"retailer_id"`
	// JobName selects the registered handler that processes this order.
	JobName string `json:"job_name"`
	Queue   string `json:"queue,omitempty"`
	// Payload is the handler's input, opaque to the pipeline.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status classifies what the pipeline did with a submission.
type Status string

const (
	// StatusAccepted means the order entered normal processing.
	StatusAccepted Status = "accepted"
	// StatusReplayed means a completed submission with the same key was
	// found and its cached response returned. Nothing was re-executed.
	StatusReplayed Status = "replayed"
	// StatusDuplicate means another submission with the same key is in
	// flight. The submitter should retry shortly.
	StatusDuplicate Status = "duplicate"
	// StatusBuffered means safe mode diverted the order into the
	// queued-order buffer for later replay.
	StatusBuffered Status = "buffered"
)

// Result is the pipeline's verdict on one submission.
type Result struct {
	Status Status `json:"status"`
	// Response carries the processing outcome for accepted and replayed
	// submissions.
	Response []byte `json:"response,omitempty"`
	// Message is the submitter-facing text for buffered submissions.
	Message string `json:"message,omitempty"`
	// JobID identifies the tracked job for accepted submissions.
	JobID id.JobID `json:"job_id,omitempty"`
	// QueuedOrderID identifies the buffered order for buffered submissions.
	QueuedOrderID id.QueuedOrderID `json:"queued_order_id,omitempty"`
}

// Pipeline is the admission path every order submission walks:
// safe mode first (cheapest check, diverts load), then the idempotency
// gate (fails closed), then job submission. The order of the first two
// checks matters: a buffered order must not consume its idempotency key,
// or the later replay would be refused as a duplicate.
type Pipeline struct {
	controller *safemode.Controller
	gate       *idempotency.Gate
	runner     *runner.Runner
	logger     *slog.Logger
}

// NewPipeline creates a Pipeline. The runner is wired to settle each
// job's idempotency key at its terminal outcome, so keys admitted here
// stay locked for as long as the job is alive, including across retries
// driven by the sweeper.
func NewPipeline(controller *safemode.Controller, gate *idempotency.Gate, r *runner.Runner, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	r.ResolveKeysWith(gate)
	return &Pipeline{
		controller: controller,
		gate:       gate,
		runner:     r,
		logger:     logger,
	}
}

// Submit admits one order. Storage errors on the idempotency path
// propagate to the caller; an unresolved key must never default to
// processing the order.
func (p *Pipeline) Submit(ctx context.Context, msg OrderMessage) (Result, error) {
	adm, err := p.controller.AdmitOrQueue(ctx, safemode.OrderDescriptor{
		RetailerID:    msg.RetailerID,
		SourcePayload: mustEncode(msg),
	})
	if err != nil {
		return Result{}, fmt.Errorf("safe-mode admission: %w", err)
	}
	if !adm.Admitted {
		return Result{
			Status:        StatusBuffered,
			Message:       adm.Message,
			QueuedOrderID: adm.QueuedOrderID,
		}, nil
	}

	return p.process(ctx, msg)
}

// process runs the idempotency gate and, on proceed, executes the job.
// Shared by Submit and the queued-order replay path, which bypasses the
// safe-mode check.
func (p *Pipeline) process(ctx context.Context, msg OrderMessage) (Result, error) {
	decision, err := p.gate.Admit(ctx, msg.IdempotencyKey, owner)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency gate: %w", err)
	}

	switch decision.Outcome {
	case idempotency.OutcomeCached:
		return Result{Status: StatusReplayed, Response: decision.CachedResponse}, nil
	case idempotency.OutcomeBlocked:
		return Result{Status: StatusDuplicate}, nil
	}

	queue := msg.Queue
	if queue == "" {
		queue = "orders"
	}

	jobID, res, runErr := p.runner.Submit(ctx, queue, msg.JobName, msg.Payload, msg.IdempotencyKey)
	if runErr != nil {
		// The attempt failed; the retry machinery owns the job from here
		// and settles the key at its terminal outcome. Until then the key
		// stays locked so a resubmission cannot spawn a second job.
		return Result{Status: StatusAccepted, JobID: jobID}, nil
	}

	// The runner completed the key alongside the successful attempt.
	return Result{Status: StatusAccepted, Response: res.Output, JobID: jobID}, nil
}

// ReplayQueued replays one buffered order through the gate and runner,
// skipping the safe-mode check that buffered it in the first place. It is
// the Sweeper's runner.OrderReplayFunc.
func (p *Pipeline) ReplayQueued(ctx context.Context, o *safemode.QueuedOrder) (string, error) {
	var msg OrderMessage
	if err := json.Unmarshal(o.SourcePayload, &msg); err != nil {
		return "", fmt.Errorf("decode buffered order %s: %w", o.ID, err)
	}

	res, err := p.process(ctx, msg)
	if err != nil {
		return "", err
	}

	switch res.Status {
	case StatusAccepted:
		return res.JobID.String(), nil
	case StatusReplayed:
		// Already applied under the same key; the buffer entry is done.
		return "", nil
	default:
		return "", fmt.Errorf("buffered order %s blocked by in-flight duplicate", o.ID)
	}
}

func mustEncode(msg OrderMessage) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		// OrderMessage contains only marshal-safe fields.
		panic(err)
	}
	return b
}
