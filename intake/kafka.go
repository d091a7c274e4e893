package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// commitTimeout bounds the offset commit after a processed message.
const commitTimeout = 3 * time.Second

// Consumer reads order submissions from a Kafka topic and feeds them to
// the Pipeline. Offsets are committed manually, after the pipeline has
// persisted the outcome: a crash mid-processing redelivers the message,
// and the idempotency gate absorbs the duplicate.
type Consumer struct {
	reader   *kgo.Reader
	pipeline *Pipeline
	results  *Producer
	logger   *slog.Logger
}

// NewConsumer creates a Consumer on the given brokers, topic, and group.
func NewConsumer(brokers []string, topic, groupID string, pipeline *Pipeline, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &Consumer{reader: r, pipeline: pipeline, logger: logger}
}

// PublishResultsTo makes the consumer publish each admission verdict to
// the given producer, keyed by idempotency key, so the submitter-facing
// service can observe replayed and buffered outcomes. Must be called
// before Run.
func (c *Consumer) PublishResultsTo(p *Producer) { c.results = p }

// Close releases the underlying reader.
func (c *Consumer) Close() error { return c.reader.Close() }

// Run consumes messages until the context is cancelled. Each message is
// admitted through the pipeline; its offset is committed only afterwards.
// Undecodable messages are committed and skipped so a poison message
// cannot wedge the partition.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var msg OrderMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			c.logger.Error("skipping undecodable order message",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			c.commit(ctx, m)
			continue
		}

		res, err := c.pipeline.Submit(ctx, msg)
		if err != nil {
			// Gating-path storage error: leave the offset uncommitted so
			// the message is redelivered once storage recovers.
			c.logger.Error("order admission failed, message will redeliver",
				slog.String("idempotency_key", msg.IdempotencyKey),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.logger.Info("order message processed",
			slog.String("idempotency_key", msg.IdempotencyKey),
			slog.String("status", string(res.Status)),
		)
		if c.results != nil {
			if err := c.results.PublishResult(ctx, msg.IdempotencyKey, res); err != nil {
				c.logger.Error("result publish failed",
					slog.String("idempotency_key", msg.IdempotencyKey),
					slog.String("error", err.Error()),
				)
			}
		}
		c.commit(ctx, m)
	}
}

func (c *Consumer) commit(ctx context.Context, m kgo.Message) {
	cctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(cctx, m); err != nil {
		c.logger.Error("offset commit failed",
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
	}
}

// Producer publishes order submissions and admission results to Kafka.
type Producer struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewProducer creates a Producer for the given topic.
func NewProducer(brokers []string, topic string) *Producer {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &Producer{writer: w, timeout: 3 * time.Second}
}

// Close flushes and releases the underlying writer.
func (p *Producer) Close() error { return p.writer.Close() }

// PublishOrder publishes one order submission, keyed by its idempotency
// key so resubmissions of the same order land on the same partition.
func (p *Producer) PublishOrder(ctx context.Context, msg OrderMessage) error {
	return p.publishJSON(ctx, msg.IdempotencyKey, msg)
}

// PublishResult publishes the admission verdict for a submission, keyed
// the same way as the order itself.
func (p *Producer) PublishResult(ctx context.Context, key string, res Result) error {
	return p.publishJSON(ctx, key, res)
}

func (p *Producer) publishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}
