package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/khaacho/backstop/retry"
)

// tracerName is the instrumentation scope name for backstop tracing.
const tracerName = "github.com/khaacho/backstop"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: backstop.job.id, backstop.job.name,
// backstop.queue, backstop.attempt. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *retry.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "backstop.attempt.execute",
			trace.WithAttributes(
				attribute.String("backstop.job.id", j.ID.String()),
				attribute.String("backstop.job.name", j.Name),
				attribute.String("backstop.queue", j.Queue),
				attribute.Int("backstop.attempt", j.AttemptNumber),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
