// Package backstop provides the reliability control plane for asynchronous
// order intake: an idempotency gate, a durable retry tracker with dead-letter
// recovery, and a safe-mode admission controller.
//
// Backstop can be embedded as a library — import it, configure a store, and
// wire the gate, tracker, and controller into your intake path and job
// runner — or run standalone via cmd/backstopctl, which serves the HTTP API
// and the Kafka intake consumer.
//
// # Quick Start
//
//	st := memory.New()
//	gate := idempotency.NewGate(st, logger)
//	tracker := retry.NewTracker(st, backoff.DefaultSchedule(), logger)
//	deadletters := dlq.NewService(st, logger)
//	ctrl := safemode.NewController(st, logger)
//
// # Architecture
//
// Backstop follows a composable store pattern where each subsystem
// (idempotency, retry, dlq, safemode) defines its own store interface.
// A single backend implements all of them; store/memory, store/postgres,
// and store/redis are provided.
//
// All atomicity guarantees (idempotency key creation, dead-letter
// admission, the safe-mode toggle) are enforced by the storage layer's
// unique-constraint and compare-and-set semantics, never by in-process
// locks, so multiple service instances can share one backend.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package backstop
