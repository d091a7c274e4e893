// Package intake is the admission path for inbound order submissions.
//
// Every submission walks the same [Pipeline]: the safe-mode controller
// first (engaged safe mode buffers the order and answers the submitter
// immediately), then the idempotency gate (duplicates are replayed or
// refused), then job submission to the runner. The ordering is load
// bearing: a buffered order must not consume its idempotency key, because
// the later replay walks the gate itself.
//
// Transport is Kafka (segmentio/kafka-go). The [Consumer] commits offsets
// only after the pipeline has persisted the outcome, so redelivery after
// a crash is absorbed by the gate rather than producing a double apply.
package intake
