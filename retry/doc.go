// Package retry keeps the durable attempt history for asynchronous jobs:
// current status, 1-based attempt number, append-only error history, and
// the next eligible retry time.
//
// The tracker is the source of truth for retry scheduling, not any
// in-memory queue. Attempt accounting and delay computation are pure
// functions of stored state, so a crash between "decide to retry" and
// "actually re-enqueue" is recovered by re-scanning [Tracker.ReadyForRetry].
//
// # Job runner contract
//
// Before executing a job body call [Tracker.Start]; on success call
// [Tracker.Complete]; on error call [Tracker.Fail] and, when the result
// reports ShouldMoveToDeadLetter, admit the job to the dead-letter store:
//
//	tracker.Start(ctx, jobID, queue, name, payload)
//	err := handler(ctx, payload)
//	if err == nil {
//	    tracker.Complete(ctx, jobID, result, elapsed.Milliseconds())
//	    return
//	}
//	res := tracker.Fail(ctx, jobID, err, attempt)
//	if res.ShouldMoveToDeadLetter { ... admit to dlq ... }
//
// Retry attempts re-driven from the store must first win
// [Tracker.ClaimRetry]; the claim flips the record back to active in one
// compare-and-set and stands in for Start, so concurrent sweepers never
// execute the same attempt twice.
//
// The default schedule is 5s, 15s, 45s with a budget of three attempts;
// attempts beyond the schedule length reuse the last delay.
package retry
