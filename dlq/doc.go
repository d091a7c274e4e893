// Package dlq provides the durable dead-letter store for jobs that have
// exhausted their retry budget. It supports inspection, annotation, and
// manual or automated re-submission with a bounded recovery budget.
//
// When the retry tracker reports ShouldMoveToDeadLetter, the job runner
// calls [Service.Admit]. The original payload, error history summary, and
// attempt counts are preserved for debugging. Entries are never deleted
// automatically — they are the operator-visible audit trail.
//
// # Entry
//
// An [Entry] captures:
//   - JobID / JobName / Queue / Payload: original job identity
//   - FailureReason / TotalAttempts: the exhausted retry budget
//   - RecoveryStatus / RecoveryAttempts / MaxRecoveryAttempts: where the
//     entry stands in recovery and how much budget remains
//   - Priority / AdminNotes / AssignedTo: operator triage fields
//
// # Recovery
//
// [Service.Retry] spends one unit of recovery budget and hands back the
// original job description; the caller re-submits it to the job runner.
// The store itself never runs jobs. Once the budget is spent, Retry fails
// with backstop.ErrRecoveryExhausted and an operator must decide:
//
//	sub, err := svc.Retry(ctx, entryID)
//	if errors.Is(err, backstop.ErrRecoveryExhausted) {
//	    _ = svc.MarkPermanentlyFailed(ctx, entryID, "budget spent, needs schema fix")
//	}
//
// MarkRecovered and MarkPermanentlyFailed are terminal; after a permanent
// failure only UpdateNotes and Assign remain valid.
package dlq
