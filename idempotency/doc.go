// Package idempotency maps a client-supplied idempotency key to at most
// one logical operation outcome, preventing duplicate side effects for
// repeated requests.
//
// # Record
//
// A [Record] holds the key, its owner, the lifecycle status, and — once the
// operation completed — the cached response replayed to later duplicates.
// While a record is processing, any request with the same key is refused as
// already in flight, never silently duplicated. A failed record unlocks
// exactly one re-entry into processing per [Gate.Admit] call.
//
// # Gate
//
// [Gate.Admit] returns a typed [Decision] instead of signalling duplicates
// through errors:
//
//	dec, err := gate.Admit(ctx, key, owner)
//	if err != nil { ... }       // storage fault: fail closed
//	switch dec.Outcome {
//	case idempotency.OutcomeProceed:
//	    resp, opErr := doTheOperation(ctx)
//	    if opErr != nil {
//	        gate.Fail(ctx, key, opErr)
//	    } else {
//	        gate.Complete(ctx, key, resp)
//	    }
//	case idempotency.OutcomeCached:
//	    return dec.CachedResponse  // exactly-once replay
//	case idempotency.OutcomeBlocked:
//	    return errTryAgainShortly
//	}
//
// Complete and Fail are best-effort: the primary operation has already
// been decided, so their storage failures are logged, not propagated.
// Admit's storage failures propagate — an unresolved key must not be
// treated as proceed.
package idempotency
