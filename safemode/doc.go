// Package safemode provides a process-wide admission controller that can
// pause intake of new orders under load or during maintenance while
// letting in-flight work drain.
//
// # State machine
//
// DISABLED -> ENABLED -> DISABLED. A single global toggle, stored as one
// versioned record with optimistic concurrency so every service instance
// observes the same state. There is no nested or stacked enablement.
//
// # Admission
//
// The intake path calls [Controller.AdmitOrQueue] before any other gate.
// While safe mode is engaged, submissions are buffered as [QueuedOrder]
// records and the submitter receives the configured message ("system busy,
// order received" by default) instead of an error. Once capacity returns,
// a drain consumer replays the buffer:
//
//	orders, _ := ctrl.DrainQueued(ctx, 50)
//	for _, o := range orders {
//	    _ = ctrl.MarkProcessing(ctx, o.ID)
//	    ledgerID, err := process(ctx, o)
//	    if err != nil {
//	        _ = ctrl.MarkFailed(ctx, o.ID, err.Error())
//	        continue
//	    }
//	    _ = ctrl.MarkCompleted(ctx, o.ID, ledgerID)
//	}
//
// # Fail-open check
//
// [Controller.IsEnabled] serves from a short-lived (~5s) process-local
// cache and fails open: a storage error reads as disabled, never blocking
// all traffic because of an observability fault. Enable and Disable
// invalidate the cache immediately, so the only staleness window is the
// TTL — a bounded inconsistency that merely delays the drain by seconds.
package safemode
