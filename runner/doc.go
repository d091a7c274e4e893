// Package runner executes job attempts and re-drives deferred work.
//
// A [Runner] resolves the handler registered for a job's name, runs it
// through the middleware chain, and records the outcome in the retry
// tracker. A failed attempt either schedules a retry (the store holds the
// due time) or admits the job to the dead-letter store once the attempt
// budget is spent.
//
// A [Sweeper] is the companion loop that turns stored state back into
// work: it re-executes failed jobs whose retry is due, repairs lost
// dead-letter admissions, and replays orders buffered under safe mode,
// all rate-limited and in bounded batches.
//
//	reg := runner.NewRegistry()
//	runner.RegisterDefinition(reg, runner.NewDefinition("process-order",
//	    func(ctx context.Context, p OrderPayload) ([]byte, error) {
//	        return processOrder(ctx, p)
//	    }))
//
//	r := runner.NewRunner(reg, tracker, dlqService, logger,
//	    middleware.Logging(logger), middleware.Recover(logger))
//	jobID, res, err := r.Submit(ctx, "orders", "process-order", payload, idemKey)
//
//	sw := runner.NewSweeper(r, tracker, dlqService, logger)
//	sw.Start(ctx)
//	defer sw.Stop()
package runner
