package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khaacho/backstop/api"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/idempotency"
	"github.com/khaacho/backstop/intake"
	"github.com/khaacho/backstop/middleware"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/runner"
	"github.com/khaacho/backstop/safemode"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intake service: HTTP API, sweeper, and optional Kafka consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(opts.Verbose))
		},
	}
}

func serve(ctx context.Context, cfg *FileConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // shutdown path

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	svcCfg := cfg.serviceConfig()

	gate := idempotency.NewGate(st, logger)
	tracker := retry.NewTracker(st, cfg.backoffStrategy(), logger,
		retry.WithMaxAttempts(svcCfg.MaxAttempts),
	)
	dlqService := dlq.NewService(st, logger)
	controller := safemode.NewController(st, logger,
		safemode.WithCacheTTL(svcCfg.SafeModeCacheTTL),
	)

	registry := runner.NewRegistry()
	registerBuiltinHandlers(registry)

	run := runner.NewRunner(registry, tracker, dlqService, logger,
		middleware.Recover(logger),
		middleware.Logging(logger),
		middleware.Timeout(svcCfg.HandlerTimeout),
		middleware.Metrics(),
		middleware.Tracing(),
	)

	pipeline := intake.NewPipeline(controller, gate, run, logger)

	sweeper := runner.NewSweeper(run, tracker, dlqService, logger,
		runner.WithSweepInterval(svcCfg.SweepInterval),
		runner.WithSweepBatchSize(svcCfg.SweepBatchSize),
		runner.WithReplayLimit(svcCfg.ReplayRate, svcCfg.ReplayBurst),
		runner.WithOrderReplay(controller, pipeline.ReplayQueued),
	)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		consumer := intake.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, pipeline, logger)
		if cfg.Kafka.ResultsTopic != "" {
			producer := intake.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ResultsTopic)
			consumer.PublishResultsTo(producer)
			defer producer.Close() //nolint:errcheck // shutdown path
		}
		go func() {
			if runErr := consumer.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				logger.Error("kafka consumer stopped", slog.String("error", runErr.Error()))
			}
		}()
		defer consumer.Close() //nolint:errcheck // shutdown path
	}

	handler := api.New(pipeline, gate, st, dlqService, controller, logger).Handler()
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", slog.String("addr", cfg.HTTP.Addr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// registerBuiltinHandlers installs the default order processor used when
// backstop runs standalone. Embedders replace this with their own
// definitions via the runner package.
func registerBuiltinHandlers(registry *runner.Registry) {
	type order struct {
		SKU      string `json:"sku,omitempty"`
		Quantity int    `json:"quantity,omitempty"`
	}

	runner.RegisterDefinition(registry, runner.NewDefinition("process-order",
		func(_ context.Context, o order) ([]byte, error) {
			return json.Marshal(map[string]any{
				"status":   "processed",
				"sku":      o.SKU,
				"quantity": o.Quantity,
			})
		},
	))
}
