// Package cli implements the backstopctl command tree: running the
// intake service and performing operator actions (safe mode toggles,
// dead-letter triage) against a shared store.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/khaacho/backstop/store"
	"github.com/khaacho/backstop/store/memory"
	"github.com/khaacho/backstop/store/postgres"
	redisstore "github.com/khaacho/backstop/store/redis"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for backstopctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "backstopctl",
		Short: "Backstop order-intake reliability control plane",
		Long: "backstopctl runs the Backstop intake service and provides operator\n" +
			"commands for safe mode and the dead-letter store.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "backstop.yaml", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSafeModeCommand(opts))
	cmd.AddCommand(newDLQCommand(opts))

	return cmd
}

// newLogger builds the process logger. Verbose switches on debug level.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg *FileConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case "memory", "":
		return memory.New(), nil

	case "postgres":
		if cfg.Postgres.URL == "" {
			return nil, fmt.Errorf("postgres store selected but no postgres.url configured")
		}
		return postgres.New(ctx, cfg.Postgres.URL, postgres.WithLogger(logger))

	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis store selected but no redis.addr configured")
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisstore.New(client, redisstore.WithLogger(logger)), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
