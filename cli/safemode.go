package cli

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/khaacho/backstop/safemode"
)

func newSafeModeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "safemode",
		Short: "Inspect and toggle the safe-mode admission gate",
	}
	cmd.AddCommand(newSafeModeStatusCommand(opts))
	cmd.AddCommand(newSafeModeEnableCommand(opts))
	cmd.AddCommand(newSafeModeDisableCommand(opts))
	return cmd
}

// withController loads config, opens the store, and hands the controller
// to fn. Shared by all safemode subcommands.
func withController(cmd *cobra.Command, opts *RootOptions, fn func(c *safemode.Controller) error) error {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(opts.Verbose)

	st, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // shutdown path

	return fn(safemode.NewController(st, logger))
}

func newSafeModeStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current safe-mode state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, opts, func(c *safemode.Controller) error {
				state, err := c.State(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(state)
			})
		},
	}
}

func newSafeModeEnableCommand(opts *RootOptions) *cobra.Command {
	var (
		actor   string
		reason  string
		message string
		expire  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Engage safe mode: buffer new orders instead of processing them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, opts, func(c *safemode.Controller) error {
				return c.Enable(cmd.Context(), actor, safemode.EnableOptions{
					Reason:           reason,
					AutoDisableAfter: expire,
					CustomMessage:    message,
				})
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "backstopctl", "who is toggling safe mode")
	cmd.Flags().StringVar(&reason, "reason", "", "why safe mode is being engaged")
	cmd.Flags().StringVar(&message, "message", "", "submitter-facing message override")
	cmd.Flags().DurationVar(&expire, "expire-after", 0, "auto-disable after this duration (e.g. 30m)")
	return cmd
}

func newSafeModeDisableCommand(opts *RootOptions) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disengage safe mode and report episode statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, opts, func(c *safemode.Controller) error {
				stats, err := c.Disable(cmd.Context(), actor)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "backstopctl", "who is toggling safe mode")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
