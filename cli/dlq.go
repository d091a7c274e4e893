package cli

import (
	"github.com/spf13/cobra"

	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
)

func newDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and triage the dead-letter store",
	}
	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQShowCommand(opts))
	cmd.AddCommand(newDLQRetryCommand(opts))
	cmd.AddCommand(newDLQResolveCommand(opts))
	return cmd
}

// withDLQ loads config, opens the store, and hands the dead-letter
// service to fn.
func withDLQ(cmd *cobra.Command, opts *RootOptions, fn func(s *dlq.Service) error) error {
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

	return fn(dlq.NewService(st, logger))
}

func newDLQListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		queue  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, highest priority first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDLQ(cmd, opts, func(s *dlq.Service) error {
				entries, err := s.List(cmd.Context(),
					dlq.Filter{RecoveryStatus: dlq.RecoveryStatus(status), Queue: queue},
					dlq.ListOpts{Limit: limit},
				)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by recovery status (pending|recovered|permanently_failed)")
	cmd.Flags().StringVar(&queue, "queue", "", "filter by original queue")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to list")
	return cmd
}

func newDLQShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show one dead-letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := id.ParseWithPrefix(args[0], id.PrefixDLQ)
			if err != nil {
				return err
			}
			return withDLQ(cmd, opts, func(s *dlq.Service) error {
				entry, err := s.Get(cmd.Context(), entryID)
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
}

func newDLQRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Spend one recovery attempt and print the resubmission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := id.ParseWithPrefix(args[0], id.PrefixDLQ)
			if err != nil {
				return err
			}
			return withDLQ(cmd, opts, func(s *dlq.Service) error {
				resub, err := s.Retry(cmd.Context(), entryID)
				if err != nil {
					return err
				}
				return printJSON(resub)
			})
		},
	}
}

func newDLQResolveCommand(opts *RootOptions) *cobra.Command {
	var (
		recovered bool
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "resolve <entry-id>",
		Short: "Mark an entry recovered, or permanently failed with --reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := id.ParseWithPrefix(args[0], id.PrefixDLQ)
			if err != nil {
				return err
			}
			return withDLQ(cmd, opts, func(s *dlq.Service) error {
				if recovered {
					return s.MarkRecovered(cmd.Context(), entryID)
				}
				return s.MarkPermanentlyFailed(cmd.Context(), entryID, reason)
			})
		},
	}

	cmd.Flags().BoolVar(&recovered, "recovered", false, "mark the entry recovered")
	cmd.Flags().StringVar(&reason, "reason", "", "permanent failure reason (required unless --recovered)")
	cmd.MarkFlagsMutuallyExclusive("recovered", "reason")
	return cmd
}
