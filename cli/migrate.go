package cli

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run schema migrations for the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied", "store", cfg.Store)
			return nil
		},
	}
}
