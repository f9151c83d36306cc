package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the entitlement schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			applied, err := migrate(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if !applied {
				logger.Info().Str("store", cfg.Store.Driver).Msg("store has no schema to migrate")
				return nil
			}
			logger.Info().Str("store", cfg.Store.Driver).Msg("schema up to date")
			return nil
		},
	}
}
