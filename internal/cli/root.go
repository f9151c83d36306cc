// Package cli implements the entitlesync command line.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/entitlesync/internal/config"
)

// Build information, set with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

type rootOptions struct {
	envFile string
	stderr  io.Writer
}

// NewRootCommand builds the entitlesync command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{stderr: os.Stderr}

	cmd := &cobra.Command{
		Use:           "entitlesync",
		Short:         "Keep tenant entitlements in sync with Stripe subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "load settings from this env file instead of ./.env")

	cmd.AddCommand(
		newServeCommand(opts),
		newSyncCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// load reads configuration and builds the logger every subcommand uses.
func (o *rootOptions) load() (*config.Config, zerolog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.envFile != "" {
		cfg, err = config.LoadFile(o.envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := newLogger(cfg.Log, o.stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
