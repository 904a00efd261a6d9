package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/app"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/observability"
)

const serveLongDesc string = `Connect to the configured chat gateway and answer messages.

The bot runs until interrupted (SIGINT or SIGTERM). Configuration comes from
the optional YAML file, overridden by environment variables.`

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.path())
			if err != nil {
				return err
			}
			observability.Setup(cfg.Log.Level, cfg.Log.Format)
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())

			kioku, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize kioku: %w", err)
			}
			defer kioku.Stop()

			if err := kioku.Run(); err != nil {
				return fmt.Errorf("error running kioku: %w", err)
			}
			return nil
		},
	}
}
