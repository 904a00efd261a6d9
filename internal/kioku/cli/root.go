// Package cli implements the kioku command line: the bot itself plus
// offline tools for migrating and inspecting the memory store.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/observability"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

const rootLongDesc string = `Kioku is a chat bot with durable conversational memory.

It answers when mentioned (or in direct chats), remembers every thread it
takes part in, and keeps facts about users and teams.

Run the bot:
  kioku serve --config kioku.yaml

Inspect the store:
  kioku thread <key>
  kioku facts list --user <id>`

const rootShortDesc string = "Kioku - chat bot with memory"

// configEnv names the config file when --config is not given.
const configEnv = "KIOKU_CONFIG"

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the kioku command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kioku",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file (default $"+configEnv+")")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newThreadCmd(opts))
	cmd.AddCommand(newFactsCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv(configEnv)
}

// openStore reads only what the store needs, so offline commands run
// without gateway or backend credentials. Logs go to stderr to keep stdout
// clean for command output.
func (o *rootOptions) openStore(cmd *cobra.Command) (*config.Config, *store.Store, error) {
	cfg, err := config.Read(o.path())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	logger.Debug("store opened", "driver", cfg.Database.Driver)
	return cfg, st, nil
}
