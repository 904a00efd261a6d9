package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

const factsLongDesc string = `List or add durable facts about a user or a guild.

Exactly one of --user or --guild selects the owner. Each owner keeps a
bounded number of facts; adding past the cap drops the oldest.

Examples:
  kioku facts list --user @alice:example.com
  kioku facts add --guild team-1 "Deploys happen on Thursdays"`

type factsOptions struct {
	user  string
	guild string
}

func newFactsCmd(opts *rootOptions) *cobra.Command {
	fo := &factsOptions{}
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Manage user and guild facts",
		Long:  factsLongDesc,
	}
	cmd.PersistentFlags().StringVar(&fo.user, "user", "", "User id owning the facts")
	cmd.PersistentFlags().StringVar(&fo.guild, "guild", "", "Guild id owning the facts")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List facts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := fo.owner()
			if err != nil {
				return err
			}
			cfg, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			facts, err := fo.store(cfg, st).List(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if facts == nil {
				facts = []memory.Fact{}
			}
			return printJSON(cmd, facts)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <text>",
		Short: "Add a fact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := fo.owner()
			if err != nil {
				return err
			}
			cfg, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := fo.store(cfg, st).Add(cmd.Context(), owner, strings.Join(args, " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fact added for %s\n", owner)
			return nil
		},
	})

	return cmd
}

func (fo *factsOptions) owner() (string, error) {
	switch {
	case fo.user != "" && fo.guild != "":
		return "", errors.New("--user and --guild are mutually exclusive")
	case fo.user != "":
		return fo.user, nil
	case fo.guild != "":
		return fo.guild, nil
	default:
		return "", errors.New("one of --user or --guild is required")
	}
}

func (fo *factsOptions) store(cfg *config.Config, st *store.Store) *memory.FactStore {
	if fo.user != "" {
		return memory.NewUserFacts(st, cfg.Memory.UserFactCap, nil)
	}
	return memory.NewTeamFacts(st, cfg.Memory.TeamFactCap, nil)
}
