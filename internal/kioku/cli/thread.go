package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

const threadLongDesc string = `Print a stored thread as JSON.

Keys take one of three forms:
  reply:<message id>     a reply chain rooted at a message
  thread:<thread id>     a platform thread
  channel:<channel id>   a plain channel conversation

An unknown key prints an empty thread.`

func newThreadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "thread <key>",
		Short: "Show the summary and turns of a thread",
		Long:  threadLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			thread, err := memory.NewThreadStore(st, nil, nil).GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, thread)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
