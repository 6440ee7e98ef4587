package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pixelagents/internal/process"
	"pixelagents/internal/state"
)

func (c *cli) newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents persisted for the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			root, err := cfg.ProductRoot()
			if err != nil {
				return err
			}
			if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no agents"))
				return nil
			}
			store, err := state.Open(cfg.StateBackend, root, cfg.Workspace)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := state.LoadAgents(cmd.Context(), store)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no agents"))
				return nil
			}
			launcher, err := newLauncher(cfg, root)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", bold("ID"), bold("TERMINAL"), bold("STATUS"), bold("TRANSCRIPT"))
			for _, rec := range records {
				status := green("live")
				if _, err := launcher.Find(cmd.Context(), rec.TerminalName); err != nil {
					status = red("gone")
					if !errors.Is(err, process.ErrNotFound) {
						status = red("error: " + err.Error())
					}
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rec.ID, rec.TerminalName, status, rec.JSONLFile)
			}
			return w.Flush()
		},
	}
}
