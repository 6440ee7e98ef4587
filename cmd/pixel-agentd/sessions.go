package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) newSessionsDirCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions-dir",
		Short: "Print (and create) the workspace transcript directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			dir, err := cfg.EnsureSessionsDir(cfg.Workspace)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}
