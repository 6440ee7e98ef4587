package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pixelagents/internal/buildinfo"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pixel-agentd %s\n", buildinfo.AppVersion())
		},
	}
}
