package main

import (
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("workflowd version %s\n", cliVersion)
			cmd.Printf("  commit:     %s\n", cliCommit)
			cmd.Printf("  build date: %s\n", cliBuildDate)
			return nil
		},
	}
}
