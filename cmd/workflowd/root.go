package main

import (
	"github.com/spf13/cobra"
)

var (
	cliVersion   = "dev"
	cliCommit    = "unknown"
	cliBuildDate = "unknown"
)

// SetVersion records build-time version metadata (injected via ldflags),
// matching the corpus's NewRootCommand/SetVersion split (tombee-conductor).
func SetVersion(v, c, b string) {
	cliVersion, cliCommit, cliBuildDate = v, c, b
}

// NewRootCommand builds the cobra root command for workflowd.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflowd",
		Short: "workflowd - durable workflow execution engine",
		Long: `workflowd runs the durable workflow execution engine's server: the
HTTP surface for queue delivery callbacks and webhook resume, backed by one
of the memory/SQLite/Postgres/MySQL store backends selected by
WORKFLOW_TARGET_WORLD.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
