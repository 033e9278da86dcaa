// Package cmd implements the conductor CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagRepo string
	flagRoot string
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Autonomous coding agent orchestrator",
	Long: `Conductor drives coding agents through a GitHub issue backlog.

It builds a dependency graph from "Blocked by: #N" issue references,
dispatches each unblocked issue through the design/plan/architect/
test/implement/verify/pr pipeline on pooled tmux agent sessions, and
records progress in .conductor/state.db.

Typical usage:
  conductor init      # write .conductor/conductor.toml
  conductor run       # start the orchestrator loop
  conductor status    # one-shot pipeline overview
  conductor dash      # live dashboard
  conductor graph     # show the dependency graph`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "GitHub repo (owner/name), defaults to the current directory's repo")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "project root directory")
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}
