package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/conductor/internal/runner"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "One-shot pipeline overview",
	Long: `Print one snapshot of the pipeline: every in-scope issue with its
phase, blockers, and readiness, plus session pool usage.

Refreshes the dependency graph from GitHub but dispatches nothing.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, err := runner.New(flagRoot, flagRepo)
	if err != nil {
		return err
	}
	defer o.Close()

	if err := o.Refresh(context.Background()); err != nil {
		return fmt.Errorf("refreshing graph: %w", err)
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 100
	}
	out, err := o.RenderStatus(width)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
