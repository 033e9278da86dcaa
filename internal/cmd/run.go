package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/conductor/internal/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator poll loop",
	Long: `Start the orchestrator: poll GitHub for open issues, dispatch each
unblocked issue through the pipeline, and keep going until interrupted.

Ctrl-C stops dispatching, waits for in-flight steps to notice the
shutdown, and kills the agent session pool.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := runner.New(flagRoot, flagRepo)
	if err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer o.Close()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	o.Logf = logger.Printf

	if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
