package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/conductor/internal/doctor"
)

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment conductor depends on",
	Long: `Run preflight checks: tmux, the agent CLI, gh authentication, the
project config, and the state store. With --fix, repairs what it can
(currently: writing a default conductor.toml).`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "attempt automatic fixes")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := &doctor.Context{ProjectRoot: flagRoot, Repo: flagRepo}
	report := doctor.RunAll(ctx, doctor.DefaultChecks(), doctorFix)
	report.Print(os.Stdout)
	if report.HasErrors() {
		return fmt.Errorf("environment not ready")
	}
	return nil
}
