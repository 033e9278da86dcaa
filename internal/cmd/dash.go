package cmd

import (
	"fmt"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/state"
	"github.com/steveyegge/conductor/internal/tmux"
	"github.com/steveyegge/conductor/internal/tui"
)

var dashCmd = &cobra.Command{
	Use:   "dash",
	Short: "Live pipeline dashboard",
	Long: `Open the live dashboard: issue phases, current steps, stuck issues,
and agent sessions, refreshed every couple of seconds from the state
store. Works alongside a running 'conductor run' in another terminal.`,
	RunE: runDash,
}

func init() {
	rootCmd.AddCommand(dashCmd)
}

func runDash(cmd *cobra.Command, args []string) error {
	store, err := state.Open(filepath.Join(flagRoot, config.Dir, "state.db"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	model := tui.New(tui.StoreLoader(store, tmux.New()))
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}
