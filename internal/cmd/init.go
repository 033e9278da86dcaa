package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/conductor/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default conductor.toml",
	Long: `Write .conductor/conductor.toml with the compiled-in defaults.

An existing config is backed up to conductor.toml.bak first.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := config.Init(flagRoot)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
