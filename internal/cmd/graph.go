package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/conductor/internal/dag"
	"github.com/steveyegge/conductor/internal/runner"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Show the issue dependency graph",
	Long: `Show the dependency graph as execution tiers: tier 0 issues have no
blockers, tier N issues depend only on earlier tiers. Issues within a
tier can run concurrently.

A dependency cycle is reported as the closed walk of issue numbers
that forms it.`,
	RunE: runGraph,
}

func init() {
	rootCmd.AddCommand(graphCmd)
}

func runGraph(cmd *cobra.Command, args []string) error {
	o, err := runner.New(flagRoot, flagRepo)
	if err != nil {
		return err
	}
	defer o.Close()

	if err := o.Refresh(context.Background()); err != nil {
		return fmt.Errorf("refreshing graph: %w", err)
	}
	graph := o.Graph()
	if graph.Len() == 0 {
		fmt.Println("no issues in scope")
		return nil
	}

	tiers, err := graph.ExecutionTiers()
	if err != nil {
		var cycleErr *dag.CycleError
		if errors.As(err, &cycleErr) {
			return fmt.Errorf("dependency cycle: %s", joinCycle(cycleErr.Cycle))
		}
		return err
	}

	if ms := o.Milestone(); ms != "" {
		fmt.Printf("milestone %s\n\n", ms)
	}
	for i, tier := range tiers {
		fmt.Printf("tier %d:\n", i)
		for _, num := range tier {
			node := graph.Node(num)
			line := fmt.Sprintf("  #%d %s [%s]", num, node.Title, node.Phase)
			if len(node.BlockedBy) > 0 {
				line += "  (blocked by " + joinCycle(node.BlockedBy) + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func joinCycle(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, " -> ")
}
