// Package dag maintains the dependency graph over issues and answers the
// scheduling queries the orchestrator needs: readiness, dependency order,
// and parallelism tiers. The graph is pure data: it performs no I/O and
// trusts nothing about its input (tracker-declared blockers may be cyclic,
// may reference issues that don't exist, may repeat).
package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Node is a single issue in the graph.
type Node struct {
	Number    int
	Title     string
	BlockedBy []int
	Phase     string
}

// CycleError reports a dependency cycle as a closed walk of issue numbers
// (first element repeated as last). The walk is one cycle found among the
// unresolved nodes, not an enumeration of every cycle in the graph.
type CycleError struct {
	Cycle []int
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, n := range e.Cycle {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return "dependency cycle detected: " + strings.Join(parts, " -> ")
}

// Graph owns the issue nodes keyed by number.
type Graph struct {
	nodes map[int]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[int]*Node)}
}

// AddNode inserts or fully replaces the node for number. Blockers referencing
// numbers outside the graph are kept as data but never block scheduling.
func (g *Graph) AddNode(number int, title string, blockedBy []int, phase string) {
	if phase == "" {
		phase = "pending"
	}
	g.nodes[number] = &Node{
		Number:    number,
		Title:     title,
		BlockedBy: blockedBy,
		Phase:     phase,
	}
}

// Node returns the node for number, or nil if absent.
func (g *Graph) Node(number int) *Node {
	return g.nodes[number]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns all nodes sorted by issue number ascending.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Dependents returns the numbers of all nodes whose BlockedBy contains
// number, sorted ascending.
func (g *Graph) Dependents(number int) []int {
	var out []int
	for _, n := range g.nodes {
		for _, b := range n.BlockedBy {
			if b == number {
				out = append(out, n.Number)
				break
			}
		}
	}
	sort.Ints(out)
	return out
}

// IsBlocked reports whether the issue has any in-graph blocker not
// present in resolved. Blockers referencing numbers outside the graph
// (filtered epics, off-milestone issues) never block scheduling, the
// same way TopologicalSort ignores those edges. An unknown number is
// never blocked.
func (g *Graph) IsBlocked(number int, resolved map[int]bool) bool {
	n := g.nodes[number]
	if n == nil {
		return false
	}
	for _, b := range n.BlockedBy {
		if _, ok := g.nodes[b]; !ok {
			continue
		}
		if !resolved[b] {
			return true
		}
	}
	return false
}

// ReadyIssues returns nodes that are not themselves resolved and whose
// blockers are all resolved, sorted by issue number ascending. The ordering
// is the scheduler's only priority: lower numbers dispatch first.
func (g *Graph) ReadyIssues(resolved map[int]bool) []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if resolved[n.Number] {
			continue
		}
		if !g.IsBlocked(n.Number, resolved) {
			out = append(out, n)
		}
	}
	return out
}

// TopologicalSort returns all issue numbers in dependency order using Kahn's
// algorithm. Edges whose blocker is not in the graph are ignored. Ties break
// by ascending number: the zero-in-degree frontier is seeded sorted and
// processed FIFO. Returns a *CycleError when the input contains a cycle.
func (g *Graph) TopologicalSort() ([]int, error) {
	inDegree := make(map[int]int, len(g.nodes))
	for num := range g.nodes {
		inDegree[num] = 0
	}
	for _, n := range g.nodes {
		for _, b := range n.BlockedBy {
			if _, ok := g.nodes[b]; ok {
				inDegree[n.Number]++
			}
		}
	}

	var queue []int
	for num, d := range inDegree {
		if d == 0 {
			queue = append(queue, num)
		}
	}
	sort.Ints(queue)

	result := make([]int, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dep := range g.Dependents(current) {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.findCycle(inDegree)}
	}
	return result, nil
}

// findCycle extracts one cycle from the nodes left with unresolved in-degree
// after a failed Kahn pass. It walks BlockedBy edges restricted to the
// remaining set until a node repeats, then reports the walk from that node
// back to itself, closed.
func (g *Graph) findCycle(inDegree map[int]int) []int {
	remaining := make(map[int]bool)
	for num, d := range inDegree {
		if d > 0 {
			remaining[num] = true
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	// Start from the smallest remaining number for deterministic output.
	start := -1
	for num := range remaining {
		if start < 0 || num < start {
			start = num
		}
	}

	next := func(num int) int {
		for _, b := range g.nodes[num].BlockedBy {
			if remaining[b] {
				return b
			}
		}
		return num
	}

	visited := make(map[int]bool)
	current := start
	for !visited[current] {
		visited[current] = true
		current = next(current)
	}

	// current is the first repeated node: walk the cycle once more to record it.
	cycle := []int{current}
	for n := next(current); n != current; n = next(n) {
		cycle = append(cycle, n)
	}
	return append(cycle, current)
}

// ExecutionTiers groups issues into tiers where tier 0 has no in-graph
// dependencies and tier N depends only on tiers below N. All issues within a
// tier can run concurrently. Propagates the *CycleError from TopologicalSort.
func (g *Graph) ExecutionTiers() ([][]int, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	depth := make(map[int]int, len(order))
	maxDepth := 0
	for _, num := range order {
		d := 0
		for _, b := range g.nodes[num].BlockedBy {
			if _, ok := g.nodes[b]; !ok {
				continue
			}
			if depth[b]+1 > d {
				d = depth[b] + 1
			}
		}
		depth[num] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	tiers := make([][]int, maxDepth+1)
	for _, num := range order {
		tiers[depth[num]] = append(tiers[depth[num]], num)
	}
	for _, tier := range tiers {
		sort.Ints(tier)
	}
	return tiers, nil
}
