package dag

import (
	"errors"
	"reflect"
	"testing"
)

func numbers(nodes []*Node) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = n.Number
	}
	return out
}

func TestAddNodeReplaces(t *testing.T) {
	g := New()
	g.AddNode(1, "first", nil, "")
	g.AddNode(1, "renamed", []int{2}, "design")

	n := g.Node(1)
	if n == nil {
		t.Fatal("Node(1) = nil")
	}
	if n.Title != "renamed" {
		t.Errorf("Title = %q, want %q", n.Title, "renamed")
	}
	if n.Phase != "design" {
		t.Errorf("Phase = %q, want %q", n.Phase, "design")
	}
	if g.Len() != 1 {
		t.Errorf("Len() = %d, want 1", g.Len())
	}
}

func TestAddNodeDefaultPhase(t *testing.T) {
	g := New()
	g.AddNode(7, "seven", nil, "")
	if got := g.Node(7).Phase; got != "pending" {
		t.Errorf("Phase = %q, want %q", got, "pending")
	}
}

func TestDependents(t *testing.T) {
	g := New()
	g.AddNode(1, "a", nil, "")
	g.AddNode(3, "c", []int{1}, "")
	g.AddNode(2, "b", []int{1}, "")
	g.AddNode(4, "d", []int{2}, "")

	got := g.Dependents(1)
	want := []int{2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Dependents(1) = %v, want %v", got, want)
	}
}

func TestIsBlocked(t *testing.T) {
	g := New()
	g.AddNode(1, "a", nil, "")
	g.AddNode(2, "b", []int{1}, "")

	if g.IsBlocked(1, nil) {
		t.Error("issue with no blockers should not be blocked")
	}
	if !g.IsBlocked(2, nil) {
		t.Error("issue 2 should be blocked by unresolved 1")
	}
	if g.IsBlocked(2, map[int]bool{1: true}) {
		t.Error("issue 2 should be unblocked once 1 is resolved")
	}
	if g.IsBlocked(99, nil) {
		t.Error("unknown issue can never be blocked")
	}
}

func TestIsBlockedIgnoresExternalBlockers(t *testing.T) {
	g := New()
	g.AddNode(5, "e", []int{100, 200}, "")
	// 100 and 200 are outside the graph: treated as already resolved.
	if g.IsBlocked(5, nil) {
		t.Error("blockers outside the graph must not block scheduling")
	}
}

func TestReadyIssuesChain(t *testing.T) {
	g := New()
	g.AddNode(1, "a", nil, "")
	g.AddNode(2, "b", []int{1}, "")
	g.AddNode(3, "c", []int{1, 2}, "")

	if got := numbers(g.ReadyIssues(nil)); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("ReadyIssues(∅) = %v, want [1]", got)
	}
	if got := numbers(g.ReadyIssues(map[int]bool{1: true})); !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("ReadyIssues({1}) = %v, want [2]", got)
	}
	if got := numbers(g.ReadyIssues(map[int]bool{1: true, 2: true})); !reflect.DeepEqual(got, []int{3}) {
		t.Errorf("ReadyIssues({1,2}) = %v, want [3]", got)
	}
}

func TestTopologicalSortLinear(t *testing.T) {
	g := New()
	g.AddNode(3, "c", []int{1, 2}, "")
	g.AddNode(1, "a", nil, "")
	g.AddNode(2, "b", []int{1}, "")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error: %v", err)
	}
	if !reflect.DeepEqual(order, []int{1, 2, 3}) {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestTopologicalSortIsValidOrder(t *testing.T) {
	g := New()
	g.AddNode(10, "j", []int{40}, "")
	g.AddNode(20, "k", nil, "")
	g.AddNode(30, "l", []int{20, 10}, "")
	g.AddNode(40, "m", nil, "")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("order length = %d, want 4", len(order))
	}
	pos := make(map[int]int)
	for i, n := range order {
		pos[n] = i
	}
	for _, n := range g.Nodes() {
		for _, b := range n.BlockedBy {
			if _, ok := pos[b]; !ok {
				continue
			}
			if pos[b] >= pos[n.Number] {
				t.Errorf("blocker %d ordered after %d in %v", b, n.Number, order)
			}
		}
	}
}

func TestTopologicalSortDeterministicTieBreak(t *testing.T) {
	g := New()
	g.AddNode(5, "e", nil, "")
	g.AddNode(2, "b", nil, "")
	g.AddNode(9, "i", nil, "")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error: %v", err)
	}
	if !reflect.DeepEqual(order, []int{2, 5, 9}) {
		t.Errorf("order = %v, want ascending [2 5 9]", order)
	}
}

func TestTopologicalSortCycle(t *testing.T) {
	g := New()
	g.AddNode(1, "a", []int{3}, "")
	g.AddNode(2, "b", []int{1}, "")
	g.AddNode(3, "c", []int{2}, "")

	_, err := g.TopologicalSort()
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *CycleError", err)
	}
	if len(cerr.Cycle) < 2 {
		t.Fatalf("cycle too short: %v", cerr.Cycle)
	}
	if cerr.Cycle[0] != cerr.Cycle[len(cerr.Cycle)-1] {
		t.Errorf("cycle not closed: %v", cerr.Cycle)
	}
	members := map[int]bool{1: true, 2: true, 3: true}
	for _, n := range cerr.Cycle {
		if !members[n] {
			t.Errorf("cycle contains %d, not a graph node", n)
		}
	}
	// Every consecutive pair must be an actual BlockedBy edge.
	for i := 0; i+1 < len(cerr.Cycle); i++ {
		from, to := cerr.Cycle[i], cerr.Cycle[i+1]
		found := false
		for _, b := range g.Node(from).BlockedBy {
			if b == to {
				found = true
			}
		}
		if !found {
			t.Errorf("cycle step %d -> %d is not a BlockedBy edge", from, to)
		}
	}
}

func TestTopologicalSortCycleWithAcyclicPrefix(t *testing.T) {
	g := New()
	g.AddNode(1, "a", nil, "")
	g.AddNode(2, "b", []int{1, 3}, "")
	g.AddNode(3, "c", []int{2}, "")

	_, err := g.TopologicalSort()
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *CycleError", err)
	}
	for _, n := range cerr.Cycle {
		if n == 1 {
			t.Errorf("cycle %v must not include acyclic node 1", cerr.Cycle)
		}
	}
}

func TestExecutionTiers(t *testing.T) {
	g := New()
	g.AddNode(1, "a", nil, "")
	g.AddNode(2, "b", []int{1}, "")
	g.AddNode(3, "c", []int{1, 2}, "")

	tiers, err := g.ExecutionTiers()
	if err != nil {
		t.Fatalf("ExecutionTiers() error: %v", err)
	}
	want := [][]int{{1}, {2}, {3}}
	if !reflect.DeepEqual(tiers, want) {
		t.Errorf("tiers = %v, want %v", tiers, want)
	}
}

func TestExecutionTiersParallel(t *testing.T) {
	g := New()
	g.AddNode(1, "a", nil, "")
	g.AddNode(2, "b", nil, "")
	g.AddNode(3, "c", []int{1, 2}, "")
	g.AddNode(4, "d", []int{1}, "")

	tiers, err := g.ExecutionTiers()
	if err != nil {
		t.Fatalf("ExecutionTiers() error: %v", err)
	}
	want := [][]int{{1, 2}, {3, 4}}
	if !reflect.DeepEqual(tiers, want) {
		t.Errorf("tiers = %v, want %v", tiers, want)
	}

	// Tiers partition the node set exactly.
	seen := map[int]bool{}
	for _, tier := range tiers {
		for _, n := range tier {
			if seen[n] {
				t.Errorf("node %d appears in two tiers", n)
			}
			seen[n] = true
		}
	}
	if len(seen) != g.Len() {
		t.Errorf("tiers cover %d nodes, want %d", len(seen), g.Len())
	}
}

func TestExecutionTiersEmpty(t *testing.T) {
	tiers, err := New().ExecutionTiers()
	if err != nil {
		t.Fatalf("ExecutionTiers() error: %v", err)
	}
	if len(tiers) != 0 {
		t.Errorf("tiers = %v, want empty", tiers)
	}
}

func TestExecutionTiersPropagatesCycle(t *testing.T) {
	g := New()
	g.AddNode(1, "a", []int{2}, "")
	g.AddNode(2, "b", []int{1}, "")

	_, err := g.ExecutionTiers()
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *CycleError", err)
	}
}
