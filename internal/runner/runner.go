// Package runner is the orchestrator: it polls GitHub for open issues,
// rebuilds the dependency graph, and dispatches each unblocked issue
// through the phase pipeline on a pooled agent session.
package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/dag"
	"github.com/steveyegge/conductor/internal/dispatch"
	"github.com/steveyegge/conductor/internal/github"
	"github.com/steveyegge/conductor/internal/health"
	"github.com/steveyegge/conductor/internal/phase"
	"github.com/steveyegge/conductor/internal/pool"
	"github.com/steveyegge/conductor/internal/state"
	"github.com/steveyegge/conductor/internal/tmux"
)

// DefaultPollInterval is how often the orchestrator re-reads GitHub.
const DefaultPollInterval = 10 * time.Second

// completedPhases are phases past the pipeline's reach: issues in these
// phases count as resolved dependencies.
var completedPhases = map[string]bool{
	"merged": true,
	"closed": true,
}

// Orchestrator owns the poll loop.
type Orchestrator struct {
	ProjectRoot  string
	Config       *config.Config
	Store        *state.Store
	Pool         *pool.Pool
	GitHub       *github.Client
	Monitor      *health.Monitor
	RunID        string
	PollInterval time.Duration
	Logf         func(format string, args ...any)

	mu        sync.Mutex
	inflight  map[int]string // issue number -> session hint for display
	milestone string
	graph     *dag.Graph

	wg sync.WaitGroup
}

// New wires up an orchestrator for the project at root. repo may be
// empty to use the current directory's GitHub repo.
func New(root, repo string) (*Orchestrator, error) {
	cfg := config.Load(root)
	store, err := state.Open(filepath.Join(root, config.Dir, "state.db"))
	if err != nil {
		return nil, err
	}
	tm := tmux.New()
	p := pool.New(tm, cfg.Pool)
	return &Orchestrator{
		ProjectRoot:  root,
		Config:       cfg,
		Store:        store,
		Pool:         p,
		GitHub:       github.New(repo),
		Monitor:      health.New(tm, p, cfg.Health),
		RunID:        uuid.NewString(),
		PollInterval: DefaultPollInterval,
		inflight:     make(map[int]string),
		graph:        dag.New(),
	}, nil
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// Close releases the orchestrator's store. The pool is shut down by Run.
func (o *Orchestrator) Close() error {
	return o.Store.Close()
}

// Milestone returns the currently targeted milestone ("" = all issues).
func (o *Orchestrator) Milestone() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.milestone
}

// Graph returns the current dependency graph snapshot.
func (o *Orchestrator) Graph() *dag.Graph {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph
}

// InFlight reports which issues are currently dispatched.
func (o *Orchestrator) InFlight() map[int]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[int]string, len(o.inflight))
	for k, v := range o.inflight {
		out[k] = v
	}
	return out
}

// Run executes the poll loop until ctx is cancelled, then waits for
// in-flight dispatches to notice the cancellation and shuts the pool
// down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.inflight == nil {
		o.inflight = make(map[int]string)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	o.logf("runner: starting (run %s)", o.RunID)

	for {
		if err := o.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logf("runner: cycle failed: %v", err)
		}
		if !sleepCtx(ctx, o.PollInterval) {
			break
		}
	}

	o.wg.Wait()
	o.Pool.Shutdown()
	o.logf("runner: stopped")
	return ctx.Err()
}

// Refresh re-reads the target milestone, rebuilds the dependency graph
// from GitHub, and reconciles it into the store without dispatching
// anything.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	o.setMilestone(o.GitHub.TargetMilestone())
	issues, err := o.GitHub.ListOpenIssues()
	if err != nil {
		return err
	}
	graph := o.buildGraph(issues)
	if err := o.reconcile(graph, issues); err != nil {
		return err
	}
	o.mu.Lock()
	o.graph = graph
	o.mu.Unlock()
	return ctx.Err()
}

// Cycle runs one orchestrator iteration: refresh the graph from
// GitHub, reconcile it into the store, dispatch ready issues, flush
// queued side effects, and drain idle sessions.
func (o *Orchestrator) Cycle(ctx context.Context) error {
	if err := o.Refresh(ctx); err != nil {
		return err
	}

	o.tick(ctx, o.Graph())

	if _, err := o.GitHub.FlushSyncQueue(o.Store); err != nil {
		o.logf("runner: sync flush failed: %v", err)
	}
	o.Pool.DrainIdle()
	return ctx.Err()
}

// buildGraph filters epics and off-milestone issues, then builds the
// dependency graph.
func (o *Orchestrator) buildGraph(issues []github.IssueData) *dag.Graph {
	milestone := o.Milestone()
	var filtered []github.IssueData
	for _, issue := range issues {
		if github.IsEpic(issue.Title) {
			continue
		}
		if milestone != "" && issue.Milestone != milestone {
			continue
		}
		filtered = append(filtered, issue)
	}
	return github.BuildGraph(filtered)
}

// reconcile upserts graph nodes into the store (metadata refresh, phase
// preserved) and pulls each node's pipeline phase back out.
func (o *Orchestrator) reconcile(graph *dag.Graph, issues []github.IssueData) error {
	byNumber := make(map[int]github.IssueData, len(issues))
	for _, issue := range issues {
		byNumber[issue.Number] = issue
	}
	for _, node := range graph.Nodes() {
		data := byNumber[node.Number]
		if err := o.Store.UpsertIssue(state.Issue{
			Number:    node.Number,
			Title:     node.Title,
			Body:      data.Body,
			Labels:    strings.Join(data.Labels, ","),
			Milestone: o.Milestone(),
			Phase:     "pending",
			BlockedBy: joinInts(node.BlockedBy),
		}); err != nil {
			return err
		}
		stored, err := o.Store.GetIssue(node.Number)
		if err != nil {
			return err
		}
		node.Phase = stored.Phase
	}
	return nil
}

// tick dispatches every ready, not-yet-inflight issue.
func (o *Orchestrator) tick(ctx context.Context, graph *dag.Graph) {
	completed, err := o.completedIssues()
	if err != nil {
		o.logf("runner: listing completed issues: %v", err)
		return
	}
	for _, node := range graph.ReadyIssues(completed) {
		if node.Phase == phase.PR || completedPhases[node.Phase] {
			continue
		}
		o.submit(ctx, node)
	}
}

// submit starts a pipeline run for an issue unless one is in flight.
func (o *Orchestrator) submit(ctx context.Context, node *dag.Node) {
	o.mu.Lock()
	if _, dup := o.inflight[node.Number]; dup {
		o.mu.Unlock()
		return
	}
	o.inflight[node.Number] = "agent-" + strconv.Itoa(node.Number)
	o.mu.Unlock()

	start := node.Phase
	if phase.Index(start) < 0 {
		start = phase.Design
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, node.Number)
			o.mu.Unlock()
		}()
		o.runIssue(ctx, node.Number, start)
	}()
}

func (o *Orchestrator) runIssue(ctx context.Context, number int, start string) {
	o.logf("runner: dispatching #%d from phase %s", number, start)
	pc := &phase.Context{
		IssueNumber: number,
		Config:      o.Config,
		Engine: &dispatch.Engine{
			Config:      o.Config,
			Pool:        o.Pool,
			Store:       o.Store,
			Monitor:     o.Monitor,
			ProjectRoot: o.ProjectRoot,
			RunID:       o.RunID,
			Logf:        o.Logf,
		},
		Store:        o.Store,
		ProjectRoot:  o.ProjectRoot,
		Worktree:     o.ProjectRoot,
		PollInterval: o.PollInterval,
		Logf:         o.Logf,
	}
	if err := phase.RunFrom(ctx, pc, start); err != nil {
		o.logf("runner: #%d pipeline stopped: %v", number, err)
		if !errors.Is(err, context.Canceled) {
			if serr := o.Store.SetIssueStuck(number, err.Error()); serr != nil {
				o.logf("runner: recording stuck reason for #%d: %v", number, serr)
			}
		}
		return
	}
	o.logf("runner: #%d pipeline complete", number)
}

// completedIssues returns issue numbers whose phases resolve blockers.
func (o *Orchestrator) completedIssues() (map[int]bool, error) {
	issues, err := o.Store.ListIssues()
	if err != nil {
		return nil, err
	}
	completed := make(map[int]bool)
	for _, issue := range issues {
		if completedPhases[issue.Phase] {
			completed[issue.Number] = true
		}
	}
	return completed, nil
}

func (o *Orchestrator) setMilestone(ms string) {
	o.mu.Lock()
	o.milestone = ms
	o.mu.Unlock()
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
