// Package phase drives an issue through the seven-phase pipeline:
// design, plan, architect, test, implement, verify, pr. Each phase
// dispatches one or more agent steps and records its GitHub side
// effects (labels, comments) in the durable sync queue rather than
// calling out directly.
package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/contract"
	"github.com/steveyegge/conductor/internal/dispatch"
	"github.com/steveyegge/conductor/internal/github"
	"github.com/steveyegge/conductor/internal/state"
)

// Pipeline phases, in execution order.
const (
	Design    = "design"
	Plan      = "plan"
	Architect = "architect"
	Test      = "test"
	Implement = "implement"
	Verify    = "verify"
	PR        = "pr"
)

// Order is the fixed phase sequence.
var Order = []string{Design, Plan, Architect, Test, Implement, Verify, PR}

// Index returns a phase's position in Order, or -1 for unknown phases.
func Index(phase string) int {
	for i, p := range Order {
		if p == phase {
			return i
		}
	}
	return -1
}

// Next returns the phase after current, or empty at the end of the
// pipeline (or for unknown phases).
func Next(current string) string {
	idx := Index(current)
	if idx < 0 || idx+1 >= len(Order) {
		return ""
	}
	return Order[idx+1]
}

// Context carries everything a phase handler needs for one issue.
type Context struct {
	IssueNumber int
	Config      *config.Config
	Engine      *dispatch.Engine
	Store       *state.Store
	ProjectRoot string
	Worktree    string
	// PollInterval overrides the dispatch default when non-zero.
	PollInterval time.Duration
	Logf         func(format string, args ...any)
}

func (pc *Context) logf(format string, args ...any) {
	if pc.Logf != nil {
		pc.Logf(format, args...)
	}
}

// Run executes one phase for the issue.
func Run(ctx context.Context, pc *Context, phase string) error {
	switch phase {
	case Design:
		return runDesign(ctx, pc)
	case Plan:
		return runPlan(ctx, pc)
	case Architect:
		return runArchitect(ctx, pc)
	case Test:
		return runTest(ctx, pc)
	case Implement:
		return runImplement(ctx, pc)
	case Verify:
		return runVerify(ctx, pc)
	case PR:
		return runPR(ctx, pc)
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
}

// RunFrom executes phases sequentially starting at start, stopping at
// the first failure. "pending" starts from the beginning.
func RunFrom(ctx context.Context, pc *Context, start string) error {
	if start == "" || start == "pending" {
		start = Design
	}
	idx := Index(start)
	if idx < 0 {
		return fmt.Errorf("unknown phase %q", start)
	}
	for _, phase := range Order[idx:] {
		if err := Run(ctx, pc, phase); err != nil {
			return fmt.Errorf("phase %s: %w", phase, err)
		}
	}
	return nil
}

// dispatch runs a single agent step with the phase's configured budget.
func (pc *Context) dispatch(ctx context.Context, phase, stepID string, input any, newOut func() contract.Output) (contract.Output, error) {
	return pc.Engine.Dispatch(ctx, dispatch.Request{
		IssueNumber:  pc.IssueNumber,
		StepID:       stepID,
		Input:        input,
		New:          newOut,
		Worktree:     pc.Worktree,
		PollInterval: pc.PollInterval,
		Timeout:      time.Duration(pc.Config.PhaseTimeout(phase)) * time.Second,
	})
}

// enterPhase records the phase transition in the store.
func (pc *Context) enterPhase(phase string) error {
	if err := pc.Store.SetIssuePhase(pc.IssueNumber, phase); err != nil {
		return err
	}
	pc.logf("phase: #%d entering %s", pc.IssueNumber, phase)
	return nil
}

// queueLabels enqueues the phase label swap: add the new phase label,
// drop the previous one.
func (pc *Context) queueLabels(phase string) error {
	if _, err := pc.Store.EnqueueSync(pc.IssueNumber, github.SyncLabelAdd,
		github.LabelPayload("phase:"+phase)); err != nil {
		return err
	}
	if idx := Index(phase); idx > 0 {
		if _, err := pc.Store.EnqueueSync(pc.IssueNumber, github.SyncLabelRemove,
			github.LabelPayload("phase:"+Order[idx-1])); err != nil {
			return err
		}
	}
	return nil
}

func (pc *Context) queueComment(body string) error {
	_, err := pc.Store.EnqueueSync(pc.IssueNumber, github.SyncCommentPost,
		github.CommentPayload(body))
	return err
}

// loadIssueContext builds the step input from the store's cached issue
// metadata, carrying forward the design text and plan from earlier
// phase outputs when they exist.
func (pc *Context) loadIssueContext(phase string) (contract.IssueContext, error) {
	issue, err := pc.Store.GetIssue(pc.IssueNumber)
	if err != nil {
		return contract.IssueContext{}, err
	}

	var labels []string
	if issue.Labels != "" {
		labels = strings.Split(issue.Labels, ",")
	}
	var blockers []contract.BlockerStatus
	for _, field := range strings.Split(issue.BlockedBy, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			continue
		}
		resolved := false
		if dep, err := pc.Store.GetIssue(n); err == nil {
			resolved = dep.Phase == "merged" || dep.Phase == "closed"
		}
		blockers = append(blockers, contract.BlockerStatus{Number: n, Resolved: resolved})
	}

	ic := contract.IssueContext{
		Number:    issue.Number,
		Title:     issue.Title,
		Body:      issue.Body,
		Labels:    labels,
		Phase:     phase,
		BlockedBy: blockers,
		Branch:    fmt.Sprintf("issue-%d", issue.Number),
	}

	if prior := pc.readPriorContext("1.2"); prior != nil {
		design, err := json.Marshal(prior)
		if err == nil {
			s := string(design)
			ic.Design = &s
		}
	}
	if prior := pc.readPriorContext("2.2"); prior != nil && prior.Plan != nil {
		ic.Plan = prior.Plan
	}
	return ic, nil
}

// readPriorContext loads an earlier step's IssueContext output, or nil
// if it is absent or unreadable.
func (pc *Context) readPriorContext(stepID string) *contract.IssueContext {
	raw, err := os.ReadFile(dispatch.OutputPath(pc.ProjectRoot, pc.IssueNumber, stepID))
	if err != nil {
		return nil
	}
	var out contract.IssueContext
	if err := contract.Decode(raw, &out); err != nil {
		return nil
	}
	return &out
}

// readManifest loads the architect phase's stub manifest.
func (pc *Context) readManifest() (*contract.StubManifest, error) {
	raw, err := os.ReadFile(dispatch.OutputPath(pc.ProjectRoot, pc.IssueNumber, "3.3"))
	if err != nil {
		return nil, fmt.Errorf("stub manifest missing (architect phase incomplete): %w", err)
	}
	var manifest contract.StubManifest
	if err := contract.Decode(raw, &manifest); err != nil {
		return nil, fmt.Errorf("stub manifest invalid: %w", err)
	}
	return &manifest, nil
}

func runDesign(ctx context.Context, pc *Context) error {
	if err := pc.enterPhase(Design); err != nil {
		return err
	}
	ic, err := pc.loadIssueContext(Design)
	if err != nil {
		return err
	}
	out, err := pc.dispatch(ctx, Design, "1.2", ic,
		func() contract.Output { return &contract.IssueContext{} })
	if err != nil {
		return err
	}

	body, _ := json.MarshalIndent(out, "", "  ")
	if err := pc.queueComment("Design complete:\n" + string(body)); err != nil {
		return err
	}
	return pc.queueLabels(Design)
}

func runPlan(ctx context.Context, pc *Context) error {
	if err := pc.enterPhase(Plan); err != nil {
		return err
	}
	ic, err := pc.loadIssueContext(Plan)
	if err != nil {
		return err
	}
	out, err := pc.dispatch(ctx, Plan, "2.2", ic,
		func() contract.Output { return &contract.IssueContext{} })
	if err != nil {
		return err
	}

	body, _ := json.MarshalIndent(out, "", "  ")
	if err := pc.queueComment("Plan complete:\n" + string(body)); err != nil {
		return err
	}
	return pc.queueLabels(Plan)
}

func runArchitect(ctx context.Context, pc *Context) error {
	if err := pc.enterPhase(Architect); err != nil {
		return err
	}
	ic, err := pc.loadIssueContext(Architect)
	if err != nil {
		return err
	}

	matrix, err := pc.dispatch(ctx, Architect, "3.2", ic,
		func() contract.Output { return &contract.TestMatrix{} })
	if err != nil {
		return err
	}
	if _, err := pc.dispatch(ctx, Architect, "3.3", matrix,
		func() contract.Output { return &contract.StubManifest{} }); err != nil {
		return err
	}
	return pc.queueLabels(Architect)
}

func runTest(ctx context.Context, pc *Context) error {
	if err := pc.enterPhase(Test); err != nil {
		return err
	}
	manifest, err := pc.readManifest()
	if err != nil {
		return err
	}

	var steps []swarmStep
	for i, tf := range manifest.TestFiles {
		steps = append(steps, swarmStep{
			subID: strconv.Itoa(i + 1),
			input: contract.TestAssignment{
				TestFile:         tf.Path,
				Stubs:            tf.Functions,
				RelatedImplStubs: manifest.ImplFiles,
			},
		})
	}
	if err := pc.swarm(ctx, Test, "4.2", steps); err != nil {
		return err
	}
	return pc.queueLabels(Test)
}

func runImplement(ctx context.Context, pc *Context) error {
	if err := pc.enterPhase(Implement); err != nil {
		return err
	}
	manifest, err := pc.readManifest()
	if err != nil {
		return err
	}

	var steps []swarmStep
	for i, impl := range manifest.ImplFiles {
		steps = append(steps, swarmStep{
			subID: strconv.Itoa(i + 1),
			input: contract.ImplAssignment{
				ImplFile: impl.Path,
				Stubs:    impl.Functions,
			},
		})
	}
	if err := pc.swarm(ctx, Implement, "5.2", steps); err != nil {
		return err
	}

	// Integration pass over the swarm's work.
	ic, err := pc.loadIssueContext(Implement)
	if err != nil {
		return err
	}
	if _, err := pc.dispatch(ctx, Implement, "5.4", ic,
		func() contract.Output { return &contract.FileOutput{} }); err != nil {
		return err
	}
	return pc.queueLabels(Implement)
}

func runVerify(ctx context.Context, pc *Context) error {
	if err := pc.enterPhase(Verify); err != nil {
		return err
	}
	ic, err := pc.loadIssueContext(Verify)
	if err != nil {
		return err
	}
	if _, err := pc.dispatch(ctx, Verify, "6.2", ic,
		func() contract.Output { return &contract.FileOutput{} }); err != nil {
		return err
	}
	return pc.queueLabels(Verify)
}

var prRefRe = regexp.MustCompile(`#(\d+)`)

func runPR(ctx context.Context, pc *Context) error {
	if err := pc.enterPhase(PR); err != nil {
		return err
	}
	ic, err := pc.loadIssueContext(PR)
	if err != nil {
		return err
	}
	out, err := pc.dispatch(ctx, PR, "7.2", ic,
		func() contract.Output { return &contract.FileOutput{} })
	if err != nil {
		return err
	}

	// The agent reports the opened PR in its output; record the number
	// when one is mentioned.
	if fo, ok := out.(*contract.FileOutput); ok {
		if m := prRefRe.FindStringSubmatch(fo.Content); m != nil {
			if prNumber, err := strconv.Atoi(m[1]); err == nil {
				if err := pc.Store.SetIssuePR(pc.IssueNumber, prNumber); err != nil {
					return err
				}
			}
		}
	}
	if err := pc.queueComment("PR created."); err != nil {
		return err
	}
	return pc.queueLabels(PR)
}

// swarmStep is one fan-out dispatch: step ID "prefix.subID".
type swarmStep struct {
	subID string
	input any
}

// swarm dispatches fan-out steps concurrently and fails if any step
// fails, joining their errors.
func (pc *Context) swarm(ctx context.Context, phase, prefix string, steps []swarmStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("step %s: nothing to fan out", prefix)
	}
	errs := make([]error, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step swarmStep) {
			defer wg.Done()
			_, err := pc.dispatch(ctx, phase, prefix+"."+step.subID, step.input,
				func() contract.Output { return &contract.FileOutput{} })
			errs[i] = err
		}(i, step)
	}
	wg.Wait()

	var failures []string
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("swarm %s: %s", prefix, strings.Join(failures, "; "))
	}
	return nil
}
