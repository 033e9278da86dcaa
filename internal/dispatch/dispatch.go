// Package dispatch sends individual pipeline steps to pooled agent
// sessions and collects their output through the file protocol: input
// JSON written for the agent, output JSON polled for, decoded strictly,
// and retried on validation failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/contract"
	"github.com/steveyegge/conductor/internal/health"
	"github.com/steveyegge/conductor/internal/pool"
	"github.com/steveyegge/conductor/internal/state"
	"github.com/steveyegge/conductor/internal/util"
)

// ErrNotDispatchable is returned for steps that run inside the
// orchestrator itself rather than on an agent.
var ErrNotDispatchable = errors.New("step is not dispatchable to an agent")

// ErrUnrecoverable is returned when the health monitor's recovery
// ladder is exhausted and the step must escalate.
var ErrUnrecoverable = errors.New("agent unrecoverable")

const (
	// DefaultValidationRetries is how many times a step's output may
	// fail validation before the step fails.
	DefaultValidationRetries = 2
	// DefaultPollInterval is how often the output file is checked.
	DefaultPollInterval = 2 * time.Second
)

// StepDir returns the artifact directory for an issue's steps.
func StepDir(projectRoot string, issueNumber int) string {
	return filepath.Join(projectRoot, config.Dir, "steps", strconv.Itoa(issueNumber))
}

// InputPath returns where a step's input JSON is written.
func InputPath(projectRoot string, issueNumber int, stepID string) string {
	return filepath.Join(StepDir(projectRoot, issueNumber), stepID+".input.json")
}

// OutputPath returns where the agent must write a step's output JSON.
func OutputPath(projectRoot string, issueNumber int, stepID string) string {
	return filepath.Join(StepDir(projectRoot, issueNumber), stepID+".output.json")
}

// Request describes one step to dispatch.
type Request struct {
	IssueNumber int
	StepID      string
	Input       any
	// New allocates a fresh output value for each validation attempt.
	New      func() contract.Output
	Worktree string

	// Zero values take the package defaults; Timeout zero means the
	// step has no deadline. MaxValidationRetries zero selects
	// DefaultValidationRetries; negative disables retries entirely
	// (fail on the first invalid output).
	MaxValidationRetries int
	PollInterval         time.Duration
	Timeout              time.Duration
}

// Engine dispatches steps against a session pool, persisting each
// attempt to the store. Monitor is optional; when set, stalled agents
// go through the nudge/retry/escalate ladder.
type Engine struct {
	Config      *config.Config
	Pool        *pool.Pool
	Store       *state.Store
	Monitor     *health.Monitor
	ProjectRoot string
	RunID       string
	Logf        func(format string, args ...any)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

func buildPrompt(inputPath, outputPath string) string {
	return fmt.Sprintf(
		"Read the task specification at %s. "+
			"It contains a JSON object with the issue context, phase, and requirements. "+
			"Complete the task described in the specification. "+
			"Write ONLY valid JSON output (no markdown, no commentary) to %s. "+
			"The output must match the schema expected by the conductor pipeline.",
		inputPath, outputPath)
}

func buildRetryPrompt(validationErr error, outputPath string) string {
	return fmt.Sprintf("Your output had a validation error: %v. Please fix and rewrite %s.",
		validationErr, outputPath)
}

// Dispatch runs one step end to end: write input, acquire a session,
// prompt the agent, poll for output, validate, and record the result.
// The returned output is nil on any failure.
func (e *Engine) Dispatch(ctx context.Context, req Request) (contract.Output, error) {
	tier := e.Config.ResolveStepTier(req.StepID)
	if tier == "python" {
		return nil, fmt.Errorf("step %s: %w", req.StepID, ErrNotDispatchable)
	}
	model := e.Config.ResolveStepModel(req.StepID)

	if req.MaxValidationRetries == 0 {
		req.MaxValidationRetries = DefaultValidationRetries
	} else if req.MaxValidationRetries < 0 {
		req.MaxValidationRetries = 0
	}
	if req.PollInterval == 0 {
		req.PollInterval = DefaultPollInterval
	}

	rowID, err := e.Store.InsertStep(req.IssueNumber, req.StepID, model, e.RunID)
	if err != nil {
		return nil, err
	}

	inputPath := InputPath(e.ProjectRoot, req.IssueNumber, req.StepID)
	outputPath := OutputPath(e.ProjectRoot, req.IssueNumber, req.StepID)
	if err := util.EnsureDirAndWriteJSON(inputPath, req.Input); err != nil {
		return nil, e.fail(rowID, time.Time{}, fmt.Errorf("writing input for step %s: %w", req.StepID, err))
	}
	if err := e.Store.MarkStepDispatched(rowID, inputPath, outputPath); err != nil {
		return nil, err
	}

	session, err := e.acquire(ctx, req, model)
	if err != nil {
		if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
			e.finish(rowID, "cancelled", "shutdown", time.Time{})
			return nil, err
		}
		return nil, e.fail(rowID, time.Time{}, fmt.Errorf("acquiring session for step %s: %w", req.StepID, err))
	}
	// session is swapped by recovery and nilled when recovery gives up
	// and the session is destroyed instead of returned to the pool.
	defer func() {
		if session != nil {
			e.Pool.Release(session)
		}
	}()

	if err := e.Pool.ClearContext(session); err != nil {
		return nil, e.fail(rowID, time.Time{}, err)
	}
	prompt := buildPrompt(inputPath, outputPath)
	if err := e.Pool.Send(session, prompt); err != nil {
		return nil, e.fail(rowID, time.Time{}, err)
	}
	e.logf("dispatch: step %s for #%d on %s (model %s)",
		req.StepID, req.IssueNumber, session.Name, model)

	start := time.Now()
	retriesLeft := req.MaxValidationRetries

	for {
		if err := ctx.Err(); err != nil {
			e.finish(rowID, "cancelled", "shutdown", start)
			return nil, fmt.Errorf("step %s: %w", req.StepID, err)
		}
		elapsed := time.Since(start)
		if req.Timeout > 0 && elapsed >= req.Timeout {
			return nil, e.fail(rowID, start, fmt.Errorf("step %s: timeout after %s", req.StepID, req.Timeout))
		}

		raw, err := os.ReadFile(outputPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, e.fail(rowID, start, fmt.Errorf("reading output for step %s: %w", req.StepID, err))
			}
			fresh, herr := e.checkHealth(session, elapsed, req, prompt)
			if herr != nil {
				e.Pool.Kill(session)
				session = nil
				return nil, e.fail(rowID, start, herr)
			}
			session = fresh
			if !sleepCtx(ctx, req.PollInterval) {
				e.finish(rowID, "cancelled", "shutdown", start)
				return nil, fmt.Errorf("step %s: %w", req.StepID, ctx.Err())
			}
			continue
		}

		out := req.New()
		if err := contract.Decode(raw, out); err != nil {
			if retriesLeft <= 0 {
				return nil, e.fail(rowID, start, fmt.Errorf("step %s: validation failed after retries: %w", req.StepID, err))
			}
			retriesLeft--
			os.Remove(outputPath)
			if sendErr := e.Pool.Send(session, buildRetryPrompt(err, outputPath)); sendErr != nil {
				return nil, e.fail(rowID, start, sendErr)
			}
			e.logf("dispatch: step %s output invalid, %d retries left: %v",
				req.StepID, retriesLeft, err)
			continue
		}

		e.finish(rowID, "completed", "", start)
		return out, nil
	}
}

// acquire waits for a pool slot, retrying while the pool is exhausted.
// Fan-out phases routinely request more steps than there are sessions.
func (e *Engine) acquire(ctx context.Context, req Request, model string) (*pool.Session, error) {
	for {
		session, err := e.Pool.Acquire(req.Worktree, model)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, pool.ErrPoolExhausted) {
			return nil, err
		}
		if !sleepCtx(ctx, req.PollInterval) {
			return nil, fmt.Errorf("step %s: %w", req.StepID, ctx.Err())
		}
	}
}

// checkHealth consults the monitor (when configured) for a session with
// no output yet, running recovery for stalled states. It returns the
// session to keep polling, which may be a fresh one after a retry.
func (e *Engine) checkHealth(session *pool.Session, elapsed time.Duration, req Request, prompt string) (*pool.Session, error) {
	if e.Monitor == nil {
		return session, nil
	}
	st := e.Monitor.Classify(session, false, elapsed, req.Timeout)
	switch st {
	case health.Hung, health.Forgot, health.Dead:
		e.logf("dispatch: step %s session %s is %s, recovering", req.StepID, session.Name, st)
		fresh, err := e.Monitor.Recover(session, prompt)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("step %s: %w (session %s was %s)",
				req.StepID, ErrUnrecoverable, session.Name, st)
		}
		return fresh, nil
	default:
		return session, nil
	}
}

// fail records a failed step and passes the error through.
func (e *Engine) fail(rowID int64, start time.Time, err error) error {
	e.finish(rowID, "failed", err.Error(), start)
	return err
}

func (e *Engine) finish(rowID int64, status, errMsg string, start time.Time) {
	var duration time.Duration
	if !start.IsZero() {
		duration = time.Since(start)
	}
	if err := e.Store.FinishStep(rowID, status, errMsg, duration); err != nil {
		e.logf("dispatch: failed to record step %d as %s: %v", rowID, status, err)
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false
// on cancellation.
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
