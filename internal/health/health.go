// Package health classifies agent sessions from tmux-observable signals
// and runs the recovery ladder (nudge, then retry on a fresh session,
// then escalate) when an agent stalls.
package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/pool"
	"github.com/steveyegge/conductor/internal/tmux"
)

// State is the observed condition of an agent session.
type State int

const (
	// Active: recent pane output and no result yet.
	Active State = iota
	// Done: the output file exists.
	Done
	// Idle: quiet but still within the step's time budget.
	Idle
	// Hung: past the budget and mid-task (not at a prompt).
	Hung
	// Forgot: past the budget, sitting at the input prompt without
	// having written output.
	Forgot
	// Dead: the pane process is gone.
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Done:
		return "done"
	case Idle:
		return "idle"
	case Hung:
		return "hung"
	case Forgot:
		return "forgot"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NudgeMessage is sent to an agent that looks stuck.
const NudgeMessage = "You appear stuck. Please continue and write your output file."

// Monitor watches sessions for a dispatch in flight.
type Monitor struct {
	tmux *tmux.Tmux
	pool *pool.Pool
	cfg  config.HealthConfig
	logf func(format string, args ...any)
}

// New builds a monitor over the same tmux client the pool uses.
func New(t *tmux.Tmux, p *pool.Pool, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		tmux: t,
		pool: p,
		cfg:  cfg,
		logf: func(string, ...any) {},
	}
}

// SetLogger installs a log function for recovery events.
func (m *Monitor) SetLogger(logf func(format string, args ...any)) {
	m.logf = logf
}

// Classify determines a session's state. outputExists short-circuits to
// Done; otherwise liveness, pane activity age, elapsed time, and prompt
// detection are consulted in that order.
func (m *Monitor) Classify(session *pool.Session, outputExists bool, elapsed, timeout time.Duration) State {
	if outputExists {
		return Done
	}
	if !m.tmux.IsPaneAlive(session.Name) {
		return Dead
	}
	age, err := m.tmux.PaneActivityAge(session.Name)
	if err != nil {
		return Dead
	}
	if age < time.Duration(m.cfg.IdleThresholdSeconds)*time.Second {
		return Active
	}
	if timeout <= 0 || elapsed < timeout {
		return Idle
	}
	if m.atPrompt(session.Name) {
		return Forgot
	}
	return Hung
}

// atPrompt reports whether the last non-blank pane line looks like the
// agent's input prompt.
func (m *Monitor) atPrompt(sessionName string) bool {
	lines, err := m.tmux.CapturePaneTail(sessionName, 3)
	if err != nil {
		return false
	}
	for i := len(lines) - 1; i >= 0; i-- {
		stripped := strings.TrimSpace(lines[i])
		if stripped == "" {
			continue
		}
		return strings.HasSuffix(stripped, ">") || strings.HasSuffix(stripped, "$")
	}
	return false
}

// Recover runs the recovery ladder for a stalled session. It returns
// the session to keep polling: the same one after a nudge, a fresh one
// after a kill-and-retry (with the task replayed from replayPrompt), or
// nil when both budgets are exhausted and the step must escalate.
func (m *Monitor) Recover(session *pool.Session, replayPrompt string) (*pool.Session, error) {
	if session.NudgeCount < m.cfg.MaxNudges {
		if err := m.pool.Send(session, NudgeMessage); err != nil {
			return nil, fmt.Errorf("nudging %s: %w", session.Name, err)
		}
		session.NudgeCount++
		m.logf("health: nudged %s (%d/%d)", session.Name, session.NudgeCount, m.cfg.MaxNudges)
		return session, nil
	}

	if session.RetryCount < m.cfg.MaxRetries {
		retries := session.RetryCount
		worktree, model := session.Worktree, session.Model
		if err := m.pool.Kill(session); err != nil {
			m.logf("health: failed to kill %s: %v", session.Name, err)
		}
		fresh, err := m.pool.Acquire(worktree, model)
		if err != nil {
			return nil, fmt.Errorf("acquiring replacement for %s: %w", session.Name, err)
		}
		fresh.RetryCount = retries + 1
		fresh.NudgeCount = 0
		if err := m.pool.Send(fresh, replayPrompt); err != nil {
			return nil, fmt.Errorf("replaying task on %s: %w", fresh.Name, err)
		}
		m.logf("health: retried %s on fresh session %s (%d/%d)",
			session.Name, fresh.Name, fresh.RetryCount, m.cfg.MaxRetries)
		return fresh, nil
	}

	m.logf("health: escalating %s, nudge and retry budgets exhausted", session.Name)
	return nil, nil
}
