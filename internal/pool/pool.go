// Package pool manages a bounded set of tmux-backed agent sessions.
// Sessions are reused between steps (with a model switch and context
// clear when needed) and reaped after sitting idle past their TTL.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/tmux"
)

// LaunchCommand starts the agent CLI inside a fresh tmux session.
const LaunchCommand = "agent chat --yolo --approve-mcps"

// ErrPoolExhausted is returned by Acquire when every session slot is busy.
var ErrPoolExhausted = errors.New("pool at max capacity, all sessions busy")

// Session is one tmux-backed agent. NudgeCount and RetryCount belong to
// the health monitor and reset whenever the session is released.
type Session struct {
	Name       string
	Worktree   string
	Model      string
	Busy       bool
	LastUsed   time.Time
	NudgeCount int
	RetryCount int
}

// Pool hands out agent sessions up to a configured cap.
type Pool struct {
	mu           sync.Mutex
	tmux         *tmux.Tmux
	maxSessions  int
	idleTTL      time.Duration
	defaultModel string
	sessions     map[string]*Session
	order        []string // insertion order, for deterministic reuse
	nextID       int

	now  func() time.Time
	logf func(format string, args ...any)
}

// New builds a pool on top of the given tmux client.
func New(t *tmux.Tmux, cfg config.PoolConfig) *Pool {
	return &Pool{
		tmux:         t,
		maxSessions:  cfg.MaxSessions,
		idleTTL:      time.Duration(cfg.IdleTTLSeconds) * time.Second,
		defaultModel: cfg.DefaultModel,
		sessions:     make(map[string]*Session),
		now:          time.Now,
		logf:         func(string, ...any) {},
	}
}

// SetLogger installs a log function for session lifecycle events.
func (p *Pool) SetLogger(logf func(format string, args ...any)) {
	p.logf = logf
}

// Acquire returns an idle session switched to the requested model, or
// creates a new one if there is capacity. An empty model means the pool
// default. Returns ErrPoolExhausted when all slots are busy.
func (p *Pool) Acquire(worktree, model string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if model == "" {
		model = p.defaultModel
	}

	for _, name := range p.order {
		session := p.sessions[name]
		if session.Busy {
			continue
		}
		session.Busy = true
		session.Worktree = worktree
		session.LastUsed = p.now()
		if session.Model != model {
			if err := p.switchModelLocked(session, model); err != nil {
				session.Busy = false
				return nil, err
			}
		}
		return session, nil
	}

	if len(p.sessions) >= p.maxSessions {
		return nil, fmt.Errorf("%w (max %d)", ErrPoolExhausted, p.maxSessions)
	}

	name := fmt.Sprintf("conductor-agent-%d", p.nextID)
	p.nextID++
	if err := p.tmux.NewSessionWithCommand(name, worktree, LaunchCommand); err != nil {
		return nil, fmt.Errorf("creating session %s: %w", name, err)
	}
	p.logf("pool: created session %s (model %s)", name, model)

	session := &Session{
		Name:     name,
		Worktree: worktree,
		Model:    model,
		Busy:     true,
		LastUsed: p.now(),
	}
	p.sessions[name] = session
	p.order = append(p.order, name)
	return session, nil
}

// Release returns a session to the idle set and clears its health
// counters so the next task starts fresh.
func (p *Pool) Release(session *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session.Busy = false
	session.LastUsed = p.now()
	session.NudgeCount = 0
	session.RetryCount = 0
}

// Send types text into the session's agent.
func (p *Pool) Send(session *Session, text string) error {
	return p.tmux.SendKeys(session.Name, text)
}

// SwitchModel tells the agent to change models.
func (p *Pool) SwitchModel(session *Session, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.switchModelLocked(session, model)
}

func (p *Pool) switchModelLocked(session *Session, model string) error {
	if err := p.tmux.SendKeys(session.Name, "/model "+model); err != nil {
		return fmt.Errorf("switching %s to %s: %w", session.Name, model, err)
	}
	session.Model = model
	return nil
}

// ClearContext resets the agent's conversation before a new task.
func (p *Pool) ClearContext(session *Session) error {
	if err := p.tmux.SendKeys(session.Name, "/clear"); err != nil {
		return fmt.Errorf("clearing context on %s: %w", session.Name, err)
	}
	return nil
}

// Kill destroys a session and frees its slot. Used by health recovery
// when an agent is beyond nudging.
func (p *Pool) Kill(session *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(session.Name)
}

func (p *Pool) removeLocked(name string) error {
	if err := p.tmux.KillSession(name); err != nil {
		p.logf("pool: failed to kill session %s: %v", name, err)
		return err
	}
	delete(p.sessions, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// DrainIdle kills sessions whose idle age has reached the TTL and
// returns how many died.
func (p *Pool) DrainIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var expired []string
	for _, name := range p.order {
		session := p.sessions[name]
		if !session.Busy && now.Sub(session.LastUsed) >= p.idleTTL {
			expired = append(expired, name)
		}
	}
	drained := 0
	for _, name := range expired {
		if err := p.removeLocked(name); err != nil {
			continue
		}
		p.logf("pool: drained idle session %s", name)
		drained++
	}
	return drained
}

// Shutdown kills every session in the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range append([]string(nil), p.order...) {
		_ = p.removeLocked(name)
	}
}

// ActiveCount is the number of live sessions, busy or idle.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// BusyCount is the number of sessions currently running a step.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var busy int
	for _, s := range p.sessions {
		if s.Busy {
			busy++
		}
	}
	return busy
}

// MaxSessions is the configured pool cap.
func (p *Pool) MaxSessions() int {
	return p.maxSessions
}

// Sessions returns a snapshot of the pool in creation order.
func (p *Pool) Sessions() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Session, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, *p.sessions[name])
	}
	return out
}
