package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/github"
	"github.com/steveyegge/conductor/internal/pool"
	"github.com/steveyegge/conductor/internal/state"
	"github.com/steveyegge/conductor/internal/tmux"
)

// noFix is embedded by checks that cannot repair anything.
type noFix struct{}

func (noFix) Fix(*Context) error { return nil }
func (noFix) CanFix() bool       { return false }

// TmuxCheck verifies a usable tmux binary.
type TmuxCheck struct {
	noFix
	Tmux *tmux.Tmux
}

func (c *TmuxCheck) Name() string { return "tmux" }

func (c *TmuxCheck) Run(ctx *Context) *Result {
	if !c.Tmux.IsAvailable() {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "tmux not found",
			FixHint: "install tmux; agent sessions run inside it",
		}
	}
	return &Result{Name: c.Name(), Status: StatusOK, Message: "available"}
}

// AgentCheck verifies the agent CLI the pool launches in each session.
type AgentCheck struct {
	noFix
	LookPath func(string) (string, error)
}

func (c *AgentCheck) Name() string { return "agent" }

func (c *AgentCheck) Run(ctx *Context) *Result {
	look := c.LookPath
	if look == nil {
		look = exec.LookPath
	}
	binary := strings.Fields(pool.LaunchCommand)[0]
	if _, err := look(binary); err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("%s not on PATH", binary),
			FixHint: "install the agent CLI used to drive coding sessions",
		}
	}
	return &Result{Name: c.Name(), Status: StatusOK, Message: "on PATH"}
}

// GhCheck verifies the gh CLI is installed and authenticated.
type GhCheck struct {
	noFix
	Runner github.Runner
}

func (c *GhCheck) Name() string { return "gh" }

func (c *GhCheck) Run(ctx *Context) *Result {
	r := c.Runner
	if r == nil {
		r = github.ExecRunner{}
	}
	if _, err := r.Run("gh", "auth", "status"); err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "gh CLI missing or not authenticated",
			FixHint: "run: gh auth login",
		}
	}
	return &Result{Name: c.Name(), Status: StatusOK, Message: "authenticated"}
}

// ConfigCheck verifies conductor.toml exists. Fixable: writes defaults.
type ConfigCheck struct{}

func (c *ConfigCheck) Name() string { return "config" }

func (c *ConfigCheck) Run(ctx *Context) *Result {
	path := config.Path(ctx.ProjectRoot)
	if _, err := os.Stat(path); err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "conductor.toml missing, compiled-in defaults apply",
			FixHint: "run: conductor init",
		}
	}
	return &Result{Name: c.Name(), Status: StatusOK, Message: path}
}

func (c *ConfigCheck) CanFix() bool { return true }

func (c *ConfigCheck) Fix(ctx *Context) error {
	_, err := config.Init(ctx.ProjectRoot)
	return err
}

// StateCheck verifies the sqlite state store opens.
type StateCheck struct {
	noFix
}

func (c *StateCheck) Name() string { return "state" }

func (c *StateCheck) Run(ctx *Context) *Result {
	path := filepath.Join(ctx.ProjectRoot, config.Dir, "state.db")
	store, err := state.Open(path)
	if err != nil {
		return &Result{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("cannot open %s: %v", path, err),
		}
	}
	store.Close()
	return &Result{Name: c.Name(), Status: StatusOK, Message: path}
}

// DefaultChecks is the standard preflight suite.
func DefaultChecks() []Check {
	return []Check{
		&TmuxCheck{Tmux: tmux.New()},
		&AgentCheck{},
		&GhCheck{},
		&ConfigCheck{},
		&StateCheck{},
	}
}
