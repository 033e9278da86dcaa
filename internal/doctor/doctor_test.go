package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/conductor/internal/config"
	"github.com/steveyegge/conductor/internal/tmux"
)

type fakeRunner struct {
	fail bool
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	if f.fail {
		return "", errors.New("exit 1")
	}
	return "", nil
}

func TestTmuxCheck(t *testing.T) {
	ctx := &Context{ProjectRoot: t.TempDir()}

	ok := &TmuxCheck{Tmux: tmux.NewWithRunner(&fakeRunner{})}
	if res := ok.Run(ctx); res.Status != StatusOK {
		t.Errorf("status = %v, want OK", res.Status)
	}
	bad := &TmuxCheck{Tmux: tmux.NewWithRunner(&fakeRunner{fail: true})}
	if res := bad.Run(ctx); res.Status != StatusError {
		t.Errorf("status = %v, want Error", res.Status)
	}
}

func TestAgentCheck(t *testing.T) {
	ctx := &Context{ProjectRoot: t.TempDir()}

	found := &AgentCheck{LookPath: func(string) (string, error) { return "/usr/bin/agent", nil }}
	if res := found.Run(ctx); res.Status != StatusOK {
		t.Errorf("status = %v, want OK", res.Status)
	}
	missing := &AgentCheck{LookPath: func(string) (string, error) { return "", errors.New("not found") }}
	res := missing.Run(ctx)
	if res.Status != StatusError {
		t.Errorf("status = %v, want Error", res.Status)
	}
	if !strings.Contains(res.Message, "agent") {
		t.Errorf("message = %q, want binary name", res.Message)
	}
}

func TestGhCheck(t *testing.T) {
	ctx := &Context{ProjectRoot: t.TempDir()}

	ok := &GhCheck{Runner: &fakeRunner{}}
	if res := ok.Run(ctx); res.Status != StatusOK {
		t.Errorf("status = %v, want OK", res.Status)
	}
	bad := &GhCheck{Runner: &fakeRunner{fail: true}}
	if res := bad.Run(ctx); res.Status != StatusError || res.FixHint == "" {
		t.Errorf("result = %+v, want error with fix hint", res)
	}
}

func TestConfigCheckFix(t *testing.T) {
	root := t.TempDir()
	ctx := &Context{ProjectRoot: root}
	check := &ConfigCheck{}

	if res := check.Run(ctx); res.Status != StatusWarning {
		t.Errorf("status = %v, want Warning before init", res.Status)
	}
	if !check.CanFix() {
		t.Fatal("ConfigCheck should be fixable")
	}
	if err := check.Fix(ctx); err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if res := check.Run(ctx); res.Status != StatusOK {
		t.Errorf("status = %v, want OK after fix", res.Status)
	}
	if _, err := os.Stat(filepath.Join(root, config.Dir, config.Filename)); err != nil {
		t.Errorf("config not written: %v", err)
	}
}

func TestStateCheck(t *testing.T) {
	ctx := &Context{ProjectRoot: t.TempDir()}
	if res := (&StateCheck{}).Run(ctx); res.Status != StatusOK {
		t.Errorf("status = %v, want OK", res.Status)
	}
}

func TestRunAllFixesAndSummarizes(t *testing.T) {
	root := t.TempDir()
	ctx := &Context{ProjectRoot: root}
	checks := []Check{
		&GhCheck{Runner: &fakeRunner{fail: true}},
		&ConfigCheck{},
	}

	report := RunAll(ctx, checks, true)
	if !report.HasErrors() {
		t.Error("expected gh failure to count as error")
	}
	if len(report.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(report.Results))
	}
	if report.Results[1].Status != StatusOK {
		t.Errorf("config result = %+v, want fixed to OK", report.Results[1])
	}

	var b strings.Builder
	report.Print(&b)
	out := b.String()
	for _, want := range []string{"gh auth login", "2 checks", "1 passed", "1 errors"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}
