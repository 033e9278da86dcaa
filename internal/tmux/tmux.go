// Package tmux wraps the tmux operations the session pool and health monitor
// need: creating and killing detached agent sessions, delivering input, and
// inspecting pane liveness and activity.
package tmux

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Runner abstracts command execution so callers can be tested without a
// running tmux server.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output, trimmed.
func (ExecRunner) Run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Common errors.
var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
)

// validSessionNameRe validates session names to prevent shell injection.
// Dots and colons are excluded because tmux treats them as target separators.
var validSessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// DefaultDebounceMs is the pause between pasting text and pressing Enter.
// Agent TUIs need time to process pasted text before Enter arrives.
const DefaultDebounceMs = 500

// Tmux wraps tmux operations for a single server.
type Tmux struct {
	runner Runner

	// DebounceMs overrides DefaultDebounceMs for SendKeys. Negative disables
	// the pause entirely (tests).
	DebounceMs int

	// Sleep overrides time.Sleep for testing.
	Sleep func(time.Duration)
}

// New creates a Tmux wrapper backed by os/exec.
func New() *Tmux {
	return NewWithRunner(ExecRunner{})
}

// NewWithRunner creates a Tmux wrapper with a custom command runner.
func NewWithRunner(r Runner) *Tmux {
	return &Tmux{runner: r, DebounceMs: DefaultDebounceMs}
}

func (t *Tmux) sleep(d time.Duration) {
	if t.Sleep != nil {
		t.Sleep(d)
		return
	}
	time.Sleep(d)
}

// run executes a tmux command and returns stdout.
func (t *Tmux) run(args ...string) (string, error) {
	out, err := t.runner.Run("tmux", args...)
	if err != nil {
		return "", t.wrapError(err, out, args)
	}
	return out, nil
}

// wrapError classifies tmux failures into sentinel errors.
func (t *Tmux) wrapError(err error, output string, args []string) error {
	output = strings.TrimSpace(output)

	if strings.Contains(output, "no server running") ||
		strings.Contains(output, "error connecting to") ||
		strings.Contains(output, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(output, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(output, "session not found") ||
		strings.Contains(output, "can't find session") ||
		strings.Contains(output, "can't find pane") {
		return ErrSessionNotFound
	}

	if output != "" {
		return fmt.Errorf("tmux %s: %s", args[0], output)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// validateSessionName checks that a name contains only safe characters.
func validateSessionName(name string) error {
	if name == "" || !validSessionNameRe.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidSessionName, name, validSessionNameRe.String())
	}
	return nil
}

// IsAvailable checks if tmux is installed and can be invoked.
func (t *Tmux) IsAvailable() bool {
	_, err := t.runner.Run("tmux", "-V")
	return err == nil
}

// HasSession checks if a session exists (exact match). The "=" prefix
// prevents prefix matches ("conductor-agent-1" matching "conductor-agent-10").
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns all session names. No server means no sessions.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// NewSessionWithCommand creates a detached session whose pane runs command as
// its initial process, with workDir as the working directory. Running the
// command directly avoids the race where keystrokes arrive before a shell
// prompt is ready.
func (t *Tmux) NewSessionWithCommand(name, workDir, command string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, command)
	_, err := t.run(args...)
	return err
}

// KillSession terminates a session. Idempotent: returns nil if the session is
// already gone or there is no tmux server.
func (t *Tmux) KillSession(name string) error {
	_, err := t.run("kill-session", "-t", name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// SendKeys delivers text to a session and presses Enter. The text is sent in
// literal mode (-l) so special characters are not interpreted as key names,
// then Enter is sent separately after a debounce pause.
func (t *Tmux) SendKeys(session, text string) error {
	if _, err := t.run("send-keys", "-t", session, "-l", text); err != nil {
		return err
	}
	debounce := t.DebounceMs
	if debounce == 0 {
		debounce = DefaultDebounceMs
	}
	if debounce > 0 {
		t.sleep(time.Duration(debounce) * time.Millisecond)
	}
	_, err := t.run("send-keys", "-t", session, "Enter")
	return err
}

// PaneActivityAge returns the time since the session's pane last produced
// output. Returns an error if the session is gone or the activity timestamp
// cannot be parsed.
func (t *Tmux) PaneActivityAge(session string) (time.Duration, error) {
	out, err := t.run("display-message", "-t", session, "-p", "#{pane_activity}")
	if err != nil {
		return 0, err
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse pane_activity %q: %w", out, err)
	}
	age := time.Since(time.Unix(epoch, 0))
	if age < 0 {
		age = 0
	}
	return age, nil
}

// PanePID returns the PID of the session's pane process, or empty if
// unavailable.
func (t *Tmux) PanePID(session string) (string, error) {
	out, err := t.run("display-message", "-t", session, "-p", "#{pane_pid}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsPaneAlive reports whether the session's pane process is still running,
// checked with kill -0.
func (t *Tmux) IsPaneAlive(session string) bool {
	pid, err := t.PanePID(session)
	if err != nil || pid == "" {
		return false
	}
	_, err = t.runner.Run("kill", "-0", pid)
	return err == nil
}

// CapturePaneTail returns the last lines of the session's visible pane
// content, most recent last. Blank trailing lines are dropped.
func (t *Tmux) CapturePaneTail(session string, lines int) ([]string, error) {
	out, err := t.run("capture-pane", "-t", session, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for len(raw) > 0 && strings.TrimSpace(raw[len(raw)-1]) == "" {
		raw = raw[:len(raw)-1]
	}
	return raw, nil
}
