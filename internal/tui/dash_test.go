package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/steveyegge/conductor/internal/state"
	"github.com/steveyegge/conductor/internal/tmux"
)

type fakeRunner struct {
	sessions string
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	if name == "tmux" && len(args) > 0 && args[0] == "list-sessions" {
		return f.sessions, nil
	}
	return "", nil
}

func TestStoreLoader(t *testing.T) {
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	defer store.Close()

	for _, issue := range []state.Issue{
		{Number: 1, Title: "Build parser", Milestone: "0.1.0", Phase: "pending"},
		{Number: 2, Title: "Use parser", Phase: "pending", BlockedBy: "1"},
	} {
		if err := store.UpsertIssue(issue); err != nil {
			t.Fatalf("UpsertIssue: %v", err)
		}
	}
	if err := store.SetIssuePhase(1, "implement"); err != nil {
		t.Fatalf("SetIssuePhase: %v", err)
	}
	if err := store.SetIssueCurrentStep(1, "5.2.1"); err != nil {
		t.Fatalf("SetIssueCurrentStep: %v", err)
	}

	load := StoreLoader(store, tmux.NewWithRunner(&fakeRunner{
		sessions: "conductor-agent-0\nother-session",
	}))
	snap, err := load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if snap.Milestone != "0.1.0" {
		t.Errorf("milestone = %q, want 0.1.0", snap.Milestone)
	}
	if len(snap.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(snap.Rows))
	}
	first := snap.Rows[0]
	if first.Phase != "implement" || first.Step != "5.2.1" || !first.Dispatched {
		t.Errorf("row 0 = %+v", first)
	}
	if snap.Rows[1].BlockedBy != "1" || snap.Rows[1].Dispatched {
		t.Errorf("row 1 = %+v", snap.Rows[1])
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0] != "conductor-agent-0" {
		t.Errorf("sessions = %v, want only conductor-agent-0", snap.Sessions)
	}
}

func TestViewRendersSnapshot(t *testing.T) {
	m := New(func() (Snapshot, error) {
		return Snapshot{}, nil
	})

	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = next.(Model)
	next, _ = m.Update(snapshotMsg{snap: Snapshot{
		Milestone: "0.1.0",
		Rows: []Row{
			{Number: 1, Title: "Build parser", Phase: "pr", PR: 9},
			{Number: 2, Title: "Use parser", Phase: "pending", BlockedBy: "1"},
			{Number: 3, Title: "Flaky thing", Phase: "test", Stuck: "swarm 4.2: timed out"},
		},
		Sessions: []string{"conductor-agent-0"},
	}})
	m = next.(Model)

	out := m.View()
	for _, want := range []string{
		"milestone 0.1.0",
		"Build parser", "PR #9",
		"blocked by #1",
		"stuck: swarm 4.2: timed out",
		"Sessions: 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestViewShowsLoadError(t *testing.T) {
	m := New(func() (Snapshot, error) {
		return Snapshot{}, errors.New("db locked")
	})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m = next.(Model)
	next, _ = m.Update(m.fetch())
	m = next.(Model)

	if out := m.View(); !strings.Contains(out, "db locked") {
		t.Errorf("view missing load error:\n%s", out)
	}
}

func TestQuitKeys(t *testing.T) {
	m := New(func() (Snapshot, error) { return Snapshot{}, nil })
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Errorf("msg = %#v, want tea.QuitMsg", msg)
	}
}
