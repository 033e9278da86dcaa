package github

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/steveyegge/conductor/internal/state"
)

type fakeResponse struct {
	out string
	err error
}

type fakeRunner struct {
	calls     []string
	responses map[string]fakeResponse
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(line, prefix) {
			return resp.out, resp.err
		}
	}
	return "", nil
}

func newFakeClient() (*Client, *fakeRunner) {
	runner := &fakeRunner{responses: make(map[string]fakeResponse)}
	return NewWithRunner(runner, "octo/widgets"), runner
}

func TestListOpenIssues(t *testing.T) {
	client, runner := newFakeClient()
	runner.responses["gh issue list"] = fakeResponse{out: `[
		{"number": 1, "title": "Add parser", "body": "Blocked by: #3",
		 "labels": [{"name": "phase:design"}], "state": "OPEN",
		 "milestone": {"title": "0.1.0"}},
		{"number": 3, "title": "[EPIC] Parsing", "body": "",
		 "labels": [], "state": "OPEN", "milestone": null}
	]`}

	issues, err := client.ListOpenIssues()
	if err != nil {
		t.Fatalf("ListOpenIssues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("len = %d, want 2", len(issues))
	}
	if issues[0].Milestone != "0.1.0" || issues[1].Milestone != "" {
		t.Errorf("milestones = %q, %q", issues[0].Milestone, issues[1].Milestone)
	}
	if !reflect.DeepEqual(issues[0].Labels, []string{"phase:design"}) {
		t.Errorf("labels = %v", issues[0].Labels)
	}
	if !strings.Contains(runner.calls[0], "--repo octo/widgets") {
		t.Errorf("repo flag missing: %s", runner.calls[0])
	}
	if !strings.Contains(runner.calls[0], "number,title,body,labels,state,milestone") {
		t.Errorf("json fields missing: %s", runner.calls[0])
	}
}

func TestReadIssueWithComments(t *testing.T) {
	client, runner := newFakeClient()
	runner.responses["gh issue view 7"] = fakeResponse{out: `{
		"number": 7, "title": "t", "body": "b", "labels": [], "state": "OPEN",
		"comments": [{"author": {"login": "alice"}, "body": "lgtm",
		              "createdAt": "2026-08-01T00:00:00Z"}]
	}`}

	issue, comments, err := client.ReadIssue(7)
	if err != nil {
		t.Fatalf("ReadIssue: %v", err)
	}
	if issue.Number != 7 {
		t.Errorf("issue = %+v", issue)
	}
	if len(comments) != 1 || comments[0].Author != "alice" {
		t.Errorf("comments = %+v", comments)
	}
}

func TestParseBlockers(t *testing.T) {
	tests := []struct {
		body string
		want []int
	}{
		{"Blocked by: #3", []int{3}},
		{"Blocked by #3, #14", []int{3, 14}},
		{"blocked by: #2\nmore text\nBlocked By: #9", []int{2, 9}},
		{"depends on #4 but not declared", nil},
		{"", nil},
		{"Blocked by: nothing concrete", nil},
	}
	for _, tt := range tests {
		if got := ParseBlockers(tt.body); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseBlockers(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestDetectPhase(t *testing.T) {
	if got := DetectPhase([]string{"bug", "phase:implement"}); got != "implement" {
		t.Errorf("got %q, want implement", got)
	}
	if got := DetectPhase([]string{"bug"}); got != "pending" {
		t.Errorf("got %q, want pending", got)
	}
}

func TestIsEpic(t *testing.T) {
	if !IsEpic("[EPIC] Parsing") || !IsEpic("  [epic] lowercase") {
		t.Error("epic titles not detected")
	}
	if IsEpic("Add [EPIC] support") {
		t.Error("mid-title tag is not an epic")
	}
}

func TestTargetMilestoneLowestSemver(t *testing.T) {
	client, runner := newFakeClient()
	runner.responses["gh api repos/octo/widgets/milestones"] =
		fakeResponse{out: "0.10.0\nbacklog\n0.2.0\n0.2.1\n"}
	if got := client.TargetMilestone(); got != "0.2.0" {
		t.Errorf("TargetMilestone = %q, want 0.2.0", got)
	}
}

func TestTargetMilestoneEmpty(t *testing.T) {
	client, runner := newFakeClient()
	runner.responses["gh api"] = fakeResponse{out: ""}
	if got := client.TargetMilestone(); got != "" {
		t.Errorf("TargetMilestone = %q, want empty", got)
	}
	runner.responses["gh api"] = fakeResponse{err: errors.New("offline")}
	if got := client.TargetMilestone(); got != "" {
		t.Errorf("TargetMilestone = %q, want empty on error", got)
	}
}

func TestBuildGraph(t *testing.T) {
	g := BuildGraph([]IssueData{
		{Number: 1, Title: "a", Body: "", Labels: []string{"phase:design"}},
		{Number: 2, Title: "b", Body: "Blocked by: #1"},
	})
	if g.Len() != 2 {
		t.Fatalf("Len = %d, want 2", g.Len())
	}
	node := g.Node(2)
	if node == nil || !reflect.DeepEqual(node.BlockedBy, []int{1}) {
		t.Errorf("node 2 = %+v", node)
	}
	if g.Node(1).Phase != "design" {
		t.Errorf("node 1 phase = %q", g.Node(1).Phase)
	}
}

func openSyncStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFlushSyncQueue(t *testing.T) {
	client, runner := newFakeClient()
	store := openSyncStore(t)

	if _, err := store.EnqueueSync(1, SyncLabelAdd, LabelPayload("phase:design")); err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}
	if _, err := store.EnqueueSync(1, SyncLabelRemove, LabelPayload("phase:pending")); err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}
	if _, err := store.EnqueueSync(1, SyncCommentPost, CommentPayload("design complete")); err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}

	n, err := client.FlushSyncQueue(store)
	if err != nil {
		t.Fatalf("FlushSyncQueue: %v", err)
	}
	if n != 3 {
		t.Errorf("processed = %d, want 3", n)
	}
	joined := strings.Join(runner.calls, "\n")
	for _, want := range []string{
		"--add-label phase:design",
		"--remove-label phase:pending",
		"--body design complete",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing gh call %q in:\n%s", want, joined)
		}
	}

	pending, err := store.PendingSyncs()
	if err != nil {
		t.Fatalf("PendingSyncs: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want empty", pending)
	}
}

func TestFlushSyncQueueParksFailures(t *testing.T) {
	client, runner := newFakeClient()
	store := openSyncStore(t)

	if _, err := store.EnqueueSync(1, "unknown_type", "{}"); err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}
	if _, err := store.EnqueueSync(2, SyncCommentPost, CommentPayload("hi")); err != nil {
		t.Fatalf("EnqueueSync: %v", err)
	}
	runner.responses["gh issue comment"] = fakeResponse{err: errors.New("api error")}

	n, err := client.FlushSyncQueue(store)
	if err != nil {
		t.Fatalf("FlushSyncQueue: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
	failed, err := store.FailedSyncs()
	if err != nil {
		t.Fatalf("FailedSyncs: %v", err)
	}
	if len(failed) != 2 {
		t.Errorf("failed = %+v, want both parked", failed)
	}

	// Failed items are not retried on the next flush.
	n, err = client.FlushSyncQueue(store)
	if err != nil {
		t.Fatalf("second FlushSyncQueue: %v", err)
	}
	if n != 0 {
		t.Errorf("second flush processed = %d, want 0", n)
	}
}
