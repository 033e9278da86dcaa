// Package github talks to GitHub through the gh CLI: issue listing and
// metadata, labels and comments, milestone selection, and the durable
// sync queue that applies label/comment side effects recorded by the
// pipeline.
package github

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/conductor/internal/dag"
	"github.com/steveyegge/conductor/internal/state"
)

// Runner executes external commands. The default shells out; tests
// substitute a fake.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// IssueData is the conductor's view of a GitHub issue.
type IssueData struct {
	Number    int
	Title     string
	Body      string
	Labels    []string
	State     string
	Milestone string
}

// Comment is one issue comment.
type Comment struct {
	Author    string
	Body      string
	CreatedAt string
}

// Mirror structs for gh --json output.
type ghLabel struct {
	Name string `json:"name"`
}

type ghMilestone struct {
	Title string `json:"title"`
}

type ghIssue struct {
	Number    int          `json:"number"`
	Title     string       `json:"title"`
	Body      string       `json:"body"`
	Labels    []ghLabel    `json:"labels"`
	State     string       `json:"state"`
	Milestone *ghMilestone `json:"milestone"`
}

type ghComment struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// Client wraps gh CLI operations, optionally scoped to a repo
// ("owner/repo"; empty uses the current directory's repo).
type Client struct {
	runner Runner
	repo   string
	logf   func(format string, args ...any)
}

// New builds a client shelling out to gh.
func New(repo string) *Client {
	return NewWithRunner(ExecRunner{}, repo)
}

// NewWithRunner builds a client with a custom command runner.
func NewWithRunner(r Runner, repo string) *Client {
	return &Client{
		runner: r,
		repo:   repo,
		logf:   func(string, ...any) {},
	}
}

// SetLogger installs a log function for sync and fetch failures.
func (c *Client) SetLogger(logf func(format string, args ...any)) {
	c.logf = logf
}

func (c *Client) repoArgs() []string {
	if c.repo == "" {
		return nil
	}
	return []string{"--repo", c.repo}
}

func (i ghIssue) toIssueData() IssueData {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	data := IssueData{
		Number: i.Number,
		Title:  i.Title,
		Body:   i.Body,
		Labels: labels,
		State:  i.State,
	}
	if i.Milestone != nil {
		data.Milestone = i.Milestone.Title
	}
	return data
}

// ListOpenIssues fetches every open issue with the fields the
// orchestrator needs.
func (c *Client) ListOpenIssues() ([]IssueData, error) {
	args := []string{"issue", "list", "--state", "open", "--limit", "200"}
	args = append(args, c.repoArgs()...)
	args = append(args, "--json", "number,title,body,labels,state,milestone")
	out, err := c.runner.Run("gh", args...)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	var raw []ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parsing issue list: %w", err)
	}
	issues := make([]IssueData, 0, len(raw))
	for _, item := range raw {
		issues = append(issues, item.toIssueData())
	}
	return issues, nil
}

// ReadIssue fetches one issue with its comments.
func (c *Client) ReadIssue(number int) (IssueData, []Comment, error) {
	args := []string{"issue", "view", strconv.Itoa(number)}
	args = append(args, c.repoArgs()...)
	args = append(args, "--json", "number,title,body,labels,state,comments")
	out, err := c.runner.Run("gh", args...)
	if err != nil {
		return IssueData{}, nil, fmt.Errorf("reading issue #%d: %w", number, err)
	}
	var raw struct {
		ghIssue
		Comments []ghComment `json:"comments"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return IssueData{}, nil, fmt.Errorf("parsing issue #%d: %w", number, err)
	}
	comments := make([]Comment, 0, len(raw.Comments))
	for _, cm := range raw.Comments {
		comments = append(comments, Comment{
			Author:    cm.Author.Login,
			Body:      cm.Body,
			CreatedAt: cm.CreatedAt,
		})
	}
	return raw.toIssueData(), comments, nil
}

// AddLabel adds a label to an issue.
func (c *Client) AddLabel(number int, label string) error {
	args := []string{"issue", "edit", strconv.Itoa(number)}
	args = append(args, c.repoArgs()...)
	args = append(args, "--add-label", label)
	if _, err := c.runner.Run("gh", args...); err != nil {
		return fmt.Errorf("adding label %q to #%d: %w", label, number, err)
	}
	return nil
}

// RemoveLabel removes a label from an issue.
func (c *Client) RemoveLabel(number int, label string) error {
	args := []string{"issue", "edit", strconv.Itoa(number)}
	args = append(args, c.repoArgs()...)
	args = append(args, "--remove-label", label)
	if _, err := c.runner.Run("gh", args...); err != nil {
		return fmt.Errorf("removing label %q from #%d: %w", label, number, err)
	}
	return nil
}

// PostComment posts a comment on an issue.
func (c *Client) PostComment(number int, body string) error {
	args := []string{"issue", "comment", strconv.Itoa(number)}
	args = append(args, c.repoArgs()...)
	args = append(args, "--body", body)
	if _, err := c.runner.Run("gh", args...); err != nil {
		return fmt.Errorf("commenting on #%d: %w", number, err)
	}
	return nil
}

var semverRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)`)

// semverKey orders milestone titles; titles that do not start with a
// version sort last.
func semverKey(title string) [3]int {
	m := semverRe.FindStringSubmatch(title)
	if m == nil {
		return [3]int{999, 999, 999}
	}
	var key [3]int
	for i := 0; i < 3; i++ {
		key[i], _ = strconv.Atoi(m[i+1])
	}
	return key
}

// TargetMilestone returns the open milestone with the lowest semver
// title, or empty when there are none (or the fetch fails).
func (c *Client) TargetMilestone() string {
	endpoint := "repos/{owner}/{repo}/milestones"
	if c.repo != "" {
		endpoint = "repos/" + c.repo + "/milestones"
	}
	out, err := c.runner.Run("gh", "api", endpoint,
		"--jq", `.[] | select(.state=="open") | .title`)
	if err != nil {
		c.logf("github: failed to fetch milestones: %v", err)
		return ""
	}
	var titles []string
	for _, line := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			titles = append(titles, t)
		}
	}
	if len(titles) == 0 {
		return ""
	}
	sort.SliceStable(titles, func(i, j int) bool {
		a, b := semverKey(titles[i]), semverKey(titles[j])
		for k := 0; k < 3; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return titles[0]
}

var (
	blockerRe  = regexp.MustCompile(`(?i)blocked by:?\s*(.+)`)
	issueRefRe = regexp.MustCompile(`#(\d+)`)
)

// ParseBlockers extracts issue numbers from "Blocked by: #N, #M" lines
// in an issue body.
func ParseBlockers(body string) []int {
	var blockers []int
	for _, match := range blockerRe.FindAllStringSubmatch(body, -1) {
		for _, ref := range issueRefRe.FindAllStringSubmatch(match[1], -1) {
			n, err := strconv.Atoi(ref[1])
			if err != nil {
				continue
			}
			blockers = append(blockers, n)
		}
	}
	return blockers
}

// DetectPhase reads the current phase from a phase:* label, defaulting
// to "pending".
func DetectPhase(labels []string) string {
	for _, label := range labels {
		if rest, ok := strings.CutPrefix(label, "phase:"); ok {
			return rest
		}
	}
	return "pending"
}

// IsEpic reports whether an issue is an epic (title starts with [EPIC]).
// Epics group work and are never dispatched.
func IsEpic(title string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(title)), "[EPIC]")
}

// BuildGraph turns issues into a dependency graph keyed by issue number.
func BuildGraph(issues []IssueData) *dag.Graph {
	g := dag.New()
	for _, issue := range issues {
		g.AddNode(issue.Number, issue.Title, ParseBlockers(issue.Body), DetectPhase(issue.Labels))
	}
	return g
}

// Sync queue payloads and types. The pipeline enqueues these through
// the store; FlushSyncQueue applies them.
const (
	SyncLabelAdd    = "label_add"
	SyncLabelRemove = "label_remove"
	SyncCommentPost = "comment_post"
)

type labelPayload struct {
	Label string `json:"label"`
}

type commentPayload struct {
	Body string `json:"body"`
}

// LabelPayload encodes a label_add/label_remove payload.
func LabelPayload(label string) string {
	data, _ := json.Marshal(labelPayload{Label: label})
	return string(data)
}

// CommentPayload encodes a comment_post payload.
func CommentPayload(body string) string {
	data, _ := json.Marshal(commentPayload{Body: body})
	return string(data)
}

// FlushSyncQueue applies every pending side effect in order. Items that
// fail (unknown type, bad payload, gh error) are parked as failed and
// stay out of the queue until requeued. Returns how many items were
// processed.
func (c *Client) FlushSyncQueue(store *state.Store) (int, error) {
	pending, err := store.PendingSyncs()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, item := range pending {
		count++
		if err := c.applySync(item); err != nil {
			c.logf("github: sync %d (%s for #%d) failed: %v",
				item.ID, item.SyncType, item.IssueNumber, err)
			if err := store.MarkSyncFailed(item.ID); err != nil {
				return count, err
			}
			continue
		}
		if err := store.MarkSynced(item.ID); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (c *Client) applySync(item state.SyncItem) error {
	switch item.SyncType {
	case SyncLabelAdd, SyncLabelRemove:
		var payload labelPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}
		if payload.Label == "" {
			return fmt.Errorf("payload missing label")
		}
		if item.SyncType == SyncLabelAdd {
			return c.AddLabel(item.IssueNumber, payload.Label)
		}
		return c.RemoveLabel(item.IssueNumber, payload.Label)
	case SyncCommentPost:
		var payload commentPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}
		if payload.Body == "" {
			return fmt.Errorf("payload missing body")
		}
		return c.PostComment(item.IssueNumber, payload.Body)
	default:
		return fmt.Errorf("unknown sync type %q", item.SyncType)
	}
}
