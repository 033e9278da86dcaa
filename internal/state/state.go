// Package state persists conductor's view of the pipeline in a sqlite
// database under .conductor/. It tracks issues and their phases, the
// agent steps dispatched for them, and a durable queue of GitHub side
// effects waiting to be flushed.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS issues (
    number INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    labels TEXT NOT NULL DEFAULT '',
    milestone TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL DEFAULT 'pending',
    current_step TEXT,
    dispatched_at TEXT,
    completed_at TEXT,
    blocked_by TEXT,
    branch TEXT,
    pr_number INTEGER,
    stuck_reason TEXT
);

CREATE TABLE IF NOT EXISTS steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_number INTEGER NOT NULL REFERENCES issues(number),
    step TEXT NOT NULL,
    model_tier TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    input_path TEXT,
    output_path TEXT,
    dispatched_at TEXT,
    completed_at TEXT,
    duration_ms INTEGER,
    error TEXT
);

CREATE TABLE IF NOT EXISTS gh_sync (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_number INTEGER NOT NULL,
    sync_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    synced_at TEXT,
    status TEXT NOT NULL DEFAULT 'pending'
);
`

// Issue is one tracked GitHub issue. Nullable columns come back as
// empty strings (or zero for pr_number).
type Issue struct {
	Number       int
	Title        string
	Body         string
	Labels       string // comma-separated label names
	Milestone    string
	Phase        string
	CurrentStep  string
	DispatchedAt string
	CompletedAt  string
	BlockedBy    string // comma-separated issue numbers
	Branch       string
	PRNumber     int
	StuckReason  string
}

// Step is one dispatched (or attempted) agent step.
type Step struct {
	ID           int64
	IssueNumber  int
	Step         string
	ModelTier    string
	RunID        string
	Status       string
	InputPath    string
	OutputPath   string
	DispatchedAt string
	CompletedAt  string
	DurationMs   int64
	Error        string
}

// SyncItem is one queued GitHub side effect.
type SyncItem struct {
	ID          int64
	IssueNumber int
	SyncType    string
	Payload     string
	SyncedAt    string
	Status      string
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path, applying the
// schema. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging state db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// UpsertIssue inserts the issue or refreshes its GitHub-derived metadata.
// The phase column is deliberately left alone on conflict: reconciliation
// must not rewind pipeline progress.
func (s *Store) UpsertIssue(issue Issue) error {
	_, err := s.db.Exec(`
		INSERT INTO issues (number, title, body, labels, milestone, phase, blocked_by, branch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			title=excluded.title,
			body=excluded.body,
			labels=excluded.labels,
			milestone=excluded.milestone,
			blocked_by=excluded.blocked_by,
			branch=excluded.branch`,
		issue.Number, issue.Title, issue.Body, issue.Labels,
		issue.Milestone, issue.Phase, issue.BlockedBy, issue.Branch)
	if err != nil {
		return fmt.Errorf("upserting issue #%d: %w", issue.Number, err)
	}
	return nil
}

const issueColumns = `number, title, body, labels, milestone, phase,
	current_step, dispatched_at, completed_at, blocked_by, branch,
	pr_number, stuck_reason`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var (
		issue                       Issue
		step, dispatched, completed sql.NullString
		blockedBy, branch, stuck    sql.NullString
		prNumber                    sql.NullInt64
	)
	err := row.Scan(&issue.Number, &issue.Title, &issue.Body, &issue.Labels,
		&issue.Milestone, &issue.Phase, &step, &dispatched, &completed,
		&blockedBy, &branch, &prNumber, &stuck)
	if err != nil {
		return Issue{}, err
	}
	issue.CurrentStep = step.String
	issue.DispatchedAt = dispatched.String
	issue.CompletedAt = completed.String
	issue.BlockedBy = blockedBy.String
	issue.Branch = branch.String
	issue.PRNumber = int(prNumber.Int64)
	issue.StuckReason = stuck.String
	return issue, nil
}

// GetIssue returns the issue or ErrNotFound.
func (s *Store) GetIssue(number int) (Issue, error) {
	row := s.db.QueryRow("SELECT "+issueColumns+" FROM issues WHERE number=?", number)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, fmt.Errorf("issue #%d: %w", number, ErrNotFound)
	}
	if err != nil {
		return Issue{}, fmt.Errorf("reading issue #%d: %w", number, err)
	}
	return issue, nil
}

func (s *Store) queryIssues(query string, args ...any) ([]Issue, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// ListIssues returns all tracked issues ordered by number.
func (s *Store) ListIssues() ([]Issue, error) {
	return s.queryIssues("SELECT " + issueColumns + " FROM issues ORDER BY number")
}

// ListIssuesByPhase returns issues currently in the given phase.
func (s *Store) ListIssuesByPhase(phase string) ([]Issue, error) {
	return s.queryIssues("SELECT "+issueColumns+" FROM issues WHERE phase=? ORDER BY number", phase)
}

// SetIssuePhase advances (or rewinds, for stuck recovery) an issue's
// phase. Entering the terminal "pr" phase records completion time.
func (s *Store) SetIssuePhase(number int, phase string) error {
	var err error
	if phase == "pr" {
		_, err = s.db.Exec("UPDATE issues SET phase=?, completed_at=? WHERE number=?",
			phase, now(), number)
	} else {
		_, err = s.db.Exec("UPDATE issues SET phase=? WHERE number=?", phase, number)
	}
	if err != nil {
		return fmt.Errorf("setting phase for #%d: %w", number, err)
	}
	return nil
}

// SetIssueCurrentStep records which step an issue is on and when it
// was dispatched.
func (s *Store) SetIssueCurrentStep(number int, step string) error {
	_, err := s.db.Exec("UPDATE issues SET current_step=?, dispatched_at=? WHERE number=?",
		step, now(), number)
	if err != nil {
		return fmt.Errorf("setting current step for #%d: %w", number, err)
	}
	return nil
}

// SetIssuePR records the pull request opened for an issue.
func (s *Store) SetIssuePR(number, prNumber int) error {
	_, err := s.db.Exec("UPDATE issues SET pr_number=? WHERE number=?", prNumber, number)
	if err != nil {
		return fmt.Errorf("setting pr for #%d: %w", number, err)
	}
	return nil
}

// SetIssueStuck marks an issue stuck with a human-readable reason.
func (s *Store) SetIssueStuck(number int, reason string) error {
	_, err := s.db.Exec("UPDATE issues SET stuck_reason=? WHERE number=?", reason, number)
	if err != nil {
		return fmt.Errorf("marking #%d stuck: %w", number, err)
	}
	return nil
}

// InsertStep records a new step in the pending state and returns its
// row ID.
func (s *Store) InsertStep(issueNumber int, step, modelTier, runID string) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO steps (issue_number, step, model_tier, run_id) VALUES (?, ?, ?, ?)",
		issueNumber, step, modelTier, runID)
	if err != nil {
		return 0, fmt.Errorf("inserting step %s for #%d: %w", step, issueNumber, err)
	}
	return res.LastInsertId()
}

// MarkStepDispatched transitions a step to dispatched, recording the
// artifact paths the agent will use.
func (s *Store) MarkStepDispatched(id int64, inputPath, outputPath string) error {
	_, err := s.db.Exec(
		"UPDATE steps SET status='dispatched', input_path=?, output_path=?, dispatched_at=? WHERE id=?",
		inputPath, outputPath, now(), id)
	if err != nil {
		return fmt.Errorf("marking step %d dispatched: %w", id, err)
	}
	return nil
}

// FinishStep records a step's terminal status (completed, failed, or
// cancelled) with an optional error and the elapsed duration.
func (s *Store) FinishStep(id int64, status, errMsg string, duration time.Duration) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := s.db.Exec(
		"UPDATE steps SET status=?, error=?, completed_at=?, duration_ms=? WHERE id=?",
		status, errVal, now(), duration.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("finishing step %d: %w", id, err)
	}
	return nil
}

// StepsForIssue returns all steps recorded for an issue, oldest first.
func (s *Store) StepsForIssue(issueNumber int) ([]Step, error) {
	rows, err := s.db.Query(`
		SELECT id, issue_number, step, model_tier, run_id, status,
			input_path, output_path, dispatched_at, completed_at, duration_ms, error
		FROM steps WHERE issue_number=? ORDER BY id`, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("listing steps for #%d: %w", issueNumber, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			st                                   Step
			input, output, dispatched, completed sql.NullString
			duration                             sql.NullInt64
			stepErr                              sql.NullString
		)
		err := rows.Scan(&st.ID, &st.IssueNumber, &st.Step, &st.ModelTier,
			&st.RunID, &st.Status, &input, &output, &dispatched, &completed,
			&duration, &stepErr)
		if err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		st.InputPath = input.String
		st.OutputPath = output.String
		st.DispatchedAt = dispatched.String
		st.CompletedAt = completed.String
		st.DurationMs = duration.Int64
		st.Error = stepErr.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// EnqueueSync appends a GitHub side effect to the durable queue.
func (s *Store) EnqueueSync(issueNumber int, syncType, payload string) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO gh_sync (issue_number, sync_type, payload) VALUES (?, ?, ?)",
		issueNumber, syncType, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s for #%d: %w", syncType, issueNumber, err)
	}
	return res.LastInsertId()
}

func (s *Store) querySyncs(query string, args ...any) ([]SyncItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing syncs: %w", err)
	}
	defer rows.Close()

	var items []SyncItem
	for rows.Next() {
		var (
			item     SyncItem
			syncedAt sql.NullString
		)
		err := rows.Scan(&item.ID, &item.IssueNumber, &item.SyncType,
			&item.Payload, &syncedAt, &item.Status)
		if err != nil {
			return nil, fmt.Errorf("scanning sync item: %w", err)
		}
		item.SyncedAt = syncedAt.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// PendingSyncs returns queued side effects in insertion order.
func (s *Store) PendingSyncs() ([]SyncItem, error) {
	return s.querySyncs(
		"SELECT id, issue_number, sync_type, payload, synced_at, status FROM gh_sync WHERE status='pending' ORDER BY id")
}

// FailedSyncs returns side effects that could not be applied.
func (s *Store) FailedSyncs() ([]SyncItem, error) {
	return s.querySyncs(
		"SELECT id, issue_number, sync_type, payload, synced_at, status FROM gh_sync WHERE status='failed' ORDER BY id")
}

// MarkSynced records a successfully applied side effect.
func (s *Store) MarkSynced(id int64) error {
	_, err := s.db.Exec("UPDATE gh_sync SET status='synced', synced_at=? WHERE id=?", now(), id)
	if err != nil {
		return fmt.Errorf("marking sync %d done: %w", id, err)
	}
	return nil
}

// MarkSyncFailed parks a side effect in the failed state. Failed items
// stay out of the queue until explicitly requeued.
func (s *Store) MarkSyncFailed(id int64) error {
	_, err := s.db.Exec("UPDATE gh_sync SET status='failed' WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("marking sync %d failed: %w", id, err)
	}
	return nil
}

// RequeueSync puts a failed side effect back into the pending queue.
func (s *Store) RequeueSync(id int64) error {
	_, err := s.db.Exec("UPDATE gh_sync SET status='pending' WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("requeueing sync %d: %w", id, err)
	}
	return nil
}
