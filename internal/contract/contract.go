// Package contract defines the JSON payloads exchanged between pipeline
// steps. Inputs are written for the agent to read; outputs written by the
// agent are decoded strictly and validated before a step is accepted.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Output is implemented by every step output schema.
type Output interface {
	Validate() error
}

// Decode parses raw agent output into out, rejecting unknown fields,
// then validates the result. Any error here counts as a validation
// failure and triggers the dispatch retry protocol.
func Decode(raw []byte, out Output) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding output: %w", err)
	}
	return out.Validate()
}

// BlockerStatus records whether a blocking issue has been resolved.
type BlockerStatus struct {
	Number   int  `json:"number"`
	Resolved bool `json:"resolved"`
}

func (b BlockerStatus) Validate() error {
	if b.Number <= 0 {
		return fmt.Errorf("blocker number must be positive, got %d", b.Number)
	}
	return nil
}

// PlanTask is one unit of work in an implementation plan.
type PlanTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Files        []string `json:"files"`
	Verification string   `json:"verification"`
}

func (t PlanTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("plan task missing id")
	}
	if t.Description == "" {
		return fmt.Errorf("plan task %s missing description", t.ID)
	}
	return nil
}

// ImplementationPlan is the plan phase output.
type ImplementationPlan struct {
	Tasks []PlanTask `json:"tasks"`
}

func (p ImplementationPlan) Validate() error {
	for i, task := range p.Tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// IssueContext is the shared input handed to agent steps, and the
// design phase's enriched output.
type IssueContext struct {
	Number    int                 `json:"number"`
	Title     string              `json:"title"`
	Body      string              `json:"body"`
	Labels    []string            `json:"labels"`
	Phase     string              `json:"phase"`
	BlockedBy []BlockerStatus     `json:"blocked_by"`
	Branch    string              `json:"branch"`
	Design    *string             `json:"design"`
	Plan      *ImplementationPlan `json:"plan"`
}

func (c IssueContext) Validate() error {
	if c.Number <= 0 {
		return fmt.Errorf("issue number must be positive, got %d", c.Number)
	}
	if c.Title == "" {
		return fmt.Errorf("issue #%d missing title", c.Number)
	}
	if c.Phase == "" {
		return fmt.Errorf("issue #%d missing phase", c.Number)
	}
	if c.Branch == "" {
		return fmt.Errorf("issue #%d missing branch", c.Number)
	}
	for i, blocker := range c.BlockedBy {
		if err := blocker.Validate(); err != nil {
			return fmt.Errorf("blocker %d: %w", i, err)
		}
	}
	if c.Plan != nil {
		if err := c.Plan.Validate(); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
	}
	return nil
}

// TestCategory is one row of the per-function test applicability matrix.
type TestCategory struct {
	Name      string `json:"name"`
	Applies   bool   `json:"applies"`
	Reasoning string `json:"reasoning"`
}

func (c TestCategory) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("test category missing name")
	}
	return nil
}

// TestMatrixEntry maps a plan task's function to its test categories.
type TestMatrixEntry struct {
	TaskID     string         `json:"task_id"`
	Function   string         `json:"function"`
	File       string         `json:"file"`
	Categories []TestCategory `json:"categories"`
}

func (e TestMatrixEntry) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("matrix entry missing task_id")
	}
	if e.Function == "" {
		return fmt.Errorf("matrix entry %s missing function", e.TaskID)
	}
	if e.File == "" {
		return fmt.Errorf("matrix entry %s missing file", e.TaskID)
	}
	for i, cat := range e.Categories {
		if err := cat.Validate(); err != nil {
			return fmt.Errorf("category %d: %w", i, err)
		}
	}
	return nil
}

// TestMatrix is the architect phase's first output.
type TestMatrix struct {
	Entries []TestMatrixEntry `json:"entries"`
}

func (m TestMatrix) Validate() error {
	for i, entry := range m.Entries {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

// StubFunction describes a function to be scaffolded.
type StubFunction struct {
	Name      string `json:"name"`
	Docstring string `json:"docstring"`
	Signature string `json:"signature"`
}

func (f StubFunction) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("stub function missing name")
	}
	if f.Signature == "" {
		return fmt.Errorf("stub function %s missing signature", f.Name)
	}
	return nil
}

// StubFile groups stub functions by target file.
type StubFile struct {
	Path      string         `json:"path"`
	Functions []StubFunction `json:"functions"`
}

func (f StubFile) Validate() error {
	if f.Path == "" {
		return fmt.Errorf("stub file missing path")
	}
	for i, fn := range f.Functions {
		if err := fn.Validate(); err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
	}
	return nil
}

// StubManifest is the architect phase's scaffold output: the test and
// implementation files the later fan-out phases will fill in.
type StubManifest struct {
	TestFiles []StubFile `json:"test_files"`
	ImplFiles []StubFile `json:"impl_files"`
}

func (m StubManifest) Validate() error {
	for i, f := range m.TestFiles {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("test file %d: %w", i, err)
		}
	}
	for i, f := range m.ImplFiles {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("impl file %d: %w", i, err)
		}
	}
	return nil
}

// TestAssignment is the input for one test-writing fan-out step.
type TestAssignment struct {
	TestFile         string         `json:"test_file"`
	Stubs            []StubFunction `json:"stubs"`
	RelatedImplStubs []StubFile     `json:"related_impl_stubs"`
}

func (a TestAssignment) Validate() error {
	if a.TestFile == "" {
		return fmt.Errorf("test assignment missing test_file")
	}
	for i, stub := range a.Stubs {
		if err := stub.Validate(); err != nil {
			return fmt.Errorf("stub %d: %w", i, err)
		}
	}
	return nil
}

// ImplAssignment is the input for one implementation fan-out step.
type ImplAssignment struct {
	ImplFile           string         `json:"impl_file"`
	Stubs              []StubFunction `json:"stubs"`
	RelatedTestContent string         `json:"related_test_content"`
	TestOutput         string         `json:"test_output"`
}

func (a ImplAssignment) Validate() error {
	if a.ImplFile == "" {
		return fmt.Errorf("impl assignment missing impl_file")
	}
	for i, stub := range a.Stubs {
		if err := stub.Validate(); err != nil {
			return fmt.Errorf("stub %d: %w", i, err)
		}
	}
	return nil
}

// FileOutput is the payload a fan-out step writes back: one complete file.
type FileOutput struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

func (o FileOutput) Validate() error {
	if o.File == "" {
		return fmt.Errorf("file output missing file path")
	}
	return nil
}
