// Package doctor runs preflight checks for a conductor project: the
// external tools the orchestrator shells out to and the local state it
// needs on disk.
package doctor

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Status is the outcome of a single check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Context carries what checks need to run.
type Context struct {
	ProjectRoot string
	Repo        string
}

// Result is the outcome of one check.
type Result struct {
	Name    string
	Status  Status
	Message string
	FixHint string
}

// Check is a single preflight check.
type Check interface {
	Name() string
	Run(ctx *Context) *Result

	// Fix repairs the problem. Only called when CanFix reports true.
	Fix(ctx *Context) error
	CanFix() bool
}

// Report collects check results.
type Report struct {
	Results []*Result

	ok       int
	warnings int
	errors   int
}

func (r *Report) Add(result *Result) {
	r.Results = append(r.Results, result)
	switch result.Status {
	case StatusOK:
		r.ok++
	case StatusWarning:
		r.warnings++
	case StatusError:
		r.errors++
	}
}

func (r *Report) HasErrors() bool {
	return r.errors > 0
}

// Print writes one line per check plus a summary.
func (r *Report) Print(w io.Writer) {
	for _, res := range r.Results {
		var prefix string
		switch res.Status {
		case StatusOK:
			prefix = okStyle.Render("ok")
		case StatusWarning:
			prefix = warnStyle.Render("warn")
		case StatusError:
			prefix = errStyle.Render("fail")
		}
		fmt.Fprintf(w, "%-4s %s: %s\n", prefix, res.Name, res.Message)
		if res.FixHint != "" && res.Status != StatusOK {
			fmt.Fprintf(w, "     -> %s\n", res.FixHint)
		}
	}

	parts := []string{fmt.Sprintf("%d checks", len(r.Results))}
	if r.ok > 0 {
		parts = append(parts, okStyle.Render(fmt.Sprintf("%d passed", r.ok)))
	}
	if r.warnings > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("%d warnings", r.warnings)))
	}
	if r.errors > 0 {
		parts = append(parts, errStyle.Render(fmt.Sprintf("%d errors", r.errors)))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Join(parts, ", "))
}

// RunAll executes checks in order, optionally fixing what it can.
func RunAll(ctx *Context, checks []Check, fix bool) *Report {
	report := &Report{}
	for _, check := range checks {
		result := check.Run(ctx)
		if result.Status != StatusOK && fix && check.CanFix() {
			if err := check.Fix(ctx); err == nil {
				result = check.Run(ctx)
				result.Message += " (fixed)"
			}
		}
		report.Add(result)
	}
	return report
}
