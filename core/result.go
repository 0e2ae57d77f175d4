package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/santiagomed/scribe/fs"
	"github.com/santiagomed/scribe/llm"
)

// Status is the aggregate outcome of a cycle.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// AppliedOp is an operation that reached the project tree.
type AppliedOp struct {
	fs.FileOperation
	// Noop is set for a DELETE of a file that did not exist.
	Noop       bool
	Additions  int
	Deletions  int
	BackupPath string
}

// CycleResult is the outcome of one pipeline run.
type CycleResult struct {
	ID          string
	Requirement llm.Requirement
	Attempts    int
	Model       string
	Usage       llm.Usage
	Applied     []AppliedOp
	Skipped     []fs.Skipped
	Warnings    []string
	Status      Status
	// Err is the cycle level failure, if any. Per operation failures are in Skipped.
	Err      error
	Duration time.Duration
}

func (r *CycleResult) classify() {
	switch {
	case r.Err != nil || len(r.Applied) == 0:
		r.Status = StatusFailed
	case len(r.Skipped) == 0:
		r.Status = StatusOK
	default:
		r.Status = StatusPartial
	}
}

// Summary condenses the result for conversation history.
func (r *CycleResult) Summary() llm.TurnSummary {
	s := llm.TurnSummary{Status: string(r.Status), Failed: len(r.Skipped)}
	var touched []string
	for _, op := range r.Applied {
		switch op.Action {
		case fs.Create:
			s.Created++
		case fs.Modify:
			s.Modified++
		case fs.Delete:
			s.Deleted++
		}
		touched = append(touched, strings.ToLower(string(op.Action))+" "+op.Path)
	}
	const maxListed = 5
	if len(touched) > maxListed {
		touched = append(touched[:maxListed], fmt.Sprintf("%d more", len(touched)-maxListed))
	}
	s.Description = strings.Join(touched, ", ")
	if r.Err != nil {
		s.Description = r.Err.Error()
	}
	return s
}

// Lines renders a human readable report, one line per entry.
func (r *CycleResult) Lines() []string {
	lines := []string{fmt.Sprintf("cycle %s: %s (%d applied, %d skipped, %d attempt(s), %s)",
		r.ID, r.Status, len(r.Applied), len(r.Skipped), r.Attempts, r.Duration.Round(time.Millisecond))}
	if r.Err != nil {
		lines = append(lines, "error: "+r.Err.Error())
	}
	for _, op := range r.Applied {
		line := fmt.Sprintf("  ✓ %s %s", op.Action, op.Path)
		switch {
		case op.Noop:
			line += " (already absent)"
		case op.Additions > 0 || op.Deletions > 0:
			line += fmt.Sprintf(" (+%d -%d)", op.Additions, op.Deletions)
		}
		lines = append(lines, line)
	}
	for _, s := range r.Skipped {
		lines = append(lines, "  ✗ "+s.String())
	}
	for _, w := range r.Warnings {
		lines = append(lines, "  ! "+w)
	}
	return lines
}

func (r *CycleResult) String() string {
	return strings.Join(r.Lines(), "\n")
}
