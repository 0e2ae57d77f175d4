package fs

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the kind of change a FileOperation makes.
type Action string

const (
	Create Action = "CREATE"
	Modify Action = "MODIFY"
	Delete Action = "DELETE"
)

// ParseAction matches an action keyword exactly.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case Create, Modify, Delete:
		return Action(s), true
	}
	return "", false
}

// HasContent reports whether the action carries file content.
func (a Action) HasContent() bool {
	return a == Create || a == Modify
}

// FileOperation represents a single file operation
type FileOperation struct {
	Action  Action `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (op FileOperation) String() string {
	return fmt.Sprintf("%s %s", op.Action, op.Path)
}

// Reason classifies why an operation was not applied.
type Reason string

const (
	MalformedBlock Reason = "MalformedBlock"
	PathEscape     Reason = "PathEscape"
	EmptyContent   Reason = "EmptyContent"
	Protected      Reason = "Protected"
	InvalidSyntax  Reason = "InvalidSyntax"
	WriteFailure   Reason = "WriteFailure"
)

// Rejection is returned when an operation cannot be applied.
type Rejection struct {
	Reason Reason
	Path   string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return fmt.Sprintf("%s: %s", r.Reason, r.Path)
	}
	return fmt.Sprintf("%s: %s: %v", r.Reason, r.Path, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason Reason, path string, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Path: path, Err: fmt.Errorf(format, args...)}
}

// Skipped records an operation that was dropped, with the reason it was dropped.
type Skipped struct {
	Action Action `json:"action,omitempty"`
	Path   string `json:"path"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (s Skipped) String() string {
	var b strings.Builder
	if s.Action != "" {
		b.WriteString(string(s.Action))
		b.WriteString(" ")
	}
	if s.Path != "" {
		b.WriteString(s.Path)
	} else {
		b.WriteString("<unknown>")
	}
	b.WriteString(" (")
	b.WriteString(string(s.Reason))
	if s.Detail != "" {
		b.WriteString(": ")
		b.WriteString(s.Detail)
	}
	b.WriteString(")")
	return b.String()
}

// SkippedFrom converts an error from validation or writing into a Skipped record.
func SkippedFrom(op FileOperation, err error) Skipped {
	s := Skipped{Action: op.Action, Path: op.Path, Reason: WriteFailure, Detail: err.Error()}
	var r *Rejection
	if errors.As(err, &r) {
		s.Reason = r.Reason
		s.Detail = ""
		if r.Err != nil {
			s.Detail = r.Err.Error()
		}
	}
	return s
}
