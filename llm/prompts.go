package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyRequirement is returned for an empty or whitespace only requirement.
var ErrEmptyRequirement = errors.New("requirement is empty")

// Source tells where a requirement came from.
type Source string

const (
	SourceTyped Source = "typed"
	SourceFile  Source = "file"
	SourceFlag  Source = "flag"
	SourceStdin Source = "stdin"
)

// Requirement is a single unit of user intent.
type Requirement struct {
	Text      string
	Source    Source
	CreatedAt time.Time
}

func NewRequirement(text string, source Source) Requirement {
	return Requirement{
		Text:      strings.TrimSpace(text),
		Source:    source,
		CreatedAt: time.Now(),
	}
}

// TurnSummary is the short outcome of a cycle kept in conversation history.
type TurnSummary struct {
	Status      string
	Created     int
	Modified    int
	Deleted     int
	Failed      int
	Description string
}

func (s TurnSummary) String() string {
	out := fmt.Sprintf("%s: %d created, %d modified, %d deleted, %d failed",
		s.Status, s.Created, s.Modified, s.Deleted, s.Failed)
	if s.Description != "" {
		out += " (" + s.Description + ")"
	}
	return out
}

// Turn pairs a requirement with the summary of the cycle it produced.
type Turn struct {
	Requirement Requirement
	Summary     TurnSummary
}

// Protocol holds the markers of the response block grammar.
type Protocol struct {
	HeaderPrefix string
	OpenMarker   string
	CloseMarker  string
}

func DefaultProtocol() Protocol {
	return Protocol{HeaderPrefix: "@@", OpenMarker: "<<<SCRIBE", CloseMarker: "SCRIBE>>>"}
}

// Prompt is the structured text sent to a backend.
type Prompt struct {
	System string
	User   string
}

func (p Prompt) String() string {
	return p.System + "\n\n" + p.User
}

type BuilderOptions struct {
	// HistoryWindow is the number of most recent turns included.
	HistoryWindow int
	IncludeTree   bool
	// MaxTreeEntries caps the project listing. Zero means no cap.
	MaxTreeEntries int
	Protocol       Protocol
}

// Builder renders prompts. Output depends only on its inputs and options.
type Builder struct {
	opts BuilderOptions
}

func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Protocol == (Protocol{}) {
		opts.Protocol = DefaultProtocol()
	}
	return &Builder{opts: opts}
}

// Build renders a prompt from the requirement, the conversation history
// (oldest first) and the current project file listing.
func (b *Builder) Build(req Requirement, history []Turn, tree []string) (Prompt, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Prompt{}, ErrEmptyRequirement
	}

	var user strings.Builder
	if turns := b.window(history); len(turns) > 0 {
		user.WriteString("Previous requests in this session, oldest first:\n")
		for i, t := range turns {
			fmt.Fprintf(&user, "%d. %s\n   Result: %s\n", i+1, oneLine(t.Requirement.Text), t.Summary)
		}
		user.WriteString("\n")
	}

	if b.opts.IncludeTree {
		user.WriteString(b.renderTree(tree))
		user.WriteString("\n")
	}

	user.WriteString("Requirement:\n")
	user.WriteString(text)
	user.WriteString("\n")

	return Prompt{System: getSystemPrompt(b.opts.Protocol), User: user.String()}, nil
}

func (b *Builder) window(history []Turn) []Turn {
	k := b.opts.HistoryWindow
	if k <= 0 {
		return nil
	}
	if len(history) > k {
		return history[len(history)-k:]
	}
	return history
}

func (b *Builder) renderTree(tree []string) string {
	if len(tree) == 0 {
		return "The project directory is empty.\n"
	}
	var out strings.Builder
	out.WriteString("Existing project files:\n")
	limit := len(tree)
	if b.opts.MaxTreeEntries > 0 && limit > b.opts.MaxTreeEntries {
		limit = b.opts.MaxTreeEntries
	}
	for _, f := range tree[:limit] {
		out.WriteString("- ")
		out.WriteString(f)
		out.WriteString("\n")
	}
	if limit < len(tree) {
		fmt.Fprintf(&out, "... and %d more\n", len(tree)-limit)
	}
	return out.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func getSystemPrompt(p Protocol) string {
	return fmt.Sprintf(`You are an expert software developer working inside an existing project directory. Your task is to turn the user's requirement into concrete file changes.

Answer ONLY with file operation blocks. Each block starts with a header line:

%[1]s CREATE <path>
%[1]s MODIFY <path>
%[1]s DELETE <path>

<path> is relative to the project root and may only contain letters, digits, '.', '_', '-' and '/'. Never use absolute paths or '..'.

CREATE and MODIFY headers must be followed on the very next line by %[2]s, then the complete file content, then a line containing only %[3]s. MODIFY replaces the whole file, so always send the full new content. DELETE has no content.

Example:

%[1]s CREATE src/hello.py
%[2]s
print("hello")
%[3]s
%[1]s DELETE old/unused.py

Emit each path at most once. Do NOT wrap blocks in markdown code fences. Keep any explanation short and outside the blocks.`, p.HeaderPrefix, p.OpenMarker, p.CloseMarker)
}
