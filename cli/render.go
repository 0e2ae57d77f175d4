package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/santiagomed/scribe/core"
	"github.com/santiagomed/scribe/fs"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFBA08"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
)

func statusStyle(s core.Status) lipgloss.Style {
	switch s {
	case core.StatusOK:
		return okStyle
	case core.StatusPartial:
		return partialStyle
	}
	return failedStyle
}

// renderResult formats a cycle result for the terminal.
func renderResult(res *core.CycleResult, err error) string {
	if res == nil {
		if err == nil {
			return ""
		}
		return failedStyle.Render("Error: " + err.Error())
	}
	lines := res.Lines()
	style := statusStyle(res.Status)
	lines[0] = style.Render(lines[0])
	for i := 1; i < len(lines); i++ {
		switch {
		case strings.HasPrefix(lines[i], "  ✓"):
			lines[i] = okStyle.Render(lines[i])
		case strings.HasPrefix(lines[i], "  ✗"), strings.HasPrefix(lines[i], "error:"):
			lines[i] = failedStyle.Render(lines[i])
		default:
			lines[i] = faintStyle.Render(lines[i])
		}
	}
	return strings.Join(lines, "\n")
}

func renderHistory(history []string) string {
	if len(history) == 0 {
		return faintStyle.Render("No requirements in this conversation yet.")
	}
	return strings.Join(history, "\n")
}

func renderJournal(entries []fs.JournalEntry) string {
	if len(entries) == 0 {
		return faintStyle.Render("The journal is empty.")
	}
	var b strings.Builder
	for _, e := range entries {
		hash := e.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(&b, "%s  %s  %-6s %s", e.Time.Format("2006-01-02 15:04:05"), e.Cycle, e.Action, e.Path)
		if hash != "" {
			fmt.Fprintf(&b, "  %s", faintStyle.Render(hash))
		}
		if e.Additions > 0 || e.Deletions > 0 {
			fmt.Fprintf(&b, "  (+%d -%d)", e.Additions, e.Deletions)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

const helpText = `Type a requirement and press enter to run it against the workspace.

Commands:
  /help              show this help
  /clear             forget the conversation history (files are kept)
  /history           list the requirements of this conversation
  /config            show the active configuration
  /set <key> <value> change a setting, e.g. /set model.temperature 0.5
  /journal [path]    show the most recent file changes, or those of one file
  exit               leave scribe (also quit, q, esc)

Ctrl+C cancels a running cycle, or exits when idle.`
