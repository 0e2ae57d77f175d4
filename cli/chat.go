package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/list"
	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/core"
	"github.com/santiagomed/scribe/llm"
)

type state int

const (
	Input state = iota
	Processing
	Finished
)

type cycleDoneMsg CycleOutcome

type chatModel struct {
	textInput   textinput.Model
	spinner     spinner.Model
	state       state
	app         *app
	ctx         context.Context
	stages      []core.Stage
	cycleCancel context.CancelFunc
	cancelling  bool
}

func newChatModel(ctx context.Context, a *app) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Describe what to build or change..."
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("202"))

	return chatModel{
		textInput: ti,
		spinner:   s,
		state:     Input,
		app:       a,
		ctx:       ctx,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if next, cmd, handled := m.handleKeyPress(msg); handled {
			return next, cmd
		}
	case core.Stage:
		return m.handleStage(msg)
	case stageError:
		m.app.logger.Debug(fmt.Sprintf("Cycle error at %v: %v", msg.stage, msg.err))
		return m, m.listenForNextStage
	case cycleDoneMsg:
		return m.handleCycleDone(CycleOutcome(msg))
	case spinner.TickMsg:
		if m.state == Processing {
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	if m.state != Input {
		return m, nil
	}
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// handleKeyPress reports whether the key was consumed.
func (m chatModel) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch m.state {
	case Processing:
		if msg.Type == tea.KeyCtrlC && !m.cancelling {
			m.app.logger.Info("User cancelled the running cycle")
			m.cancelling = true
			m.cycleCancel()
			return m, tea.Printf("%s", faintStyle.Render("Cancelling...")), true
		}
		return m, nil, true
	case Input:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.app.logger.Debug("User exited the application")
			m.state = Finished
			return m, tea.Quit, true
		case tea.KeyEnter:
			next, cmd := m.handleKeyEnter()
			return next, cmd, true
		}
	}
	return m, nil, false
}

func (m chatModel) handleKeyEnter() (tea.Model, tea.Cmd) {
	v := strings.TrimSpace(m.textInput.Value())
	m.textInput.SetValue("")
	if v == "" {
		return m, nil
	}

	echo := tea.Printf("%s", faintStyle.Width(80).Render("> "+v))
	switch strings.ToLower(v) {
	case "exit", "quit", "q", "/exit", "/quit":
		m.state = Finished
		return m, tea.Sequence(echo, tea.Quit)
	}
	if strings.HasPrefix(v, "/") {
		return m, tea.Sequence(echo, tea.Printf("%s", m.runCommand(v)))
	}
	start := m.startCycle(v)
	return m, tea.Sequence(echo, start)
}

// runCommand executes a slash command and returns its output.
func (m chatModel) runCommand(line string) string {
	session := m.app.engine.Session()
	switch strings.Fields(line)[0] {
	case "/help":
		return helpText
	case "/clear":
		session.ResetConversation()
		return faintStyle.Render("Conversation and cached answers cleared. Files in the workspace are unchanged.")
	case "/history":
		return renderHistory(session.HistorySummary())
	case "/config":
		out, err := m.app.cfg.YAML()
		if err != nil {
			return failedStyle.Render(err.Error())
		}
		return strings.TrimRight(out, "\n")
	case "/journal":
		var file string
		if args := strings.Fields(line)[1:]; len(args) > 0 {
			file = args[0]
		}
		entries, err := journalEntries(m.app.fs, file, 10)
		if err != nil {
			return failedStyle.Render(err.Error())
		}
		return renderJournal(entries)
	case "/set":
		return m.setOption(line)
	}
	return failedStyle.Render(fmt.Sprintf("Unknown command %s, try /help", line))
}

// setOption handles "/set <key> <value>". The new value applies from the
// next cycle on.
func (m chatModel) setOption(line string) string {
	args := strings.Fields(line)[1:]
	if len(args) < 2 {
		return faintStyle.Render("Usage: /set <key> <value>\nKeys: " + strings.Join(config.SettableKeys(), ", "))
	}
	value := strings.Join(args[1:], " ")
	if err := m.app.cfg.Set(args[0], value); err != nil {
		return failedStyle.Render(err.Error())
	}
	m.app.engine.Session().Reconfigure(m.app.cfg)
	return okStyle.Render(fmt.Sprintf("%s = %s", strings.ToLower(args[0]), value))
}

func (m *chatModel) startCycle(text string) tea.Cmd {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cycleCancel = cancel
	m.cancelling = false
	m.stages = nil
	m.state = Processing
	m.app.publisher.drain()

	engine := m.app.engine
	waitForResult := func() tea.Msg {
		return cycleDoneMsg(<-engine.Submit(ctx, text, llm.SourceTyped))
	}
	return tea.Batch(m.spinner.Tick, m.listenForNextStage, waitForResult)
}

func (m chatModel) listenForNextStage() tea.Msg {
	select {
	case stage := <-m.app.publisher.stageChan:
		return stage
	case err := <-m.app.publisher.errorChan:
		return err
	case <-time.After(10 * time.Minute):
		return nil
	}
}

func (m chatModel) handleStage(stage core.Stage) (tea.Model, tea.Cmd) {
	m.app.logger.Debug(fmt.Sprintf("Received stage: %v", stage))
	if stage == core.Done || stage == core.Failed {
		return m, nil
	}
	if m.state == Processing {
		m.stages = append(m.stages, stage)
	}
	return m, m.listenForNextStage
}

func (m chatModel) handleCycleDone(out CycleOutcome) (tea.Model, tea.Cmd) {
	if m.cycleCancel != nil {
		m.cycleCancel()
	}
	m.state = Input
	m.stages = nil
	m.cancelling = false
	return m, tea.Printf("%s\n", renderResult(out.Result, out.Err))
}

func (m chatModel) View() string {
	switch m.state {
	case Input:
		header := fmt.Sprintf("Scribe %s %s",
			accentStyle.Render(m.app.cfg.Model.Provider+"/"+m.app.cfg.Model.Name),
			faintStyle.Render("in "+m.app.cfg.Workspace))
		return fmt.Sprintf("%s\n\n%s\n\n%s",
			header,
			m.textInput.View(),
			faintStyle.Render("(enter to run, /help for commands, esc to quit)"),
		)
	case Processing:
		return m.stageList()
	}
	return ""
}

func (m chatModel) stageList() string {
	if len(m.stages) == 0 {
		return fmt.Sprintf("%s Starting", m.spinner.View())
	}
	enumerator := func(l list.Items, i int) string {
		if i < len(m.stages)-1 {
			return okStyle.Render("✓")
		}
		return m.spinner.View()
	}
	l := list.New().Enumerator(enumerator)
	for _, s := range m.stages {
		l.Item(s.String())
	}
	out := fmt.Sprint(l)
	if m.cancelling {
		out += "\n" + faintStyle.Render("cancelling, nothing will be written")
	}
	return out
}

// Shutdown stops any running cycle and the engine.
func (m chatModel) Shutdown() {
	if m.cycleCancel != nil {
		m.cycleCancel()
	}
	m.app.engine.Shutdown(5 * time.Second)
}
