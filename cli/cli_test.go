package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/core"
	"github.com/santiagomed/scribe/fs"
	"github.com/santiagomed/scribe/llm"
	"github.com/santiagomed/scribe/logger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Complete(ctx context.Context, p llm.Prompt, opts llm.Options) (llm.Completion, error) {
	args := m.Called(p.User)
	return args.Get(0).(llm.Completion), args.Error(1)
}

func createBlock(path, content string) string {
	return "@@ CREATE " + path + "\n<<<SCRIBE\n" + content + "\nSCRIBE>>>\n"
}

func newTestApp(t *testing.T, backend llm.Backend) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Model.Provider = config.ProviderOllama

	fsys, err := openWorkspace(cfg)
	require.NoError(t, err)
	l := logger.NewNullLogger()
	pub := NewCliStagePublisher(l)
	session := core.NewSession(core.NewPipeline(cfg, backend, fsys, pub, l), nil, l)
	engine := NewEngine(session, l)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	t.Cleanup(func() {
		engine.Shutdown(time.Second)
		cancel()
	})
	return &app{cfg: cfg, fs: fsys, logger: l, publisher: pub, engine: engine}
}

func TestEngine_RunsCyclesInOrder(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Complete", mock.MatchedBy(func(u string) bool { return strings.HasSuffix(u, "first\n") })).
		Return(llm.Completion{Text: createBlock("a.txt", "1")}, nil).Once()
	backend.On("Complete", mock.MatchedBy(func(u string) bool { return strings.HasSuffix(u, "second\n") })).
		Return(llm.Completion{Text: createBlock("a.txt", "2")}, nil).Once()
	a := newTestApp(t, backend)

	first := a.engine.Submit(context.Background(), "first", llm.SourceTyped)
	second := a.engine.Submit(context.Background(), "second", llm.SourceTyped)

	out := <-first
	require.NoError(t, out.Err)
	assert.Equal(t, core.StatusOK, out.Result.Status)
	out = <-second
	require.NoError(t, out.Err)

	content, err := a.fs.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "2", content)
	assert.Len(t, a.engine.Session().HistorySummary(), 2)
}

func TestEngine_CancelledCycle(t *testing.T) {
	a := newTestApp(t, new(MockBackend))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := <-a.engine.Submit(ctx, "anything", llm.SourceTyped)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Empty(t, a.engine.Session().HistorySummary())
}

func receiveOutcome(t *testing.T, ch chan CycleOutcome) CycleOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
		return CycleOutcome{}
	}
}

func TestEngine_SubmitAfterContextCancelled(t *testing.T) {
	backend := new(MockBackend)
	l := logger.NewNullLogger()
	cfg := config.DefaultConfig()
	pipeline := core.NewPipeline(cfg, backend, fs.NewMemoryFileSystem(), nil, l)
	engine := NewEngine(core.NewSession(pipeline, nil, l), l)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	cancel()

	// the worker may still be picking between its cases; either way an answer arrives
	out := receiveOutcome(t, engine.Submit(context.Background(), "anything", llm.SourceTyped))
	assert.ErrorIs(t, out.Err, ErrEngineStopped)

	// once the worker is gone the answer is immediate
	engine.Shutdown(time.Second)
	out = receiveOutcome(t, engine.Submit(context.Background(), "again", llm.SourceTyped))
	assert.ErrorIs(t, out.Err, ErrEngineStopped)
	backend.AssertNotCalled(t, "Complete", mock.Anything)
}

func TestEngine_SubmitWithCancelledRequestBeforeStart(t *testing.T) {
	l := logger.NewNullLogger()
	pipeline := core.NewPipeline(config.DefaultConfig(), new(MockBackend), fs.NewMemoryFileSystem(), nil, l)
	engine := NewEngine(core.NewSession(pipeline, nil, l), l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := receiveOutcome(t, engine.Submit(ctx, "anything", llm.SourceTyped))
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestCliStagePublisher_NeverBlocks(t *testing.T) {
	p := NewCliStagePublisher(logger.NewNullLogger())
	for i := 0; i < 200; i++ {
		p.PublishStage(core.Building)
	}
	for i := 0; i < 20; i++ {
		p.Error(core.Invoking, errors.New("boom"))
	}
	assert.Len(t, p.stageChan, cap(p.stageChan))

	p.drain()
	assert.Empty(t, p.stageChan)
	assert.Empty(t, p.errorChan)
}

func TestRenderResult(t *testing.T) {
	res := &core.CycleResult{
		ID:     "abc",
		Status: core.StatusPartial,
		Applied: []core.AppliedOp{
			{FileOperation: fs.FileOperation{Action: fs.Create, Path: "main.go"}, Additions: 3},
		},
		Skipped: []fs.Skipped{{Action: fs.Create, Path: "../x", Reason: fs.PathEscape}},
	}
	out := renderResult(res, nil)
	assert.Contains(t, out, "cycle abc: partial")
	assert.Contains(t, out, "CREATE main.go (+3 -0)")
	assert.Contains(t, out, "PathEscape")

	assert.Contains(t, renderResult(nil, errors.New("nope")), "nope")
	assert.Empty(t, renderResult(nil, nil))
}

func TestRenderJournal(t *testing.T) {
	assert.Contains(t, renderJournal(nil), "empty")
	out := renderJournal([]fs.JournalEntry{{
		Time:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Cycle:  "c1",
		Action: fs.Delete,
		Path:   "old.txt",
	}})
	assert.Contains(t, out, "2024-05-01 10:00:00  c1  DELETE old.txt")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(&core.CycleResult{Status: core.StatusOK}, nil))
	assert.Equal(t, 2, exitCode(&core.CycleResult{Status: core.StatusPartial}, nil))
	assert.Equal(t, 1, exitCode(&core.CycleResult{Status: core.StatusFailed}, nil))
	assert.Equal(t, 1, exitCode(&core.CycleResult{Status: core.StatusFailed}, errors.New("x")))
	assert.Equal(t, 1, exitCode(nil, nil))
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().StringP("requirement", "r", "", "")
	cmd.Flags().StringP("file", "f", "", "")
	return cmd
}

func TestReadRequirement(t *testing.T) {
	text, src, err := readRequirement(newRunCmd(), []string{"add", "a", "readme"}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "add a readme", text)
	assert.Equal(t, llm.SourceFlag, src)

	cmd := newRunCmd()
	path := filepath.Join(t.TempDir(), "req.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0644))
	require.NoError(t, cmd.Flags().Set("file", path))
	text, src, err = readRequirement(cmd, nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "from file", text)
	assert.Equal(t, llm.SourceFile, src)

	text, src, err = readRequirement(newRunCmd(), nil, strings.NewReader("piped"), false)
	require.NoError(t, err)
	assert.Equal(t, "piped", text)
	assert.Equal(t, llm.SourceStdin, src)

	_, _, err = readRequirement(newRunCmd(), nil, nil, true)
	assert.Error(t, err)
}

func TestChatModel_SlashCommands(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Complete", mock.Anything).Return(llm.Completion{Text: createBlock("a.txt", "a")}, nil)
	a := newTestApp(t, backend)
	m := newChatModel(context.Background(), a)

	assert.Contains(t, m.runCommand("/history"), "No requirements")

	out := <-a.engine.Submit(context.Background(), "make a", llm.SourceTyped)
	require.NoError(t, out.Err)
	assert.Contains(t, m.runCommand("/history"), "1. make a -> ok")
	assert.Contains(t, m.runCommand("/journal"), "CREATE a.txt")
	assert.Contains(t, m.runCommand("/config"), "provider: ollama")
	assert.Contains(t, m.runCommand("/help"), "/clear")
	assert.Contains(t, m.runCommand("/nope"), "Unknown command")

	m.runCommand("/clear")
	assert.Contains(t, m.runCommand("/history"), "No requirements")
}

func TestChatModel_SetCommand(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Complete", mock.Anything).Return(llm.Completion{Text: createBlock("a.txt", "a")}, nil)
	a := newTestApp(t, backend)
	m := newChatModel(context.Background(), a)

	assert.Contains(t, m.runCommand("/set"), "model.temperature")
	assert.Contains(t, m.runCommand("/set model.temperature 0.9"), "model.temperature = 0.9")
	assert.InDelta(t, 0.9, a.cfg.Model.Temperature, 1e-6)
	assert.Contains(t, m.runCommand("/set Files.Journal false"), "files.journal = false")
	assert.False(t, a.cfg.Files.Journal)

	assert.Contains(t, m.runCommand("/set model.provider gemini"), "cannot be set")
	assert.Contains(t, m.runCommand("/set model.max_tokens many"), "invalid value")
	assert.Equal(t, config.ProviderOllama, a.cfg.Model.Provider)

	// the change reaches the pipeline: nothing is journaled any more
	out := <-a.engine.Submit(context.Background(), "make a", llm.SourceTyped)
	require.NoError(t, out.Err)
	entries, err := a.fs.ReadJournal(0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Contains(t, m.runCommand("/config"), "temperature: 0.9")
}

func TestChatModel_JournalForOneFile(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Complete", mock.MatchedBy(func(u string) bool { return strings.HasSuffix(u, "make a\n") })).
		Return(llm.Completion{Text: createBlock("a.txt", "a")}, nil)
	backend.On("Complete", mock.MatchedBy(func(u string) bool { return strings.HasSuffix(u, "make b\n") })).
		Return(llm.Completion{Text: createBlock("b.txt", "b")}, nil)
	a := newTestApp(t, backend)
	m := newChatModel(context.Background(), a)

	for _, text := range []string{"make a", "make b"} {
		out := <-a.engine.Submit(context.Background(), text, llm.SourceTyped)
		require.NoError(t, out.Err)
	}

	all := m.runCommand("/journal")
	assert.Contains(t, all, "a.txt")
	assert.Contains(t, all, "b.txt")

	one := m.runCommand("/journal ./b.txt")
	assert.Contains(t, one, "CREATE b.txt")
	assert.NotContains(t, one, "a.txt")
	assert.Contains(t, m.runCommand("/journal c.txt"), "empty")
	assert.Contains(t, m.runCommand("/journal ../etc/passwd"), "PathEscape")
}

func TestJournalCommand_PathFilter(t *testing.T) {
	workspace := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	fsys, err := fs.NewOsFileSystem(workspace)
	require.NoError(t, err)
	fsys.Journal = true
	fsys.Apply("c1", []fs.Validated{
		{Op: fs.FileOperation{Action: fs.Create, Path: "a.txt", Content: "a"}},
		{Op: fs.FileOperation{Action: fs.Create, Path: "b.txt", Content: "b"}},
	})

	var buf strings.Builder
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"journal", "-w", workspace, "--path", "b.txt"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		_ = journalCmd.Flags().Set("path", "")
	})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, buf.String(), "CREATE b.txt")
	assert.NotContains(t, buf.String(), "a.txt")
}

func TestChatModel_Lifecycle(t *testing.T) {
	backend := new(MockBackend)
	backend.On("Complete", mock.Anything).Return(llm.Completion{Text: createBlock("a.txt", "a")}, nil)
	a := newTestApp(t, backend)
	var m tea.Model = newChatModel(context.Background(), a)

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("make a")})
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, Processing, m.(chatModel).state)

	m, _ = m.Update(core.Building)
	m, _ = m.Update(core.Invoking)
	assert.Equal(t, []core.Stage{core.Building, core.Invoking}, m.(chatModel).stages)
	assert.Contains(t, m.View(), "waiting for model")

	out := <-a.engine.Submit(context.Background(), "make b", llm.SourceTyped)
	m, _ = m.Update(cycleDoneMsg(out))
	assert.Equal(t, Input, m.(chatModel).state)
	assert.Empty(t, m.(chatModel).stages)

	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, Finished, m.(chatModel).state)
	assert.NotNil(t, cmd)
}
