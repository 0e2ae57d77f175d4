package cli

import (
	"context"
	"fmt"

	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/core"
	"github.com/santiagomed/scribe/fs"
	"github.com/santiagomed/scribe/llm"
	"github.com/santiagomed/scribe/logger"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	config    string
	workspace string
	provider  string
	model     string
	debug     bool
}

func parseRootFlags(cmd *cobra.Command) (rootFlags, error) {
	var f rootFlags
	var err error
	flags := cmd.Flags()
	if f.config, err = flags.GetString("config"); err != nil {
		return f, err
	}
	if f.workspace, err = flags.GetString("workspace"); err != nil {
		return f, err
	}
	if f.provider, err = flags.GetString("provider"); err != nil {
		return f, err
	}
	if f.model, err = flags.GetString("model"); err != nil {
		return f, err
	}
	if f.debug, err = flags.GetBool("debug"); err != nil {
		return f, err
	}
	return f, nil
}

// loadConfig reads the configuration and applies the command line overrides.
func loadConfig(f rootFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.config)
	if err != nil {
		return nil, err
	}
	if f.workspace != "" {
		cfg.Workspace = f.workspace
	}
	cfg.UseProvider(f.provider, f.model)
	if f.debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// app is everything a command needs to run cycles against one workspace.
type app struct {
	cfg       *config.Config
	fs        *fs.FileSystem
	logger    logger.Logger
	publisher *CliStagePublisher
	engine    *Engine
}

func openWorkspace(cfg *config.Config) (*fs.FileSystem, error) {
	fsys, err := fs.NewOsFileSystem(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("cannot open workspace %s: %w", cfg.Workspace, err)
	}
	fsys.Backup = cfg.Files.Backup
	fsys.Journal = cfg.Files.Journal
	return fsys, nil
}

func newApp(ctx context.Context, f rootFlags) (*app, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	if err := logger.InitLogger(logger.Options{File: cfg.LogFile, Level: cfg.LogLevel}); err != nil {
		return nil, fmt.Errorf("cannot initialize logger: %w", err)
	}
	l := logger.GetLogger()
	l.Debug("Initializing Scribe CLI")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fsys, err := openWorkspace(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := llm.NewBackend(ctx, cfg, l)
	if err != nil {
		return nil, err
	}

	publisher := NewCliStagePublisher(l)
	pipeline := core.NewPipeline(cfg, backend, fsys, publisher, l)
	session := core.NewSession(pipeline, core.NewConversation(), l)
	engine := NewEngine(session, l)
	engine.Start(ctx)

	return &app{
		cfg:       cfg,
		fs:        fsys,
		logger:    l,
		publisher: publisher,
		engine:    engine,
	}, nil
}

// journalEntries returns the last limit journal entries, only those of file
// when it is not empty.
func journalEntries(fsys *fs.FileSystem, file string, limit int) ([]fs.JournalEntry, error) {
	if file == "" {
		return fsys.ReadJournal(limit)
	}
	return fsys.FileHistory(file, limit)
}
