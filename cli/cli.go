package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/santiagomed/scribe/config"
	"github.com/spf13/cobra"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe turns plain language requirements into project files",
	Long: `Scribe is a CLI tool that sends your requirements to an AI model and applies
the files it answers with to your workspace, one conversation turn at a time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session (default)",
	RunE:  runChat,
}

var runCmd = &cobra.Command{
	Use:   "run [requirement...]",
	Short: "Run a single requirement and exit",
	Long: `Run a single requirement non-interactively. The requirement is read from the
arguments, --requirement, --file or standard input, in that order.
Exit status is 0 when every operation applied, 2 when some were skipped and 1 on failure.`,
	RunE: runOnce,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(".", "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		cmd.Printf("Wrote %s\n", accentStyle.Render(path))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := parseRootFlags(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(f)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		cmd.Print(out)
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show the most recent changes applied to the workspace, or to one file",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := parseRootFlags(cmd)
		if err != nil {
			return err
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		file, err := cmd.Flags().GetString("path")
		if err != nil {
			return err
		}
		cfg, err := loadConfig(f)
		if err != nil {
			return err
		}
		fsys, err := openWorkspace(cfg)
		if err != nil {
			return err
		}
		entries, err := journalEntries(fsys, file, limit)
		if err != nil {
			return err
		}
		cmd.Println(renderJournal(entries))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Zip the workspace files",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := parseRootFlags(cmd)
		if err != nil {
			return err
		}
		out, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}
		cfg, err := loadConfig(f)
		if err != nil {
			return err
		}
		fsys, err := openWorkspace(cfg)
		if err != nil {
			return err
		}
		if out == "" {
			abs, err := filepath.Abs(cfg.Workspace)
			if err != nil {
				return err
			}
			out = filepath.Base(abs) + ".zip"
		}
		n, err := fsys.WriteToZip(out)
		if err != nil {
			return err
		}
		cmd.Printf("Exported %d files to %s\n", n, accentStyle.Render(out))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Path to a config file or a directory holding config.yaml")
	pf.StringP("workspace", "w", "", "Project directory the generated files are written to")
	pf.String("provider", "", "Model provider: openai, anthropic, gemini or ollama")
	pf.StringP("model", "m", "", "Model name")
	pf.Bool("debug", false, "Log at debug level")

	runCmd.Flags().StringP("requirement", "r", "", "The requirement to run")
	runCmd.Flags().StringP("file", "f", "", "Read the requirement from a file")
	journalCmd.Flags().IntP("limit", "n", 20, "Number of entries to show")
	journalCmd.Flags().StringP("path", "p", "", "Only show changes to this file")
	exportCmd.Flags().StringP("output", "o", "", "Zip file to write (default <workspace>.zip)")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(chatCmd, runCmd, configCmd, journalCmd, exportCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	f, err := parseRootFlags(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, f)
	if err != nil {
		return err
	}
	model := newChatModel(ctx, a)
	defer model.Shutdown()

	p := tea.NewProgram(model)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, failedStyle.Render(exit.err.Error()))
		}
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, failedStyle.Render("Error: "+err.Error()))
	os.Exit(1)
}
