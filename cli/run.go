package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/santiagomed/scribe/core"
	"github.com/santiagomed/scribe/llm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readRequirement picks the requirement text from args, flags or stdin.
func readRequirement(cmd *cobra.Command, args []string, stdin io.Reader, stdinIsTerminal bool) (string, llm.Source, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), llm.SourceFlag, nil
	}
	if r, err := cmd.Flags().GetString("requirement"); err != nil {
		return "", "", err
	} else if r != "" {
		return r, llm.SourceFlag, nil
	}
	if path, err := cmd.Flags().GetString("file"); err != nil {
		return "", "", err
	} else if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", "", fmt.Errorf("cannot read requirement file: %w", err)
		}
		return string(data), llm.SourceFile, nil
	}
	if stdinIsTerminal {
		return "", "", errors.New("no requirement given, pass it as arguments, with --requirement or --file, or pipe it on stdin")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", "", fmt.Errorf("cannot read requirement from stdin: %w", err)
	}
	return string(data), llm.SourceStdin, nil
}

func exitCode(res *core.CycleResult, err error) int {
	if err != nil || res == nil {
		return 1
	}
	switch res.Status {
	case core.StatusOK:
		return 0
	case core.StatusPartial:
		return 2
	}
	return 1
}

func runOnce(cmd *cobra.Command, args []string) error {
	f, err := parseRootFlags(cmd)
	if err != nil {
		return err
	}
	text, source, err := readRequirement(cmd, args, os.Stdin, term.IsTerminal(int(os.Stdin.Fd())))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, f)
	if err != nil {
		return err
	}
	defer a.engine.Shutdown(5 * time.Second)

	go func() {
		for {
			select {
			case stage := <-a.publisher.stageChan:
				if stage == core.Done || stage == core.Failed {
					return
				}
				fmt.Fprintln(cmd.ErrOrStderr(), faintStyle.Render(stage.String()+"..."))
			case <-a.publisher.errorChan:
			case <-ctx.Done():
				return
			}
		}
	}()

	out := <-a.engine.Submit(ctx, text, source)
	fmt.Fprintln(cmd.OutOrStdout(), renderResult(out.Result, out.Err))

	code := exitCode(out.Result, out.Err)
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
