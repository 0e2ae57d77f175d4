package fs

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/afero"
)

// Outcome is the result of applying one operation.
type Outcome struct {
	Op      FileOperation
	Applied bool
	// Noop is set for a DELETE of a missing file. Noop outcomes count as applied.
	Noop       bool
	Additions  int
	Deletions  int
	BackupPath string
	Err        error
}

// Skipped converts a failed outcome into a Skipped record.
func (o Outcome) Skipped() Skipped {
	return SkippedFrom(o.Op, o.Err)
}

// Apply executes validated operations in order. A failing operation is
// reported in its Outcome and does not stop the ones after it.
func (fs *FileSystem) Apply(cycleID string, ops []Validated) []Outcome {
	outcomes := make([]Outcome, 0, len(ops))
	for _, v := range ops {
		out := fs.apply(cycleID, v)
		if out.Applied && fs.Journal {
			if err := fs.record(cycleID, out); err != nil {
				// the change is on disk, so the outcome stays applied
				out.Err = err
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (fs *FileSystem) apply(cycleID string, v Validated) Outcome {
	op := v.Op
	out := Outcome{Op: op}
	if v.Noop {
		out.Applied = true
		out.Noop = true
		return out
	}

	before, existed, err := fs.current(op.Path)
	if err != nil {
		out.Err = &Rejection{Reason: WriteFailure, Path: op.Path, Err: err}
		return out
	}
	if existed && fs.Backup && op.Action != Create {
		bp, err := fs.backup(cycleID, op.Path, before)
		if err != nil {
			out.Err = &Rejection{Reason: WriteFailure, Path: op.Path, Err: err}
			return out
		}
		out.BackupPath = bp
	}

	switch op.Action {
	case Create, Modify:
		if err := fs.writeAtomic(op.Path, op.Content); err != nil {
			out.Err = &Rejection{Reason: WriteFailure, Path: op.Path, Err: err}
			return out
		}
		out.Additions, out.Deletions = LineStats(before, op.Content)
	case Delete:
		if !existed {
			out.Applied = true
			out.Noop = true
			return out
		}
		if err := fs.Fs.Remove(op.Path); err != nil {
			out.Err = &Rejection{Reason: WriteFailure, Path: op.Path, Err: fmt.Errorf("error removing file: %w", err)}
			return out
		}
		out.Deletions = countLines(before)
	default:
		out.Err = reject(MalformedBlock, op.Path, "unknown action %q", op.Action)
		return out
	}
	out.Applied = true
	return out
}

// current returns the existing content of path, if any.
func (fs *FileSystem) current(p string) (string, bool, error) {
	info, err := fs.Fs.Stat(p)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error reading %s: %w", p, err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%s is a directory", p)
	}
	b, err := afero.ReadFile(fs.Fs, p)
	if err != nil {
		return "", false, fmt.Errorf("error reading %s: %w", p, err)
	}
	return string(b), true, nil
}

// writeAtomic writes content to a temporary file next to p and renames it into
// place, so readers see either the old or the new content.
func (fs *FileSystem) writeAtomic(p, content string) error {
	dir := path.Dir(p)
	if err := fs.Fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating directory %s: %w", dir, err)
	}

	mode := os.FileMode(0644)
	if info, err := fs.Fs.Stat(p); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := afero.TempFile(fs.Fs, dir, "."+path.Base(p)+".scribe-*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = fs.Fs.Remove(tmpName) }

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("error writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("error syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("error closing temp file: %w", err)
	}
	if err := fs.Fs.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("error setting mode: %w", err)
	}
	if err := fs.Fs.Rename(tmpName, p); err != nil {
		cleanup()
		return fmt.Errorf("error renaming into place: %w", err)
	}
	return nil
}

func (fs *FileSystem) backup(cycleID, p, content string) (string, error) {
	bp := path.Join(StateDir, "backups", cycleID, p)
	if err := fs.WriteFile(bp, content); err != nil {
		return "", fmt.Errorf("error backing up %s: %w", p, err)
	}
	return bp, nil
}

// LineStats counts added and removed lines between two versions of a file.
func LineStats(before, after string) (additions, deletions int) {
	if before == after {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
