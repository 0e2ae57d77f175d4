package fs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultProtected are the patterns no generated operation may touch.
var DefaultProtected = []string{".git/", StateDir + "/"}

// ValidatorOptions configures a Validator.
type ValidatorOptions struct {
	// Protected holds gitignore style patterns. Nil means DefaultProtected.
	Protected []string
	// StrictSyntax turns syntax check failures into rejections.
	StrictSyntax bool
}

// Validator decides whether a FileOperation is safe to apply under the project root.
type Validator struct {
	fs        afero.Fs
	protected *ignore.GitIgnore
	strict    bool
}

// Validated is an accepted operation, possibly rewritten.
type Validated struct {
	Op       FileOperation
	Warnings []string
	// Noop marks a DELETE of a file that does not exist.
	Noop bool
}

func NewValidator(fsys afero.Fs, opts ValidatorOptions) *Validator {
	patterns := opts.Protected
	if patterns == nil {
		patterns = DefaultProtected
	}
	return &Validator{
		fs:        fsys,
		protected: ignore.CompileIgnoreLines(patterns...),
		strict:    opts.StrictSyntax,
	}
}

// Validate checks a single operation. The returned error is always a *Rejection.
func (v *Validator) Validate(op FileOperation) (Validated, error) {
	clean, err := CleanPath(op.Path)
	if err != nil {
		return Validated{}, err
	}
	op.Path = clean

	if v.protected.MatchesPath(clean) {
		return Validated{}, reject(Protected, clean, "path matches a protected pattern")
	}
	if err := v.checkLinks(clean); err != nil {
		return Validated{}, err
	}

	res := Validated{Op: op}
	switch op.Action {
	case Create, Modify:
		if strings.TrimSpace(op.Content) == "" {
			return Validated{}, reject(EmptyContent, clean, "%s requires content", op.Action)
		}
		info, statErr := v.fs.Stat(clean)
		exists := statErr == nil
		if exists && info.IsDir() {
			return Validated{}, reject(WriteFailure, clean, "path is a directory")
		}
		if op.Action == Create && exists {
			res.Op.Action = Modify
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s already exists, treating CREATE as MODIFY", clean))
		}
		if msg := checkSyntax(clean, op.Content); msg != "" {
			if v.strict {
				return Validated{}, reject(InvalidSyntax, clean, "%s", msg)
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", clean, msg))
		}
	case Delete:
		res.Op.Content = ""
		exists, err := afero.Exists(v.fs, clean)
		if err != nil {
			return Validated{}, reject(WriteFailure, clean, "stat: %v", err)
		}
		if !exists {
			res.Noop = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s does not exist, DELETE is a no-op", clean))
		}
	default:
		return Validated{}, reject(MalformedBlock, clean, "unknown action %q", op.Action)
	}
	return res, nil
}

// ValidateAll validates ops in order, splitting them into accepted and skipped.
func (v *Validator) ValidateAll(ops []FileOperation) ([]Validated, []Skipped) {
	var accepted []Validated
	var skipped []Skipped
	for _, op := range ops {
		val, err := v.Validate(op)
		if err != nil {
			skipped = append(skipped, SkippedFrom(op, err))
			continue
		}
		accepted = append(accepted, val)
	}
	return accepted, skipped
}

// CleanPath lexically normalizes a relative project path. Absolute paths,
// parent segments and paths naming the root itself are rejected.
func CleanPath(p string) (string, error) {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return "", reject(PathEscape, p, "empty path")
	}
	if strings.Contains(raw, "\\") {
		return "", reject(PathEscape, raw, "backslash in path")
	}
	if path.IsAbs(raw) || filepath.IsAbs(raw) || filepath.VolumeName(raw) != "" {
		return "", reject(PathEscape, raw, "absolute path")
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", reject(PathEscape, raw, "parent directory segment")
		}
	}
	clean := path.Clean(raw)
	if clean == "." {
		return "", reject(PathEscape, raw, "path names the project root")
	}
	return clean, nil
}

// maxLinkHops bounds symlink resolution, as ELOOP does for the kernel.
const maxLinkHops = 40

// checkLinks resolves every symlink on the way to clean, following chains of
// links, and rejects the path when any step leaves the root. Absolute link
// targets are always rejected.
func (v *Validator) checkLinks(clean string) error {
	lst, ok := v.fs.(afero.Lstater)
	if !ok {
		return nil
	}
	var resolved []string
	pending := strings.Split(clean, "/")
	hops := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return reject(PathEscape, clean, "a symlink on the path leads outside the project")
			}
			resolved = resolved[:len(resolved)-1]
			continue
		}

		cur := path.Join(path.Join(resolved...), part)
		info, _, err := lst.LstatIfPossible(cur)
		if err != nil {
			// nothing below a missing entry can be a link
			return nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			resolved = append(resolved, part)
			continue
		}

		hops++
		if hops > maxLinkHops {
			return reject(PathEscape, clean, "too many levels of symlinks at %s", cur)
		}
		reader, ok := v.fs.(afero.LinkReader)
		if !ok {
			return reject(PathEscape, clean, "%s is a symlink", cur)
		}
		target, err := reader.ReadlinkIfPossible(cur)
		if err != nil {
			return reject(PathEscape, clean, "unreadable symlink %s: %v", cur, err)
		}
		if filepath.IsAbs(target) || filepath.VolumeName(target) != "" {
			return reject(PathEscape, clean, "%s links to an absolute path", cur)
		}
		// the target is relative to the link's directory, which is resolved
		pending = append(strings.Split(filepath.ToSlash(target), "/"), pending...)
	}
	return nil
}

// checkSyntax returns a description of the problem, or "" when content parses.
func checkSyntax(name, content string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		if !json.Valid([]byte(content)) {
			return "content is not valid JSON"
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader([]byte(content)))
		for {
			var doc interface{}
			err := dec.Decode(&doc)
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Sprintf("content is not valid YAML: %v", err)
		}
	case ".go":
		if _, err := parser.ParseFile(token.NewFileSet(), name, content, parser.AllErrors); err != nil {
			return fmt.Sprintf("content is not valid Go: %v", err)
		}
	}
	return ""
}
