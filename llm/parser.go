package llm

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/santiagomed/scribe/fs"
)

// ErrMalformedResponse is returned when a completion holds no operation header at all.
var ErrMalformedResponse = errors.New("response contains no file operation blocks")

var pathPattern = regexp.MustCompile(`^[A-Za-z0-9._\-/]+$`)

// ParseResult holds the operations found in a completion, in order.
type ParseResult struct {
	Operations []fs.FileOperation
	Skipped    []fs.Skipped
	Warnings   []string
}

// Parser reads the block grammar described in the system prompt:
//
//	@@ CREATE path
//	<<<SCRIBE
//	content
//	SCRIBE>>>
//	@@ DELETE path
//
// Lines outside blocks are ignored, and so are prefixed lines that start with
// something other than an action keyword, like "@@ -1,3 +1,4 @@".
type Parser struct {
	proto Protocol
}

func NewParser(p Protocol) *Parser {
	if p == (Protocol{}) {
		p = DefaultProtocol()
	}
	return &Parser{proto: p}
}

func (p *Parser) Parse(text string) (ParseResult, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var res ParseResult
	seen := map[string]int{}
	headers := 0

	for i := 0; i < len(lines); {
		fields, ok := p.header(lines[i])
		if !ok || (!startsWithAction(fields) && !(i+1 < len(lines) && p.isOpen(lines[i+1]))) {
			i++
			continue
		}
		headers++

		op, err := parseHeader(fields)
		hasRegion := i+1 < len(lines) && p.isOpen(lines[i+1])

		if err == nil && op.Action == fs.Delete && hasRegion {
			err = errors.New("DELETE must not carry content")
		}
		if err == nil && op.Action.HasContent() && !hasRegion {
			err = fmt.Errorf("%s must be followed by %s", op.Action, p.proto.OpenMarker)
		}

		var content string
		next := i + 1
		if hasRegion {
			end := p.findClose(lines, i+2)
			if end < 0 {
				if err == nil {
					err = fmt.Errorf("content is not terminated by %s", p.proto.CloseMarker)
				}
				// resume right after the opening marker
				next = i + 2
			} else {
				content = strings.Join(lines[i+2:end], "\n")
				next = end + 1
			}
		}
		i = next

		if err != nil {
			res.Skipped = append(res.Skipped, fs.Skipped{
				Action: op.Action,
				Path:   op.Path,
				Reason: fs.MalformedBlock,
				Detail: err.Error(),
			})
			continue
		}

		op.Content = content
		key := path.Clean(op.Path)
		if prev, dup := seen[key]; dup {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s appears more than once, keeping the last %s", op.Path, op.Action))
			res.Operations = append(res.Operations[:prev], res.Operations[prev+1:]...)
			for k, idx := range seen {
				if idx > prev {
					seen[k] = idx - 1
				}
			}
		}
		seen[key] = len(res.Operations)
		res.Operations = append(res.Operations, op)
	}

	if headers == 0 {
		return res, ErrMalformedResponse
	}
	return res, nil
}

// header returns the fields after the prefix when line is a block header.
func (p *Parser) header(line string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, p.proto.HeaderPrefix) {
		return nil, false
	}
	rest := trimmed[len(p.proto.HeaderPrefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return nil, false
	}
	return strings.Fields(rest), true
}

// startsWithAction reports whether the header fields open with an action
// keyword. Prefixed lines that do not, such as diff hunk markers, are
// commentary unless a content region follows them.
func startsWithAction(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	_, ok := fs.ParseAction(fields[0])
	return ok
}

func parseHeader(fields []string) (fs.FileOperation, error) {
	var op fs.FileOperation
	if len(fields) == 0 {
		return op, errors.New("missing action")
	}
	action, ok := fs.ParseAction(fields[0])
	if len(fields) > 1 {
		op.Path = fields[1]
	}
	if !ok {
		return op, fmt.Errorf("unknown action %q", fields[0])
	}
	op.Action = action
	switch {
	case len(fields) == 1:
		return op, errors.New("missing path")
	case len(fields) > 2:
		return op, errors.New("header must hold exactly one path")
	case !pathPattern.MatchString(op.Path):
		return op, fmt.Errorf("path %q has characters outside [A-Za-z0-9._-/]", op.Path)
	}
	return op, nil
}

func (p *Parser) isOpen(line string) bool {
	return strings.TrimSpace(line) == p.proto.OpenMarker
}

// findClose returns the index of the closing marker at or after from, or -1.
// Meeting another opening marker first means the region was never closed.
func (p *Parser) findClose(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		t := strings.TrimSpace(lines[j])
		if t == p.proto.CloseMarker {
			return j
		}
		if t == p.proto.OpenMarker {
			return -1
		}
	}
	return -1
}
