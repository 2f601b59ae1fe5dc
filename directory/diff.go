package directory

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrDiffBaseMismatch is returned when a diff's declared "from" hash does
// not match the base document it is applied to.
var ErrDiffBaseMismatch = fmt.Errorf("diff base hash mismatch")

// ErrDiffResultMismatch is returned when the SHA3-256 of the document
// produced by applying a diff does not equal the diff's declared "to" hash.
var ErrDiffResultMismatch = fmt.Errorf("diff result hash mismatch")

// Diff is a parsed ed-style consensus diff (dir-spec §4.2).
type Diff struct {
	FromHash string
	ToHash   string
	Commands []diffCommand
}

type diffOp int

const (
	opDelete diffOp = iota
	opChange
	opAppend
)

type diffCommand struct {
	op         diffOp
	start, end int // 1-indexed, inclusive; end==0 means single-line (start only)
	lines      []string
}

// IsDiff reports whether body looks like an ed-style consensus diff rather
// than a full document, per dir-spec §4.2 (a diff response's body begins
// with "network-status-diff-version").
func IsDiff(contentType string, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "diff") {
		return true
	}
	return strings.HasPrefix(body, "network-status-diff-version")
}

// ParseDiff parses an ed-style consensus diff document.
func ParseDiff(body string) (*Diff, error) {
	lines := strings.Split(body, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "network-status-diff-version") {
		return nil, fmt.Errorf("missing network-status-diff-version header")
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("missing hash header")
	}
	hashFields := strings.Fields(lines[1])
	if len(hashFields) != 3 || hashFields[0] != "hash" {
		return nil, fmt.Errorf("malformed hash header: %q", lines[1])
	}
	d := &Diff{FromHash: hashFields[1], ToHash: hashFields[2]}

	i := 2
	for i < len(lines) {
		line := lines[i]
		if line == "" {
			i++
			continue
		}
		cmd, consumed, err := parseDiffCommand(lines[i:])
		if err != nil {
			return nil, fmt.Errorf("parse command at line %d: %w", i+1, err)
		}
		d.Commands = append(d.Commands, cmd)
		i += consumed
	}
	return d, nil
}

// parseDiffCommand parses one ed command starting at lines[0], returning the
// parsed command and the number of input lines it consumed.
func parseDiffCommand(lines []string) (diffCommand, int, error) {
	header := lines[0]
	if header == "" {
		return diffCommand{}, 1, fmt.Errorf("empty command line")
	}
	verb := header[len(header)-1]
	rangePart := header[:len(header)-1]

	var cmd diffCommand
	start, end, err := parseDiffRange(rangePart)
	if err != nil {
		return diffCommand{}, 0, err
	}
	cmd.start, cmd.end = start, end

	switch verb {
	case 'd':
		cmd.op = opDelete
		return cmd, 1, nil
	case 'c':
		cmd.op = opChange
	case 'a':
		cmd.op = opAppend
	default:
		return diffCommand{}, 0, fmt.Errorf("unknown command verb %q", string(verb))
	}

	consumed := 1
	for consumed < len(lines) {
		if lines[consumed] == "." {
			consumed++
			return cmd, consumed, nil
		}
		cmd.lines = append(cmd.lines, lines[consumed])
		consumed++
	}
	return diffCommand{}, 0, fmt.Errorf("unterminated block (missing \".\")")
}

// parseDiffRange parses "X" or "X,Y" into start/end (end==0 for single-line).
func parseDiffRange(s string) (int, int, error) {
	parts := strings.SplitN(s, ",", 2)
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad range %q: %w", s, err)
	}
	if len(parts) == 1 {
		return start, 0, nil
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad range %q: %w", s, err)
	}
	return start, end, nil
}

// Apply applies d to baseText, returning the resulting document. baseText
// must hash (SHA3-256) to d.FromHash or ErrDiffBaseMismatch is returned; the
// result must hash to d.ToHash or ErrDiffResultMismatch is returned.
//
// Commands are applied in the order dir-spec §4.2 requires: from the end of
// the document backward, since earlier commands' line numbers refer to the
// pre-diff document and edits to it would otherwise invalidate later
// line-number references.
func (d *Diff) Apply(baseText string) (string, error) {
	if got := fmt.Sprintf("%x", sha3.Sum256([]byte(baseText))); got != d.FromHash {
		return "", fmt.Errorf("%w: got %s, want %s", ErrDiffBaseMismatch, got, d.FromHash)
	}

	baseLines := strings.Split(baseText, "\n")
	if n := len(baseLines); n > 0 && baseLines[n-1] == "" {
		baseLines = baseLines[:n-1]
	}

	for i := len(d.Commands) - 1; i >= 0; i-- {
		cmd := d.Commands[i]
		var err error
		baseLines, err = applyDiffCommand(baseLines, cmd)
		if err != nil {
			return "", fmt.Errorf("apply command %d: %w", i, err)
		}
	}

	result := strings.Join(baseLines, "\n") + "\n"
	if got := fmt.Sprintf("%x", sha3.Sum256([]byte(result))); got != d.ToHash {
		return "", fmt.Errorf("%w: got %s, want %s", ErrDiffResultMismatch, got, d.ToHash)
	}
	return result, nil
}

func applyDiffCommand(lines []string, cmd diffCommand) ([]string, error) {
	start, end := cmd.start, cmd.end
	if end == 0 {
		end = start
	}
	switch cmd.op {
	case opDelete:
		if start < 1 || end > len(lines) || start > end {
			return nil, fmt.Errorf("delete range %d,%d out of bounds (len %d)", start, end, len(lines))
		}
		out := append([]string{}, lines[:start-1]...)
		out = append(out, lines[end:]...)
		return out, nil

	case opChange:
		if start < 1 || end > len(lines) || start > end {
			return nil, fmt.Errorf("change range %d,%d out of bounds (len %d)", start, end, len(lines))
		}
		out := append([]string{}, lines[:start-1]...)
		out = append(out, cmd.lines...)
		out = append(out, lines[end:]...)
		return out, nil

	case opAppend:
		if start < 0 || start > len(lines) {
			return nil, fmt.Errorf("append position %d out of bounds (len %d)", start, len(lines))
		}
		out := append([]string{}, lines[:start]...)
		out = append(out, cmd.lines...)
		out = append(out, lines[start:]...)
		return out, nil
	}
	return nil, fmt.Errorf("unknown diff op %d", cmd.op)
}
