// ABOUTME: Parser and applier for the v4a change-set format produced by the implementation stage.
// ABOUTME: Supports Add/Delete/Update/Move operations with hunk matching, context hints, and fuzzy fallback.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OpKind identifies the kind of file operation in a change set.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpDelete OpKind = "delete"
	OpUpdate OpKind = "update"
	OpMove   OpKind = "move"
)

// ChangeSet is a parsed v4a patch: an ordered list of file operations.
type ChangeSet struct {
	Ops []FileOp
}

// FileOp is a single file operation within a change set.
type FileOp struct {
	Kind    OpKind
	Path    string
	MoveTo  string   // move only
	Content []string // add only, lines without the + prefix
	Hunks   []Hunk   // update only
}

// Hunk is one change region within an update operation. MatchLines and
// ReplaceLines preserve the interleaved order of context and change lines,
// which is what makes matching against the file correct.
type Hunk struct {
	ContextHint  string
	MatchLines   []string // context + delete lines, original order
	ReplaceLines []string // context + add lines, original order
	AddLines     []string
}

// ApplyResult summarizes an applied change set.
type ApplyResult struct {
	FilesCreated  int
	FilesDeleted  int
	FilesModified int
	FilesMoved    int
	Details       []string
}

// TargetPaths returns every repo-relative path the change set touches,
// including move destinations, deduplicated in first-seen order. This is the
// input to guardrail checks, which must run before anything is written.
func (c *ChangeSet) TargetPaths() []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, op := range c.Ops {
		add(op.Path)
		if op.Kind == OpMove {
			add(op.MoveTo)
		}
	}
	return paths
}

// ParseChangeSet parses a v4a format patch string. The parser is lenient
// with trailing whitespace but strict on the *** markers.
func ParseChangeSet(input string) (*ChangeSet, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("invalid change set: empty input")
	}

	lines := strings.Split(input, "\n")
	if strings.TrimRight(lines[0], " \t\r") != "*** Begin Patch" {
		return nil, fmt.Errorf("invalid change set: expected '*** Begin Patch' on first line, got %q", lines[0])
	}

	cs := &ChangeSet{}
	i := 1

	for i < len(lines) {
		line := strings.TrimRight(lines[i], " \t\r")

		switch {
		case line == "" || line == "*** End Patch":
			i++

		case strings.HasPrefix(line, "*** Add File: "):
			op, next := parseAddOp(lines, i)
			cs.Ops = append(cs.Ops, op)
			i = next

		case strings.HasPrefix(line, "*** Delete File: "):
			path := strings.TrimRight(strings.TrimPrefix(line, "*** Delete File: "), " \t\r")
			cs.Ops = append(cs.Ops, FileOp{Kind: OpDelete, Path: path})
			i++

		case strings.HasPrefix(line, "*** Update File: "):
			op, next := parseUpdateOp(lines, i)
			cs.Ops = append(cs.Ops, op)
			i = next

		case strings.HasPrefix(line, "*** Move File: "):
			op, err := parseMoveOp(line)
			if err != nil {
				return nil, err
			}
			cs.Ops = append(cs.Ops, op)
			i++

		default:
			i++
		}
	}

	if len(cs.Ops) == 0 {
		return nil, fmt.Errorf("invalid change set: no file operations")
	}
	return cs, nil
}

func parseAddOp(lines []string, i int) (FileOp, int) {
	path := strings.TrimRight(strings.TrimPrefix(strings.TrimRight(lines[i], " \t\r"), "*** Add File: "), " \t\r")
	i++

	var content []string
	for i < len(lines) {
		l := lines[i]
		if strings.HasPrefix(strings.TrimRight(l, " \t\r"), "*** ") {
			break
		}
		if strings.HasPrefix(l, "+") {
			content = append(content, l[1:])
		}
		i++
	}
	return FileOp{Kind: OpAdd, Path: path, Content: content}, i
}

func parseUpdateOp(lines []string, i int) (FileOp, int) {
	path := strings.TrimRight(strings.TrimPrefix(strings.TrimRight(lines[i], " \t\r"), "*** Update File: "), " \t\r")
	i++

	op := FileOp{Kind: OpUpdate, Path: path}
	for i < len(lines) {
		l := strings.TrimRight(lines[i], " \t\r")

		if isOpMarker(l) || l == "*** End Patch" {
			break
		}

		switch {
		case strings.HasPrefix(l, "@@"):
			hunk, next := parseHunkLines(lines, i+1, contextHint(l))
			op.Hunks = append(op.Hunks, hunk)
			i = next
		case strings.HasPrefix(l, " ") || strings.HasPrefix(l, "-") || strings.HasPrefix(l, "+"):
			hunk, next := parseHunkLines(lines, i, "")
			op.Hunks = append(op.Hunks, hunk)
			i = next
		default:
			i++
		}
	}
	return op, i
}

func parseHunkLines(lines []string, i int, hint string) (Hunk, int) {
	hunk := Hunk{ContextHint: hint}

	for i < len(lines) {
		l := lines[i]
		trimmed := strings.TrimRight(l, " \t\r")

		if strings.HasPrefix(trimmed, "@@") || isOpMarker(trimmed) || trimmed == "*** End Patch" {
			break
		}
		if trimmed == "*** End of File" {
			i++
			break
		}
		if len(l) == 0 {
			i++
			continue
		}

		rest := l[1:]
		switch l[0] {
		case ' ':
			hunk.MatchLines = append(hunk.MatchLines, rest)
			hunk.ReplaceLines = append(hunk.ReplaceLines, rest)
		case '-':
			hunk.MatchLines = append(hunk.MatchLines, rest)
		case '+':
			hunk.AddLines = append(hunk.AddLines, rest)
			hunk.ReplaceLines = append(hunk.ReplaceLines, rest)
		default:
			// Unrecognized prefix lines count as context.
			hunk.MatchLines = append(hunk.MatchLines, l)
			hunk.ReplaceLines = append(hunk.ReplaceLines, l)
		}
		i++
	}
	return hunk, i
}

func contextHint(line string) string {
	hint := strings.TrimPrefix(line, "@@@")
	if hint != line {
		if idx := strings.Index(hint, "@@@"); idx >= 0 {
			hint = hint[:idx]
		}
		return strings.TrimSpace(hint)
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "@@"))
}

func isOpMarker(line string) bool {
	return strings.HasPrefix(line, "*** Add File:") ||
		strings.HasPrefix(line, "*** Delete File:") ||
		strings.HasPrefix(line, "*** Update File:") ||
		strings.HasPrefix(line, "*** Move File:")
}

func parseMoveOp(line string) (FileOp, error) {
	rest := strings.TrimRight(strings.TrimPrefix(line, "*** Move File: "), " \t\r")
	parts := strings.SplitN(rest, " -> ", 2)
	if len(parts) != 2 {
		return FileOp{}, fmt.Errorf("invalid move syntax: expected 'old/path -> new/path', got %q", rest)
	}
	return FileOp{
		Kind:   OpMove,
		Path:   strings.TrimSpace(parts[0]),
		MoveTo: strings.TrimSpace(parts[1]),
	}, nil
}

// Apply applies the change set under repoDir. Paths are confined to the repo
// root; an operation that escapes it fails the whole apply. Callers are
// expected to have run guardrail checks on TargetPaths first.
func (c *ChangeSet) Apply(repoDir string) (*ApplyResult, error) {
	result := &ApplyResult{}

	for _, op := range c.Ops {
		abs, err := confine(repoDir, op.Path)
		if err != nil {
			return nil, err
		}

		switch op.Kind {
		case OpAdd:
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, fmt.Errorf("add %s: %w", op.Path, err)
			}
			if err := os.WriteFile(abs, []byte(strings.Join(op.Content, "\n")+"\n"), 0o644); err != nil {
				return nil, fmt.Errorf("add %s: %w", op.Path, err)
			}
			result.FilesCreated++
			result.Details = append(result.Details, "Added: "+op.Path)

		case OpDelete:
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("delete %s: %w", op.Path, err)
			}
			result.FilesDeleted++
			result.Details = append(result.Details, "Deleted: "+op.Path)

		case OpUpdate:
			if err := applyUpdateOp(abs, op); err != nil {
				return nil, err
			}
			result.FilesModified++
			result.Details = append(result.Details, "Updated: "+op.Path)

		case OpMove:
			dest, err := confine(repoDir, op.MoveTo)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return nil, fmt.Errorf("move %s: %w", op.Path, err)
			}
			if err := os.Rename(abs, dest); err != nil {
				return nil, fmt.Errorf("move %s -> %s: %w", op.Path, op.MoveTo, err)
			}
			result.FilesMoved++
			result.Details = append(result.Details, fmt.Sprintf("Moved: %s -> %s", op.Path, op.MoveTo))

		default:
			return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
		}
	}
	return result, nil
}

func applyUpdateOp(abs string, op FileOp) error {
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read %s for update: %w", op.Path, err)
	}

	fileLines := strings.Split(string(data), "\n")
	for _, hunk := range op.Hunks {
		fileLines = applyHunk(fileLines, hunk)
	}

	if err := os.WriteFile(abs, []byte(strings.Join(fileLines, "\n")), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", op.Path, err)
	}
	return nil
}

// applyHunk replaces the match lines with the replace lines. Exact matching
// tolerates trailing whitespace; the fuzzy fallback trims both sides to
// survive indentation drift between the patch and the file.
func applyHunk(fileLines []string, hunk Hunk) []string {
	if len(hunk.MatchLines) == 0 {
		return append(fileLines, hunk.AddLines...)
	}

	idx := findSequence(fileLines, hunk.MatchLines, func(s string) string { return strings.TrimRight(s, " \t") })
	if idx < 0 {
		idx = findSequence(fileLines, hunk.MatchLines, strings.TrimSpace)
	}
	if idx < 0 {
		// Hunk location not found; append the additions rather than failing
		// the whole change set.
		return append(fileLines, hunk.AddLines...)
	}

	result := make([]string, 0, len(fileLines)+len(hunk.ReplaceLines)-len(hunk.MatchLines))
	result = append(result, fileLines[:idx]...)
	result = append(result, hunk.ReplaceLines...)
	result = append(result, fileLines[idx+len(hunk.MatchLines):]...)
	return result
}

func findSequence(fileLines, seq []string, norm func(string) string) int {
	if len(seq) == 0 || len(fileLines) < len(seq) {
		return -1
	}
	for i := 0; i <= len(fileLines)-len(seq); i++ {
		match := true
		for j := range seq {
			if norm(fileLines[i+j]) != norm(seq[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// confine resolves a repo-relative path and rejects escapes above repoDir.
func confine(repoDir, rel string) (string, error) {
	clean := filepath.Clean(strings.TrimPrefix(filepath.ToSlash(rel), "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the repository root", rel)
	}
	return filepath.Join(repoDir, clean), nil
}
