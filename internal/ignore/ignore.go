// Package ignore parses and applies tar-style exclude-pattern files against
// workspace-relative paths.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Patterns is an ordered list of non-empty, non-comment glob lines parsed
// from a workspace-root ignore file.
type Patterns struct {
	lines []string
}

// Parse reads an ignore file, skipping blank lines and lines whose first
// non-whitespace character is '#'. Each remaining line is trimmed.
func Parse(r io.Reader) (*Patterns, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ignore file: %w", err)
	}
	return &Patterns{lines: lines}, nil
}

// Lines returns the parsed patterns in file order. Re-serialising these one
// per line reproduces the original non-blank, non-comment lines, trimmed of
// surrounding whitespace.
func (p *Patterns) Lines() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// Match reports whether relPath (workspace-relative, forward-slash
// separated) is excluded. A pattern matches if it matches the whole
// relative path, or matches any single path component (the "basename"
// sense), at any depth — so excluding a directory by name also excludes
// everything beneath it, the way tar's `--exclude` treats a bare directory
// name.
func (p *Patterns) Match(relPath string) bool {
	if p == nil || len(p.lines) == 0 {
		return false
	}
	clean := path.Clean(strings.TrimPrefix(relPath, "/"))
	if clean == "." {
		return false
	}
	parts := strings.Split(clean, "/")
	for i := range parts {
		prefix := strings.Join(parts[:i+1], "/")
		component := parts[i]
		for _, pat := range p.lines {
			if ok, _ := doublestar.Match(pat, prefix); ok {
				return true
			}
			if ok, _ := doublestar.Match(pat, component); ok {
				return true
			}
		}
	}
	return false
}
