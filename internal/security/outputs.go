// Package security guards the file names and directories that reach the
// scan outputs from untrusted requests.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is wrapped by WithinDirectory rejections.
var ErrOutsideRoot = fmt.Errorf("path escapes output root")

// WithinDirectory reports an error unless path resolves inside root. Symlinks
// are followed through the deepest existing ancestor, so a link inside root
// pointing elsewhere is rejected even when the final path does not exist yet.
func WithinDirectory(path, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	real, err := resolveExisting(filepath.Clean(path))
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(realRoot, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside %s", ErrOutsideRoot, path, root)
	}
	return nil
}

// resolveExisting evaluates symlinks in the longest existing prefix of path
// and appends the rest unchanged.
func resolveExisting(path string) (string, error) {
	var rest []string
	p := path
	for {
		if _, err := os.Lstat(p); err == nil {
			real, err := filepath.EvalSymlinks(p)
			if err != nil {
				return "", fmt.Errorf("resolve %s: %w", p, err)
			}
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return path, nil
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}

// maxBaseName bounds sanitised names; the numeric and delay suffixes are
// appended after it.
const maxBaseName = 96

// SanitizeBaseName reduces s to a file stem of ASCII letters, digits and
// ".-_=", replacing runs of anything else with a single underscore. It
// returns "" when nothing usable is left.
func SanitizeBaseName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(s) {
		if b.Len() >= maxBaseName {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '=':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "._")
}
