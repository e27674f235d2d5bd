// Package security contains filesystem guards for paths and names
// derived from request input.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory reports an error unless path resolves to a
// location inside root. Symlinks in both arguments are resolved before
// comparing, so a link pointing out of root cannot smuggle a path past
// the check.
func ValidatePathWithinDirectory(path, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("resolve root symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalRoot, canonicalize(absPath))
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, root)
	}
	return nil
}

// canonicalize resolves symlinks in an absolute path. When the path does
// not exist yet, the deepest existing ancestor is resolved instead and
// the missing suffix re-joined, so "dir/link/new.txt" with link pointing
// elsewhere still maps to its real destination.
func canonicalize(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	for dir := filepath.Dir(abs); dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(dir, abs)
		if err != nil {
			break
		}
		return filepath.Join(resolved, rel)
	}
	return abs
}

// SanitizeFilename reduces an arbitrary identifier to a string safe to
// embed in a file name. Anything outside ASCII letters, digits, dot,
// underscore and dash becomes a single underscore, runs of rejects
// collapse, and the result is capped at 128 bytes. Input that sanitizes
// to nothing comes back as "unknown".
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	squashed := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			squashed = false
		case !squashed:
			b.WriteByte('_')
			squashed = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
