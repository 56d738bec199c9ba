// Package secure provides authenticated persistence (SecureSerializer) and
// defensive archive extraction (SecureTarExtractor), plus the shared path
// traversal guard both rely on.
package secure

import (
	"path/filepath"
	"strings"
)

// ValidatePath reports whether resolving relPath against base stays
// within base. It is true iff the resolved path is a descendant of
// resolved base (or equal to it).
func ValidatePath(relPath, base string) bool {
	resolvedBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	resolvedBase = filepath.Clean(resolvedBase)

	candidate := relPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(resolvedBase, candidate)
	}
	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return false
	}
	resolved = filepath.Clean(resolved)

	if resolved == resolvedBase {
		return true
	}
	return strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator))
}
