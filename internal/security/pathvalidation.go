package security

import (
	"fmt"
	"path"
	"strings"
)

// CleanKey validates an object key taken from a catalog or command line and
// returns it in canonical slash form. Keys must be relative and must not
// climb out of the store root.
func CleanKey(key string) (string, error) {
	if strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("object key %q contains NUL", key)
	}
	k := strings.ReplaceAll(key, "\\", "/")
	if k == "" || strings.HasPrefix(k, "/") {
		return "", fmt.Errorf("object key %q must be a non-empty relative path", key)
	}
	k = path.Clean(k)
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("path traversal detected: %q escapes the store root", key)
	}
	return k, nil
}

// SanitizeFilename makes a safe filename from an arbitrary string. It replaces
// any characters that are not ASCII letters, digits, dot, underscore or dash
// with an underscore, collapses repeated underscores and caps the length.
// Used when a storage path or catalog id becomes a local file name.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	const maxLen = 128
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
