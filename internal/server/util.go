package server

import (
	"path/filepath"
	"strings"
)

// sanitizeBase turns a mount prefix into "" or "/segment" with no trailing slash.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isCleanAbsPath accepts an empty data directory or an absolute path that
// filepath.Clean leaves unchanged apart from trailing separators. Paths with
// "." or ".." segments are rejected rather than resolved.
func isCleanAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if strings.ContainsRune(p, 0) || !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	if clean == p {
		return true
	}
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	return trimmed != "" && clean == trimmed
}
