package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSubDirs are created beneath every data directory.
var DefaultSubDirs = []string{"logs", "storage"}

// DefaultHomeDirName is the data directory name under the user's home.
const DefaultHomeDirName = ".sidecar"

// ResolveDataDir returns the effective absolute data directory: requested when
// non-empty, else preferred (the saved setting) when non-empty, else
// ~/homeDirName.
func ResolveDataDir(requested, preferred, homeDirName string) (string, error) {
	for _, d := range []string{requested, preferred} {
		if d = strings.TrimSpace(d); d != "" {
			abs, err := filepath.Abs(d)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrDirectoryCreateFailed, err)
			}
			return abs, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve home directory: %v", ErrDirectoryCreateFailed, err)
	}
	if homeDirName == "" {
		homeDirName = DefaultHomeDirName
	}
	return filepath.Join(home, homeDirName), nil
}

// EnsureDataDirs idempotently creates dir and each of subdirs beneath it.
func EnsureDataDirs(dir string, subdirs []string) error {
	paths := append([]string{dir}, subdirs...)
	for i, p := range paths {
		if i > 0 {
			p = filepath.Join(dir, p)
		}
		if err := os.MkdirAll(p, 0o750); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDirectoryCreateFailed, p, err)
		}
	}
	return nil
}
