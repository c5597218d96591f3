package process

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// LaunchMode selects how the sidecar child is invoked.
type LaunchMode int

const (
	// Standalone runs the packaged binary directly, without arguments.
	Standalone LaunchMode = iota
	// Interpreted runs the configured runtime with a script path argument.
	Interpreted
)

func (m LaunchMode) String() string {
	switch m {
	case Standalone:
		return "standalone"
	case Interpreted:
		return "interpreted"
	default:
		return "unknown"
	}
}

// DefaultDevMarkers are install path fragments that identify a development build.
var DefaultDevMarkers = []string{"target/debug", "go-build"}

// ResolveMode decides the launch mode from the install path string alone.
// The path is treated as a development build when it contains any marker.
// This substring heuristic is brittle: an installed app living under a
// directory that happens to contain a marker is launched in interpreted mode.
func ResolveMode(installPath string, markers []string) LaunchMode {
	if _, ok := matchMarker(installPath, markers); ok {
		return Interpreted
	}
	return Standalone
}

// matchMarker returns the install root (the path prefix before the first
// matching marker) when installPath contains one of markers.
func matchMarker(installPath string, markers []string) (string, bool) {
	p := filepath.ToSlash(installPath)
	for _, m := range markers {
		m = strings.Trim(filepath.ToSlash(m), "/")
		if m == "" {
			continue
		}
		if i := strings.Index(p, "/"+m+"/"); i >= 0 {
			return filepath.FromSlash(p[:i]), true
		}
		if strings.HasPrefix(p, m+"/") {
			return ".", true
		}
	}
	return "", false
}

// Plan is a resolved command line for one launch.
type Plan struct {
	Mode    LaunchMode
	Program string
	Args    []string
	Dir     string
}

// ResolvePlan builds the command line for the given install path.
func ResolvePlan(cfg Config, installPath string) (Plan, error) {
	markers := cfg.DevMarkers
	if markers == nil {
		markers = DefaultDevMarkers
	}
	if root, ok := matchMarker(installPath, markers); ok {
		if cfg.Runtime == "" || cfg.Script == "" {
			return Plan{}, fmt.Errorf("%w: interpreted mode requires runtime and script", ErrSpawnFailed)
		}
		script := cfg.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(root, script)
		}
		return Plan{Mode: Interpreted, Program: cfg.Runtime, Args: []string{script}, Dir: root}, nil
	}
	if cfg.Binary == "" {
		return Plan{}, fmt.Errorf("%w: standalone mode requires binary", ErrSpawnFailed)
	}
	dir := filepath.Dir(installPath)
	bin := cfg.Binary
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(dir, bin)
	}
	if runtime.GOOS == "windows" && filepath.Ext(bin) == "" {
		bin += ".exe"
	}
	return Plan{Mode: Standalone, Program: bin, Dir: dir}, nil
}
