package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/detector"
	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/state"
)

// Config describes how the sidecar child is located and launched.
type Config struct {
	Runtime     string   `json:"runtime" mapstructure:"runtime"`         // interpreter used in interpreted mode, e.g. "bun"
	Script      string   `json:"script" mapstructure:"script"`           // script path, relative to the install root
	Binary      string   `json:"binary" mapstructure:"binary"`           // packaged binary, relative to the executable's directory
	DevMarkers  []string `json:"dev_markers" mapstructure:"dev_markers"` // install path fragments meaning "development build"
	SubDirs     []string `json:"sub_dirs" mapstructure:"sub_dirs"`       // created beneath the data directory
	HomeDirName string   `json:"home_dir_name" mapstructure:"home_dir_name"`
	InstallPath string   `json:"install_path" mapstructure:"install_path"` // defaults to os.Executable()
	Env         []string `json:"env" mapstructure:"env"`                   // extra K=V handed to the child
	PIDFile     string   `json:"pid_file" mapstructure:"pid_file"`         // file name inside the data dir; empty disables
}

// LaunchRequest is the transient input of a start or restart.
type LaunchRequest struct {
	DataDir string `json:"data_directory"`
}

// Launcher spawns the sidecar child and registers it in the shared state.
type Launcher struct {
	mu        sync.Mutex
	cfg       Config
	preferred string
	st        *state.State
	env       *env.Env
	term      Terminator
	log       *slog.Logger
}

func NewLauncher(cfg Config, st *state.State, e *env.Env, term Terminator, log *slog.Logger) *Launcher {
	if e == nil {
		e = env.New()
	}
	if term == nil {
		term = Signaler{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SubDirs == nil {
		cfg.SubDirs = DefaultSubDirs
	}
	e.SetPairs(cfg.Env)
	return &Launcher{cfg: cfg, st: st, env: e, term: term, log: log}
}

// SetPreferredDataDir sets the saved data directory used when a request has none.
func (l *Launcher) SetPreferredDataDir(dir string) {
	l.mu.Lock()
	l.preferred = dir
	l.mu.Unlock()
}

// DataDir resolves the effective data directory for req without creating it.
func (l *Launcher) DataDir(req LaunchRequest) (string, error) {
	l.mu.Lock()
	preferred := l.preferred
	l.mu.Unlock()
	return ResolveDataDir(req.DataDir, preferred, l.cfg.HomeDirName)
}

// Plan resolves the command line from the install path.
func (l *Launcher) Plan() (Plan, error) {
	install := l.cfg.InstallPath
	if install == "" {
		exe, err := os.Executable()
		if err != nil {
			return Plan{}, fmt.Errorf("%w: locate executable: %v", ErrSpawnFailed, err)
		}
		install = exe
	}
	return ResolvePlan(l.cfg, install)
}

// Launch prepares the data directory, spawns the child and records its pid in
// the shared state before any output is streamed.
func (l *Launcher) Launch(req LaunchRequest) (*Child, error) {
	dataDir, err := l.DataDir(req)
	if err != nil {
		return nil, err
	}
	if err := EnsureDataDirs(dataDir, l.cfg.SubDirs); err != nil {
		return nil, err
	}
	plan, err := l.Plan()
	if err != nil {
		return nil, err
	}
	pidFile := l.pidFilePath(dataDir)
	l.reapStale(pidFile)

	// #nosec G204 -- program comes from supervisor configuration
	cmd := exec.Command(plan.Program, plan.Args...)
	cmd.Dir = plan.Dir
	cmd.Env = l.env.Merge(env.DataDirVar + "=" + dataDir)
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, plan.Program, err)
	}
	pid := cmd.Process.Pid
	identity := detector.Identity(pid)
	l.st.Record(pid, identity)

	if pidFile != "" {
		if err := detector.WritePIDFile(pidFile, pid, identity); err != nil {
			l.log.Warn("write pid file failed", "path", pidFile, "error", err)
		}
	}

	c := newChild(cmd, plan.Mode, dataDir, startedAt, identity, pidFile)
	c.stream(stdout, stderr)
	l.log.Info("sidecar spawned", "pid", pid, "mode", plan.Mode.String(), "program", plan.Program, "data_dir", dataDir)
	return c, nil
}

func (l *Launcher) pidFilePath(dataDir string) string {
	if l.cfg.PIDFile == "" {
		return ""
	}
	if filepath.IsAbs(l.cfg.PIDFile) {
		return l.cfg.PIDFile
	}
	return filepath.Join(dataDir, l.cfg.PIDFile)
}

// reapStale kills a child left behind by a previous supervisor run whose pid
// file still points at a live process with the recorded identity.
func (l *Launcher) reapStale(pidFile string) {
	if pidFile == "" {
		return
	}
	pd, err := detector.PIDFileDetector{PIDFile: pidFile}.Read()
	if err != nil {
		return
	}
	if pd.Identity == 0 || pd.PID == l.st.PID() {
		return
	}
	if alive, _ := pd.Alive(); !alive {
		_ = os.Remove(pidFile)
		return
	}
	l.log.Warn("killing orphaned sidecar from previous run", "pid", pd.PID)
	if err := l.term.Terminate(pd.PID, false); err != nil && !errors.Is(err, ErrProcessGone) {
		l.log.Warn("kill orphaned sidecar failed", "pid", pd.PID, "error", err)
	}
	_ = os.Remove(pidFile)
}
