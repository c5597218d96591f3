package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/detector"
	"github.com/loykin/sidecar/internal/event"
)

// Output is one record of the child's stream: a line of stdout/stderr, or the
// final exit record. Exited records are always last.
type Output struct {
	Line     string
	Stream   event.Stream
	Exited   bool
	ExitCode *int // nil when the exit code is unknown (e.g. killed by a signal)
	Err      error
}

// Child is a running sidecar instance returned by Launcher.Launch.
type Child struct {
	PID       int
	Identity  int64
	Mode      LaunchMode
	DataDir   string
	StartedAt time.Time

	cmd     *exec.Cmd
	out     chan Output
	done    chan struct{}
	pidFile string
}

func newChild(cmd *exec.Cmd, mode LaunchMode, dataDir string, startedAt time.Time, identity int64, pidFile string) *Child {
	return &Child{
		PID:       cmd.Process.Pid,
		Identity:  identity,
		Mode:      mode,
		DataDir:   dataDir,
		StartedAt: startedAt,
		cmd:       cmd,
		out:       make(chan Output, 64),
		done:      make(chan struct{}),
		pidFile:   pidFile,
	}
}

// Output returns the child's stream. It is closed after the exit record.
func (c *Child) Output() <-chan Output { return c.out }

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// stream drains both pipes line by line and reaps the child once they close.
// cmd.Wait must only run after all pipe reads have completed.
func (c *Child) stream(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go c.readLines(&wg, stdout, event.Stdout)
	go c.readLines(&wg, stderr, event.Stderr)
	go func() {
		wg.Wait()
		err := c.cmd.Wait()
		c.out <- Output{Exited: true, ExitCode: exitCode(c.cmd, err), Err: err}
		close(c.out)
		c.removePIDFile()
		close(c.done)
	}()
}

// removePIDFile deletes the pid file unless a newer child has overwritten it.
func (c *Child) removePIDFile() {
	if c.pidFile == "" {
		return
	}
	pd, err := detector.PIDFileDetector{PIDFile: c.pidFile}.Read()
	if err == nil && pd.PID == c.PID {
		_ = os.Remove(c.pidFile)
	}
}

func (c *Child) readLines(wg *sync.WaitGroup, r io.Reader, s event.Stream) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			c.out <- Output{Line: strings.TrimRight(line, "\r\n"), Stream: s}
		}
		if err != nil {
			return
		}
	}
}

func exitCode(cmd *exec.Cmd, err error) *int {
	ps := cmd.ProcessState
	if ps == nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			ps = ee.ProcessState
		}
	}
	if ps == nil {
		return nil
	}
	code := ps.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}
