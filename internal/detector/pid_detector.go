package detector

import (
	"context"
	"errors"
	"fmt"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Identity returns the creation time of pid in unix milliseconds, or 0 when
// it cannot be determined. Together with the pid it identifies one process
// instance, so a recycled pid is not mistaken for the child.
func Identity(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcessWithContext(context.Background(), int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}

// PIDDetector detects a process by pid, optionally pinned to an Identity.
type PIDDetector struct {
	PID      int
	Identity int64 // 0 disables the identity check
}

// Alive reports whether the pid exists, is not a zombie and, when Identity
// is set, still belongs to the same process instance.
func (d PIDDetector) Alive() (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	p, err := gopsproc.NewProcessWithContext(context.Background(), int32(d.PID))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	if st, err := p.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false, nil
	}
	if d.Identity != 0 {
		if cur := Identity(d.PID); cur != 0 && cur != d.Identity {
			return false, nil // pid reused
		}
	}
	return true, nil
}

// Reused reports whether the pid now belongs to a different process than the
// one Identity was taken from. Unknown identities are never reported as reused.
func (d PIDDetector) Reused() bool {
	if d.Identity == 0 {
		return false
	}
	cur := Identity(d.PID)
	return cur != 0 && cur != d.Identity
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }
