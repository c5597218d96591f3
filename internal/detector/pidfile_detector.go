package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFileDetector detects a process via a pid file written by the launcher.
// The first line is the pid, an optional second line holds {"identity":<ms>}.
type PIDFileDetector struct {
	PIDFile string
}

type pidMeta struct {
	Identity int64 `json:"identity"`
}

// Read parses the pid file into a PIDDetector.
func (d PIDFileDetector) Read() (PIDDetector, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		return PIDDetector{}, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return PIDDetector{}, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}
	var m pidMeta
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &m)
	}
	return PIDDetector{PID: pid, Identity: m.Identity}, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	pd, err := d.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return pd.Alive()
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// WritePIDFile stores pid and identity in the format read by PIDFileDetector.
func WritePIDFile(path string, pid int, identity int64) error {
	b, _ := json.Marshal(pidMeta{Identity: identity})
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o600)
}
