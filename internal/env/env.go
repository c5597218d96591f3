package env

import (
	"os"
	"sort"
	"strings"
)

// DataDirVar is the variable the child reads its data directory from.
const DataDirVar = "DATA_DIR"

type Vars map[string]string

// Env composes the environment handed to the sidecar child.
// Precedence, lowest first: OS environment, configured vars, per-launch overrides.
type Env struct {
	Vars Vars // configured variables (K->V)
	base Vars // cached OS environment
}

func New() *Env {
	return &Env{Vars: make(Vars)}
}

// FromOS caches the current process environment as the base layer.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// Set sets a configured variable.
func (e *Env) Set(k, v string) {
	if e.Vars == nil {
		e.Vars = make(Vars)
	}
	e.Vars[k] = v
}

// SetPairs sets every "K=V" entry of kvs; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
}

// Unset removes a configured variable.
func (e *Env) Unset(k string) {
	delete(e.Vars, k)
}

// Merge returns the sorted "K=V" list for a launch. overrides are "K=V" pairs
// applied last. Values may reference other variables as ${VAR}; expansion is a
// single pass over the composed map.
func (e *Env) Merge(overrides ...string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Vars, len(e.base)+len(e.Vars)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Vars {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(overrides) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Lookup returns the value of k in a "K=V" list, last one wins.
func Lookup(kvs []string, k string) (string, bool) {
	var (
		val   string
		found bool
	)
	prefix := k + "="
	for _, kv := range kvs {
		if strings.HasPrefix(kv, prefix) {
			val, found = kv[len(prefix):], true
		}
	}
	return val, found
}

func parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
