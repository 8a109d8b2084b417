// Package env composes the environment handed to spawned services:
// the inherited process environment, then supervisor-wide overrides,
// then the service's own entries, with ${VAR} expansion over the
// merged set.
package env

import (
	"os"
	"strings"
)

// Env layers supervisor-wide variables over the inherited process
// environment. Use New; the zero value has no override map.
type Env struct {
	overrides map[string]string
	base      map[string]string // inherited process environment, cached once
}

func New() *Env {
	return &Env{overrides: make(map[string]string)}
}

// Set adds or replaces a supervisor-wide variable.
func (e *Env) Set(key, value string) {
	if key == "" {
		return
	}
	e.overrides[key] = value
}

// Merge builds the final KEY=VALUE list for one service. Precedence,
// lowest first: inherited environment, supervisor-wide overrides, the
// service's own entries. ${VAR} references are expanded against the
// merged set; unknown references expand to the empty string. Entries
// without '=' or with an empty key are dropped.
func (e *Env) Merge(service []string) []string {
	if e.base == nil {
		e.base = fromOS()
	}
	merged := make(map[string]string, len(e.base)+len(e.overrides)+len(service))
	for k, v := range e.base {
		merged[k] = v
	}
	for k, v := range e.overrides {
		merged[k] = v
	}
	for _, kv := range service {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+os.Expand(v, func(ref string) string { return merged[ref] }))
	}
	return out
}

func fromOS() map[string]string {
	environ := os.Environ()
	base := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	return base
}
