package env

import (
	"strings"
	"testing"
)

func lookup(t *testing.T, out []string, key string) string {
	t.Helper()
	for _, kv := range out {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	t.Fatalf("%s not in %v", key, out)
	return ""
}

func TestMergePrecedence(t *testing.T) {
	t.Setenv("INITR_ENV_BASE", "os")
	t.Setenv("INITR_ENV_SHARED", "os")

	e := New()
	e.Set("INITR_ENV_SHARED", "override")
	e.Set("INITR_ENV_GLOBAL", "override")

	out := e.Merge([]string{"INITR_ENV_SHARED=service", "INITR_ENV_OWN=service"})
	if got := lookup(t, out, "INITR_ENV_BASE"); got != "os" {
		t.Fatalf("inherited value lost: %q", got)
	}
	if got := lookup(t, out, "INITR_ENV_GLOBAL"); got != "override" {
		t.Fatalf("override lost: %q", got)
	}
	if got := lookup(t, out, "INITR_ENV_SHARED"); got != "service" {
		t.Fatalf("service entry should win, got %q", got)
	}
	if got := lookup(t, out, "INITR_ENV_OWN"); got != "service" {
		t.Fatalf("service entry lost: %q", got)
	}
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New()
	e.Set("APP_HOME", "/srv/app")
	out := e.Merge([]string{"APP_DATA=${APP_HOME}/data", "APP_MISSING=${NO_SUCH_VAR}x"})
	if got := lookup(t, out, "APP_DATA"); got != "/srv/app/data" {
		t.Fatalf("expansion failed: %q", got)
	}
	if got := lookup(t, out, "APP_MISSING"); got != "x" {
		t.Fatalf("unknown reference should expand empty, got %q", got)
	}
}

func TestMergeDropsMalformedEntries(t *testing.T) {
	e := New()
	e.Set("", "ignored")
	out := e.Merge([]string{"=value", "noequals", "OK=1"})
	if got := lookup(t, out, "OK"); got != "1" {
		t.Fatalf("well-formed entry lost: %q", got)
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "=") || !strings.Contains(kv, "=") {
			t.Fatalf("malformed entry survived: %q", kv)
		}
	}
}
