package depgraph

import (
	"errors"
	"strings"
	"testing"

	"github.com/loykin/initr/internal/service"
)

func specs(pairs ...[2]string) []service.Spec {
	out := make([]service.Spec, 0, len(pairs))
	for _, p := range pairs {
		s := service.Spec{Name: p[0], Command: "true"}
		if p[1] != "" {
			s.StartAfter = strings.Split(p[1], ",")
		}
		out = append(out, s)
	}
	return out
}

func TestBuild_StartOrderRespectsDependencies(t *testing.T) {
	g, err := Build(specs(
		[2]string{"web", "db,cache"},
		[2]string{"db", ""},
		[2]string{"cache", "db"},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	order := g.StartOrder()
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	if pos["db"] > pos["cache"] || pos["cache"] > pos["web"] || pos["db"] > pos["web"] {
		t.Fatalf("start order violates dependencies: %v", order)
	}
}

func TestBuild_ShutdownOrderIsReverseOfStartOrder(t *testing.T) {
	g, err := Build(specs(
		[2]string{"a", ""},
		[2]string{"b", "a"},
		[2]string{"c", "b"},
		[2]string{"d", "a"},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	start := g.StartOrder()
	down := g.ShutdownOrder()
	if len(start) != len(down) {
		t.Fatalf("order length mismatch: %d vs %d", len(start), len(down))
	}
	for i := range start {
		if start[i] != down[len(down)-1-i] {
			t.Fatalf("shutdown order is not the reverse of start order: %v vs %v", start, down)
		}
	}
}

func TestBuild_DeclarationOrderBreaksTies(t *testing.T) {
	// No edges at all: the topological order must fall back to the order the
	// services were declared in.
	g, err := Build(specs(
		[2]string{"zeta", ""},
		[2]string{"alpha", ""},
		[2]string{"mid", ""},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := g.StartOrder()
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want declaration order %v, got %v", want, got)
		}
	}
}

func TestBuild_CycleReportsMembers(t *testing.T) {
	_, err := Build(specs(
		[2]string{"a", "c"},
		[2]string{"b", "a"},
		[2]string{"c", "b"},
		[2]string{"lone", ""},
	))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if len(ce.Cycle) == 0 {
		t.Fatalf("cycle members not reported: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("cycle error %q does not mention %q", err.Error(), name)
		}
	}
	if strings.Contains(err.Error(), "lone") {
		t.Errorf("cycle error %q names a service outside the cycle", err.Error())
	}
}

func TestBuild_SelfDependencyIsACycle(t *testing.T) {
	_, err := Build(specs([2]string{"a", "a"}))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError for self-dependency, got %v", err)
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build(specs([2]string{"web", "ghost"}))
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected error naming the unknown dependency, got %v", err)
	}
}

func TestBuild_DuplicateName(t *testing.T) {
	_, err := Build(specs([2]string{"web", ""}, [2]string{"web", ""}))
	if err == nil || !strings.Contains(err.Error(), "web") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestReadyToStart(t *testing.T) {
	g, err := Build(specs(
		[2]string{"db", ""},
		[2]string{"cache", "db"},
		[2]string{"web", "db,cache"},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := g.ReadyToStart(nil)
	if len(got) != 1 || got[0] != "db" {
		t.Fatalf("with nothing satisfied only db should be eligible, got %v", got)
	}
	got = g.ReadyToStart(map[string]bool{"db": true})
	if len(got) != 1 || got[0] != "cache" {
		t.Fatalf("db satisfied should release only cache, got %v", got)
	}
	got = g.ReadyToStart(map[string]bool{"db": true, "cache": true})
	if len(got) != 1 || got[0] != "web" {
		t.Fatalf("db and cache satisfied should release web, got %v", got)
	}
	got = g.ReadyToStart(map[string]bool{"db": true, "cache": true, "web": true})
	if len(got) != 0 {
		t.Fatalf("everything satisfied should release nothing, got %v", got)
	}
}

func TestDependentsAndDependencies(t *testing.T) {
	g, err := Build(specs(
		[2]string{"db", ""},
		[2]string{"web", "db"},
		[2]string{"worker", "db"},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	deps := g.Dependencies("web")
	if len(deps) != 1 || deps[0] != "db" {
		t.Fatalf("unexpected dependencies for web: %v", deps)
	}
	dependents := g.Dependents("db")
	if len(dependents) != 2 {
		t.Fatalf("expected two dependents of db, got %v", dependents)
	}
}
