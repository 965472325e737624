package orchestrator

import (
	"reflect"
	"strings"
	"testing"

	"github.com/canto-dev/canto/internal/module"
)

func ws(name string, deps ...string) module.Definition {
	return module.Definition{
		Name:      name,
		Kind:      module.KindWorkspace,
		DependsOn: deps,
		Workspace: module.Workspace{Command: "sleep 1"},
	}
}

func index(defs []module.Definition) map[string]module.Definition {
	m := make(map[string]module.Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return m
}

func TestValidateGraphRejectsDuplicates(t *testing.T) {
	err := validateGraph([]module.Definition{ws("a"), ws("a")})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestValidateGraphRejectsUndefinedRef(t *testing.T) {
	err := validateGraph([]module.Definition{ws("a", "ghost")})
	if err == nil || !strings.Contains(err.Error(), "undefined") {
		t.Fatalf("expected undefined-ref error, got %v", err)
	}
}

func TestValidateGraphRejectsCycle(t *testing.T) {
	err := validateGraph([]module.Definition{ws("a", "b"), ws("b", "c"), ws("c", "a")})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
	// The message names the cycle members so the user can fix the config.
	for _, n := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), n) {
			t.Fatalf("cycle message should mention %q: %v", n, err)
		}
	}
}

func TestValidateGraphSelfCycle(t *testing.T) {
	if err := validateGraph([]module.Definition{ws("a", "a")}); err == nil {
		t.Fatalf("self dependency must be rejected")
	}
}

func TestClosureDepsFirst(t *testing.T) {
	defs := []module.Definition{ws("db"), ws("api", "db"), ws("web", "api", "db")}
	got := closure("web", index(defs))
	want := []string{"db", "api", "web"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("closure = %v, want %v", got, want)
	}
}

func TestTopoAllStable(t *testing.T) {
	defs := []module.Definition{ws("web", "api"), ws("api", "db"), ws("db"), ws("jobs", "db")}
	got := topoAll([]string{"web", "api", "db", "jobs"}, index(defs))
	want := []string{"db", "api", "web", "jobs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("topoAll = %v, want %v", got, want)
	}
}

func TestDependentsReverseOrder(t *testing.T) {
	defs := []module.Definition{ws("db"), ws("api", "db"), ws("web", "api"), ws("other")}
	got := dependents("db", []string{"db", "api", "web", "other"}, index(defs))
	want := []string{"web", "api"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dependents = %v, want %v", got, want)
	}
}
