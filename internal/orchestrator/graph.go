package orchestrator

import (
	"fmt"

	"github.com/canto-dev/canto/internal/module"
)

// validateGraph checks a module set for duplicate names, references to
// undefined modules, and dependency cycles. The caller rejects the whole
// load on any error so the orchestrator never holds an inconsistent graph.
func validateGraph(defs []module.Definition) error {
	byName := make(map[string]module.Definition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := byName[d.Name]; dup {
			return fmt.Errorf("duplicate module name: %s", d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("module %s depends on undefined module %s", d.Name, dep)
			}
		}
	}
	return detectCycle(defs, byName)
}

func detectCycle(defs []module.Definition, byName map[string]module.Definition) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(defs))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("dependency cycle: %s", cyclePath(path, name))
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for _, d := range defs {
		if err := visit(d.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(path []string, repeat string) string {
	s := ""
	start := 0
	for i, n := range path {
		if n == repeat {
			start = i
			break
		}
	}
	for _, n := range path[start:] {
		s += n + " -> "
	}
	return s + repeat
}

// closure returns the transitive dependency closure of name in topological
// order (dependencies first), visiting dependency lists in declared order
// for determinism.
func closure(name string, byName map[string]module.Definition) []string {
	seen := make(map[string]bool)
	var order []string
	var visit func(n string)
	visit = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, dep := range byName[n].DependsOn {
			visit(dep)
		}
		order = append(order, n)
	}
	visit(name)
	return order
}

// topoAll returns every name in names in a stable topological order:
// dependencies first, ties broken by declaration order.
func topoAll(names []string, byName map[string]module.Definition) []string {
	seen := make(map[string]bool)
	var order []string
	var visit func(n string)
	visit = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, dep := range byName[n].DependsOn {
			visit(dep)
		}
		order = append(order, n)
	}
	for _, n := range names {
		visit(n)
	}
	return order
}

// dependents returns the transitive dependents of name (modules that
// directly or indirectly depend on it), ordered so that the furthest
// dependents come first. Used to stop a subgraph safely.
func dependents(name string, declOrder []string, byName map[string]module.Definition) []string {
	dependsOn := func(n, target string) bool {
		for _, d := range closure(n, byName) {
			if d == target && d != n {
				return true
			}
		}
		return false
	}
	var deps []string
	for _, n := range declOrder {
		if n != name && dependsOn(n, name) {
			deps = append(deps, n)
		}
	}
	// Reverse topological order: stop consumers before their providers.
	sorted := topoAll(deps, byName)
	out := make([]string, 0, len(deps))
	keep := make(map[string]bool, len(deps))
	for _, n := range deps {
		keep[n] = true
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if keep[sorted[i]] {
			out = append(out, sorted[i])
		}
	}
	return out
}
