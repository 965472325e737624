// Package orchestrator resolves the declarative module graph into start and
// stop sequences and delegates process control to the registry (or, for
// docker-kind modules, to the compose executor).
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canto-dev/canto/internal/docker"
	"github.com/canto-dev/canto/internal/env"
	"github.com/canto-dev/canto/internal/module"
	"github.com/canto-dev/canto/internal/process"
)

// StartResult reports the outcome for one module of a start sequence.
type StartResult struct {
	Name              string `json:"name"`
	OK                bool   `json:"ok"`
	AlreadyRunning    bool   `json:"already_running,omitempty"`
	SkippedDependency bool   `json:"skipped_dependency,omitempty"`
	Err               string `json:"error,omitempty"`
}

// Orchestrator owns the active module definition set. Definitions are
// replaced wholesale by Load and never mutated in place.
type Orchestrator struct {
	mu        sync.RWMutex
	byName    map[string]module.Definition
	declOrder []string

	reg    *process.Registry
	dock   *docker.Executor
	env    *env.Env
	log    *slog.Logger
	settle time.Duration
}

func New(reg *process.Registry, dock *docker.Executor, e *env.Env, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		byName: make(map[string]module.Definition),
		reg:    reg,
		dock:   dock,
		env:    e,
		log:    log,
		settle: process.DefaultSettleDelay,
	}
}

// SetSettleDelay overrides the pause between stop and start on Restart.
func (o *Orchestrator) SetSettleDelay(d time.Duration) {
	o.mu.Lock()
	o.settle = d
	o.mu.Unlock()
}

// Load replaces the active module set. An invalid configuration (duplicate
// name, undefined reference, dependency cycle) rejects the entire load and
// leaves the previous set in effect. Running processes are not touched.
func (o *Orchestrator) Load(defs []module.Definition) error {
	if err := validateGraph(defs); err != nil {
		return err
	}
	byName := make(map[string]module.Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
		order = append(order, d.Name)
	}
	o.mu.Lock()
	o.byName = byName
	o.declOrder = order
	o.mu.Unlock()
	o.log.Info("module set loaded", "modules", len(defs))
	return nil
}

// Module returns the definition for name.
func (o *Orchestrator) Module(name string) (module.Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.byName[name]
	return d, ok
}

// ModuleNames returns all loaded names in declaration order.
func (o *Orchestrator) ModuleNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.declOrder...)
}

func (o *Orchestrator) graphSnapshot() (map[string]module.Definition, []string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.byName, append([]string(nil), o.declOrder...)
}

// Start starts name and its transitive dependency closure in dependency
// order. Naming a disabled module starts it anyway; disabled modules pulled
// in only as dependencies are skipped. Modules already running are skipped;
// dependents of a failed dependency are reported as skipped, never silently
// omitted.
func (o *Orchestrator) Start(ctx context.Context, name string) []StartResult {
	byName, _ := o.graphSnapshot()
	if _, ok := byName[name]; !ok {
		return []StartResult{{Name: name, Err: "unknown module: " + name}}
	}
	return o.startSequence(ctx, closure(name, byName), byName, name)
}

// StartAll starts every enabled module in one stable topological order,
// ties broken by declaration order.
func (o *Orchestrator) StartAll(ctx context.Context) []StartResult {
	byName, decl := o.graphSnapshot()
	enabled := make([]string, 0, len(decl))
	for _, n := range decl {
		if !byName[n].Disabled {
			enabled = append(enabled, n)
		}
	}
	return o.startSequence(ctx, topoAll(enabled, byName), byName, "")
}

// startSequence walks order and starts each module. explicit names the one
// module a caller asked for by name; only that module may start while
// disabled. A disabled dependency that is not already running counts as
// failed for its dependents.
func (o *Orchestrator) startSequence(ctx context.Context, order []string, byName map[string]module.Definition, explicit string) []StartResult {
	failed := make(map[string]bool)
	results := make([]StartResult, 0, len(order))

	for _, n := range order {
		def := byName[n]
		if depFailed(def, failed) {
			failed[n] = true
			results = append(results, StartResult{
				Name:              n,
				SkippedDependency: true,
				Err:               "dependency failed to start",
			})
			continue
		}
		if o.reg.IsRunning(n) {
			results = append(results, StartResult{Name: n, OK: true, AlreadyRunning: true})
			continue
		}
		if def.Disabled && n != explicit {
			failed[n] = true
			results = append(results, StartResult{Name: n, Err: "module disabled"})
			continue
		}
		res := o.startModule(ctx, def)
		if !res.OK {
			failed[n] = true
		}
		results = append(results, StartResult{Name: n, OK: res.OK, Err: res.Err})
	}
	return results
}

func depFailed(def module.Definition, failed map[string]bool) bool {
	for _, dep := range def.DependsOn {
		if failed[dep] {
			return true
		}
	}
	return false
}

// startModule dispatches on the module kind. The switch is exhaustive over
// the closed kind set.
func (o *Orchestrator) startModule(ctx context.Context, def module.Definition) process.Result {
	switch def.Kind {
	case module.KindWorkspace:
		return o.reg.Spawn(process.SpawnReq{
			ID:      def.Name,
			Command: def.Workspace.Command,
			Dir:     def.Workspace.Dir,
			Env:     o.mergedEnv(def),
		})
	case module.KindCustom:
		return o.reg.Spawn(process.SpawnReq{
			ID:      def.Name,
			Command: def.Custom.Command,
			Dir:     def.Custom.Dir,
			Env:     o.mergedEnv(def),
		})
	case module.KindDocker:
		if o.dock == nil {
			return process.Result{ID: def.Name, Err: "docker unavailable: no docker binary found"}
		}
		return o.dock.Start(ctx, def)
	default:
		return process.Result{ID: def.Name, Err: "unknown module kind: " + string(def.Kind)}
	}
}

func (o *Orchestrator) stopModule(ctx context.Context, def module.Definition) process.Result {
	switch def.Kind {
	case module.KindDocker:
		if o.dock == nil {
			return process.Result{ID: def.Name, Err: "docker unavailable: no docker binary found"}
		}
		return o.dock.Stop(ctx, def)
	case module.KindWorkspace, module.KindCustom:
		return o.reg.Stop(def.Name)
	default:
		return process.Result{ID: def.Name, Err: "unknown module kind: " + string(def.Kind)}
	}
}

func (o *Orchestrator) mergedEnv(def module.Definition) []string {
	if o.env != nil {
		return o.env.Merge(def.EnvList())
	}
	return def.EnvList()
}

// Stop stops name together with its running transitive dependents,
// consumers first, so downstream modules never observe a vanished provider.
func (o *Orchestrator) Stop(ctx context.Context, name string) []process.Result {
	byName, decl := o.graphSnapshot()
	if _, ok := byName[name]; !ok {
		return []process.Result{{ID: name, Err: "unknown module: " + name}}
	}
	order := append(dependents(name, decl, byName), name)
	var results []process.Result
	for _, n := range order {
		if n != name && !o.reg.IsRunning(n) {
			continue
		}
		results = append(results, o.stopModule(ctx, byName[n]))
	}
	return results
}

// StopAll stops every running module in reverse topological order.
func (o *Orchestrator) StopAll(ctx context.Context) []process.Result {
	byName, decl := o.graphSnapshot()
	order := topoAll(decl, byName)
	var results []process.Result
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		def := byName[n]
		if !o.reg.IsRunning(n) {
			// Docker stacks still need a compose down when the log tail has
			// already gone away but containers were ever brought up.
			if _, tracked := o.reg.Snapshot(n); def.Kind != module.KindDocker || !tracked {
				continue
			}
		}
		results = append(results, o.stopModule(ctx, def))
	}
	return results
}

// Restart stops and starts a single module, leaving its dependencies alone.
func (o *Orchestrator) Restart(ctx context.Context, name string) []StartResult {
	byName, _ := o.graphSnapshot()
	def, ok := byName[name]
	if !ok {
		return []StartResult{{Name: name, Err: "unknown module: " + name}}
	}
	if o.reg.IsRunning(name) || def.Kind == module.KindDocker {
		if res := o.stopModule(ctx, def); !res.OK && o.reg.IsRunning(name) {
			return []StartResult{{Name: name, Err: res.Err}}
		}
	}
	o.mu.RLock()
	settle := o.settle
	o.mu.RUnlock()
	if settle > 0 {
		time.Sleep(settle)
	}
	res := o.startModule(ctx, def)
	return []StartResult{{Name: name, OK: res.OK, Err: res.Err}}
}
