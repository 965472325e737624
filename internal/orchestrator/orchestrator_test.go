package orchestrator

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/canto-dev/canto/internal/module"
	"github.com/canto-dev/canto/internal/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *process.Registry) {
	t.Helper()
	reg := process.NewRegistry(nil, nil)
	o := New(reg, nil, nil, nil)
	o.SetSettleDelay(10 * time.Millisecond)
	t.Cleanup(func() { reg.Cleanup() })
	return o, reg
}

func sleeper(name string, deps ...string) module.Definition {
	return module.Definition{
		Name:      name,
		Kind:      module.KindCustom,
		DependsOn: deps,
		Custom:    module.Custom{Command: "sleep 30"},
	}
}

func TestLoadRejectionKeepsPreviousSet(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.Load([]module.Definition{sleeper("a")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := o.Load([]module.Definition{sleeper("x", "y"), sleeper("y", "x")})
	if err == nil {
		t.Fatalf("cyclic load must fail")
	}
	if got := o.ModuleNames(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("previous set not preserved: %v", got)
	}
}

func TestStartBringsUpDependenciesInOrder(t *testing.T) {
	requireUnix(t)
	o, reg := newTestOrchestrator(t)
	defs := []module.Definition{sleeper("db"), sleeper("api", "db"), sleeper("web", "api")}
	if err := o.Load(defs); err != nil {
		t.Fatalf("load: %v", err)
	}
	results := o.Start(context.Background(), "web")
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %+v", results)
	}
	wantOrder := []string{"db", "api", "web"}
	for i, r := range results {
		if r.Name != wantOrder[i] || !r.OK {
			t.Fatalf("result %d = %+v, want %s ok", i, r, wantOrder[i])
		}
	}
	for _, n := range wantOrder {
		if !reg.IsRunning(n) {
			t.Fatalf("%s not running after start", n)
		}
	}
}

func TestStartSkipsAlreadyRunning(t *testing.T) {
	requireUnix(t)
	o, reg := newTestOrchestrator(t)
	if err := o.Load([]module.Definition{sleeper("db"), sleeper("api", "db")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	o.Start(context.Background(), "db")
	pid := reg.PID("db")

	results := o.Start(context.Background(), "api")
	if len(results) != 2 {
		t.Fatalf("expected 2 results: %+v", results)
	}
	if !results[0].AlreadyRunning || !results[0].OK {
		t.Fatalf("db should report already running: %+v", results[0])
	}
	if reg.PID("db") != pid {
		t.Fatalf("running dependency was restarted")
	}
}

func TestStartSkipsDependentsOfFailedDependency(t *testing.T) {
	requireUnix(t)
	o, _ := newTestOrchestrator(t)
	broken := module.Definition{
		Name:   "broken",
		Kind:   module.KindCustom,
		Custom: module.Custom{Command: "sleep 30", Dir: "/nonexistent-dir-for-test"},
	}
	defs := []module.Definition{broken, sleeper("api", "broken"), sleeper("web", "api")}
	if err := o.Load(defs); err != nil {
		t.Fatalf("load: %v", err)
	}
	results := o.Start(context.Background(), "web")
	if results[0].OK {
		t.Fatalf("broken should fail: %+v", results[0])
	}
	for _, r := range results[1:] {
		if !r.SkippedDependency || r.OK {
			t.Fatalf("dependent %s should be skipped: %+v", r.Name, r)
		}
		if !strings.Contains(r.Err, "dependency") {
			t.Fatalf("skip reason missing: %+v", r)
		}
	}
}

func TestStartUnknownModule(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	results := o.Start(context.Background(), "ghost")
	if len(results) != 1 || results[0].OK || !strings.Contains(results[0].Err, "unknown module") {
		t.Fatalf("unexpected: %+v", results)
	}
}

func TestStartAllHonorsDisabled(t *testing.T) {
	requireUnix(t)
	o, reg := newTestOrchestrator(t)
	off := sleeper("off")
	off.Disabled = true
	if err := o.Load([]module.Definition{sleeper("on"), off}); err != nil {
		t.Fatalf("load: %v", err)
	}
	results := o.StartAll(context.Background())
	if len(results) != 1 || results[0].Name != "on" {
		t.Fatalf("disabled module should be omitted: %+v", results)
	}
	if reg.IsRunning("off") {
		t.Fatalf("disabled module was started")
	}
}

func TestDisabledDependencySkipsDependents(t *testing.T) {
	requireUnix(t)
	o, reg := newTestOrchestrator(t)
	db := sleeper("db")
	db.Disabled = true
	if err := o.Load([]module.Definition{db, sleeper("api", "db")}); err != nil {
		t.Fatalf("load: %v", err)
	}

	results := o.StartAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results: %+v", results)
	}
	if results[0].Name != "db" || results[0].OK || !strings.Contains(results[0].Err, "disabled") {
		t.Fatalf("disabled dependency should be reported, not started: %+v", results[0])
	}
	if results[1].Name != "api" || !results[1].SkippedDependency {
		t.Fatalf("dependent of disabled module should be skipped: %+v", results[1])
	}
	if reg.IsRunning("db") || reg.IsRunning("api") {
		t.Fatalf("nothing should be running")
	}
}

func TestExplicitStartOverridesDisabled(t *testing.T) {
	requireUnix(t)
	o, reg := newTestOrchestrator(t)
	db := sleeper("db")
	db.Disabled = true
	if err := o.Load([]module.Definition{db, sleeper("api", "db")}); err != nil {
		t.Fatalf("load: %v", err)
	}

	results := o.Start(context.Background(), "db")
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("naming a disabled module must start it: %+v", results)
	}
	if !reg.IsRunning("db") {
		t.Fatalf("db not running")
	}

	// With the disabled dependency already up, its dependents start fine.
	results = o.StartAll(context.Background())
	for _, r := range results {
		if !r.OK {
			t.Fatalf("start %s: %+v", r.Name, r)
		}
	}
	if !reg.IsRunning("api") {
		t.Fatalf("api not running")
	}
}

func TestDockerModuleWithoutExecutor(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	db := module.Definition{
		Name:   "db",
		Kind:   module.KindDocker,
		Docker: module.Docker{ComposeFile: "docker-compose.yml"},
	}
	if err := o.Load([]module.Definition{db}); err != nil {
		t.Fatalf("load: %v", err)
	}

	results := o.Start(context.Background(), "db")
	if len(results) != 1 || results[0].OK || !strings.Contains(results[0].Err, "docker unavailable") {
		t.Fatalf("start without executor should error, not panic: %+v", results)
	}
	stops := o.Stop(context.Background(), "db")
	if len(stops) != 1 || stops[0].OK || !strings.Contains(stops[0].Err, "docker unavailable") {
		t.Fatalf("stop without executor should error, not panic: %+v", stops)
	}
	restarts := o.Restart(context.Background(), "db")
	if len(restarts) != 1 || restarts[0].OK || !strings.Contains(restarts[0].Err, "docker unavailable") {
		t.Fatalf("restart without executor should error, not panic: %+v", restarts)
	}
}

func TestStopTakesDownDependentsFirst(t *testing.T) {
	requireUnix(t)
	o, reg := newTestOrchestrator(t)
	defs := []module.Definition{sleeper("db"), sleeper("api", "db")}
	if err := o.Load(defs); err != nil {
		t.Fatalf("load: %v", err)
	}
	o.Start(context.Background(), "api")

	results := o.Stop(context.Background(), "db")
	if len(results) != 2 || results[0].ID != "api" || results[1].ID != "db" {
		t.Fatalf("unexpected stop order: %+v", results)
	}
	for _, r := range results {
		if !r.OK {
			t.Fatalf("stop %s: %+v", r.ID, r)
		}
	}
	if reg.IsRunning("api") || reg.IsRunning("db") {
		t.Fatalf("modules still running after stop")
	}
}

func TestStopSkipsIdleDependents(t *testing.T) {
	requireUnix(t)
	o, _ := newTestOrchestrator(t)
	defs := []module.Definition{sleeper("db"), sleeper("api", "db")}
	if err := o.Load(defs); err != nil {
		t.Fatalf("load: %v", err)
	}
	o.Start(context.Background(), "db")
	results := o.Stop(context.Background(), "db")
	if len(results) != 1 || results[0].ID != "db" {
		t.Fatalf("idle dependent should be skipped: %+v", results)
	}
}

func TestRestartYieldsNewProcess(t *testing.T) {
	requireUnix(t)
	o, reg := newTestOrchestrator(t)
	if err := o.Load([]module.Definition{sleeper("svc")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	o.Start(context.Background(), "svc")
	old := reg.PID("svc")

	results := o.Restart(context.Background(), "svc")
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("restart: %+v", results)
	}
	if got := reg.PID("svc"); got == 0 || got == old {
		t.Fatalf("expected a fresh pid, got %d (old %d)", got, old)
	}
}
