package canto

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/canto-dev/canto/internal/store"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "canto.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestAppLifecycle(t *testing.T) {
	requireUnix(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfgPath := writeConfig(t, `
[store]
dsn = "sqlite:`+dbPath+`"

[[modules]]
name = "base"
kind = "custom"
[modules.custom]
command = "sleep 30"

[[modules]]
name = "svc"
kind = "custom"
depends_on = ["base"]
[modules.custom]
command = "sleep 30"
`)
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	app, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	results := app.StartAll(ctx)
	if len(results) != 2 {
		t.Fatalf("expected 2 start results: %+v", results)
	}
	for _, r := range results {
		if !r.OK {
			t.Fatalf("start %s: %+v", r.Name, r)
		}
	}

	app.ForceUpdate()
	snap := app.Snapshot()
	if len(snap) != 2 || snap[0].Name != "base" || snap[1].Name != "svc" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	for _, st := range snap {
		if st.State != "running" {
			t.Fatalf("%s should be running: %+v", st.Name, st)
		}
	}

	events, err := app.History(ctx, "", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	started := 0
	for _, ev := range events {
		if ev.Action == store.ActionStarted {
			started++
		}
	}
	if started != 2 {
		t.Fatalf("expected 2 started events, got %+v", events)
	}

	stopResults := app.Close(ctx)
	for _, r := range stopResults {
		if !r.OK {
			t.Fatalf("close stop %s: %+v", r.ID, r)
		}
	}
}

func TestCrashLoopReachesRetryCeiling(t *testing.T) {
	requireUnix(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfgPath := writeConfig(t, `
[store]
dsn = "sqlite:`+dbPath+`"

[restart]
base_delay = "20ms"
max_delay = "100ms"
max_retries = 3

[[modules]]
name = "boom"
kind = "custom"
[modules.custom]
command = "sh -c 'exit 1'"
`)
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	app, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close(context.Background())

	ctx := context.Background()
	app.Start(ctx, "boom")

	// The module spawns fine and dies immediately, over and over. The
	// momentary RUNNING between attempts must not reset the failure count,
	// so with a ceiling of 3 the engine restarts twice and then gives up.
	deadline := time.Now().Add(5 * time.Second)
	gaveUp := false
	for !gaveUp && time.Now().Before(deadline) {
		events, err := app.History(ctx, "boom", 50)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		for _, ev := range events {
			if ev.Action == store.ActionGiveUp {
				gaveUp = true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !gaveUp {
		t.Fatalf("give-up never recorded for a persistent crash loop")
	}

	time.Sleep(150 * time.Millisecond)
	events, err := app.History(ctx, "boom", 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	restarts, giveUps := 0, 0
	for _, ev := range events {
		switch ev.Action {
		case store.ActionAutoRestart:
			restarts++
		case store.ActionGiveUp:
			giveUps++
		}
	}
	if restarts != 2 {
		t.Fatalf("ceiling 3 means exactly 2 restart attempts, got %d", restarts)
	}
	if giveUps != 1 {
		t.Fatalf("give-up must be recorded exactly once, got %d", giveUps)
	}
}

func TestSubscribeSeesTransitions(t *testing.T) {
	requireUnix(t)
	cfgPath := writeConfig(t, `
[[modules]]
name = "svc"
kind = "custom"
[modules.custom]
command = "sleep 30"
`)
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	app, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close(context.Background())

	got := make(chan []ModuleStatus, 8)
	app.Subscribe(func(snap []ModuleStatus) {
		select {
		case got <- snap:
		default:
		}
	})
	// First delivery is synchronous, before any refresh.
	select {
	case snap := <-got:
		if len(snap) != 0 {
			t.Fatalf("expected empty initial snapshot, got %+v", snap)
		}
	default:
		t.Fatalf("no immediate snapshot delivered")
	}

	app.Start(context.Background(), "svc")
	app.ForceUpdate()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-got:
			if len(snap) == 1 && snap[0].State == "running" {
				return
			}
		case <-deadline:
			t.Fatalf("running status never published")
		}
	}
}
