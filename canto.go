// Package canto is a local development environment launcher. It starts the
// modules declared in canto.toml in dependency order, captures their output,
// restarts them when they crash, and aggregates their status.
package canto

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/canto-dev/canto/internal/aggregator"
	"github.com/canto-dev/canto/internal/config"
	"github.com/canto-dev/canto/internal/docker"
	"github.com/canto-dev/canto/internal/logcap"
	"github.com/canto-dev/canto/internal/logger"
	"github.com/canto-dev/canto/internal/metrics"
	"github.com/canto-dev/canto/internal/module"
	"github.com/canto-dev/canto/internal/orchestrator"
	"github.com/canto-dev/canto/internal/process"
	"github.com/canto-dev/canto/internal/restart"
	"github.com/canto-dev/canto/internal/server"
	"github.com/canto-dev/canto/internal/store"
	"github.com/canto-dev/canto/internal/store/factory"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Definition = module.Definition

type Kind = module.Kind

const (
	KindWorkspace = module.KindWorkspace
	KindDocker    = module.KindDocker
	KindCustom    = module.KindCustom
)

type ModuleStatus = aggregator.ModuleStatus

type StartResult = orchestrator.StartResult

type Result = process.Result

type Chunk = logcap.Chunk

type Event = store.Event

type Config = config.Config

type RestartPolicy = restart.Policy

// LoadConfig reads and validates a canto.toml file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App wires the launcher together: process registry, log capture, docker
// executor, module orchestrator, restart engine, status aggregator, and the
// optional history store.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	capture *logcap.Capture
	reg     *process.Registry
	dock    *docker.Executor
	orch    *orchestrator.Orchestrator
	engine  *restart.Engine
	agg     *aggregator.Aggregator
	hist    store.Store
}

// New builds an App from cfg and loads the configured modules. The status
// aggregator is not started; call Run (or Aggregator().Start) when the
// launcher should begin polling.
func New(cfg *config.Config) (*App, error) {
	log := logger.New(slog.LevelInfo)
	envv, err := cfg.BuildEnv()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	a.capture = logcap.New(cfg.Log)
	a.reg = process.NewRegistry(a.capture, log)

	cli, cliErr := docker.NewCLI()
	if cliErr == nil {
		a.dock = docker.NewExecutor(cli, a.reg, envv, log)
	} else if hasDockerModule(cfg.Modules) {
		return nil, fmt.Errorf("config declares docker modules: %w", cliErr)
	}

	a.orch = orchestrator.New(a.reg, a.dock, envv, log)
	if err := a.orch.Load(cfg.Modules); err != nil {
		return nil, err
	}

	a.engine = restart.NewEngine(cfg.Restart, func(name string) {
		a.recordEvent(name, store.ActionAutoRestart, 0, 0, "")
		a.orch.Start(context.Background(), name)
		a.agg.MarkDirty(name)
	}, log)
	a.engine.SetGiveUpFunc(func(name string, failures int) {
		a.recordEvent(name, store.ActionGiveUp, 0, 0, fmt.Sprintf("after %d failures", failures))
	})

	a.agg = aggregator.New(a.orch, a.reg, a.dock, a.engine, log)
	if cfg.Status.PollInterval > 0 {
		a.agg.SetInterval(cfg.Status.PollInterval)
	}

	a.reg.SetNotify(func(id string, st process.Status) {
		a.agg.MarkDirty(id)
		a.engine.Observe(id, st)
		a.recordTransition(id, st)
	})

	if dsn := cfg.Store.DSN; dsn != "" {
		h, err := factory.NewFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = h.EnsureSchema(ctx)
		cancel()
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("history store schema: %w", err)
		}
		a.hist = h
	}

	return a, nil
}

func hasDockerModule(defs []module.Definition) bool {
	for _, d := range defs {
		if d.Kind == module.KindDocker && !d.Disabled {
			return true
		}
	}
	return false
}

// Run starts status polling. It does not start any modules.
func (a *App) Run() { a.agg.Start() }

// Start brings up one module and its transitive dependencies in order.
func (a *App) Start(ctx context.Context, name string) []StartResult {
	a.engine.Reset(name)
	return a.orch.Start(ctx, name)
}

// StartAll brings up every enabled module in dependency order.
func (a *App) StartAll(ctx context.Context) []StartResult {
	return a.orch.StartAll(ctx)
}

// Stop stops a module after stopping its running dependents.
func (a *App) Stop(ctx context.Context, name string) []Result {
	a.engine.Reset(name)
	return a.orch.Stop(ctx, name)
}

// StopAll stops every module in reverse dependency order.
func (a *App) StopAll(ctx context.Context) []Result {
	for _, name := range a.orch.ModuleNames() {
		a.engine.Reset(name)
	}
	return a.orch.StopAll(ctx)
}

// Restart stops and starts one module. The restart engine is reset first so
// a manual restart always gets a fresh retry budget.
func (a *App) Restart(ctx context.Context, name string) []StartResult {
	a.engine.Reset(name)
	return a.orch.Restart(ctx, name)
}

// ModuleNames returns the loaded module names in declaration order.
func (a *App) ModuleNames() []string { return a.orch.ModuleNames() }

// Module returns the definition for name.
func (a *App) Module(name string) (Definition, bool) { return a.orch.Module(name) }

// IsRunning reports whether the module's tracked process is running.
func (a *App) IsRunning(name string) bool { return a.reg.IsRunning(name) }

// PID returns the OS pid of the module's tracked process, or 0.
func (a *App) PID(name string) int { return a.reg.PID(name) }

// Status returns the lifecycle state string for the module.
func (a *App) Status(name string) string { return a.reg.StatusOf(name).String() }

// Snapshot returns the current aggregated status of all loaded modules.
func (a *App) Snapshot() []ModuleStatus { return a.agg.Snapshot() }

// ForceUpdate refreshes all module statuses synchronously.
func (a *App) ForceUpdate() { a.agg.ForceUpdate() }

// Subscribe registers fn for status snapshots. fn is invoked synchronously
// with the current snapshot before Subscribe returns.
func (a *App) Subscribe(fn func([]ModuleStatus)) uint64 { return a.agg.Subscribe(fn) }

// Unsubscribe removes a status subscription.
func (a *App) Unsubscribe(token uint64) { a.agg.Unsubscribe(token) }

// Logs returns up to n recent log chunks for a module.
func (a *App) Logs(name string, n int) []Chunk { return a.capture.Recent(name, n) }

// SubscribeLogs streams new log chunks for a module to fn.
func (a *App) SubscribeLogs(name string, fn func(Chunk)) uint64 {
	return a.capture.Subscribe(name, fn)
}

// UnsubscribeLogs removes a log subscription.
func (a *App) UnsubscribeLogs(name string, token uint64) { a.capture.Unsubscribe(name, token) }

// History returns recent lifecycle events, newest first. An empty name
// selects all modules. Returns nil when no store is configured.
func (a *App) History(ctx context.Context, name string, limit int) ([]Event, error) {
	if a.hist == nil {
		return nil, nil
	}
	return a.hist.RecentEvents(ctx, name, limit)
}

// Orchestrator exposes the module orchestrator for embedding.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Aggregator exposes the status aggregator for embedding.
func (a *App) Aggregator() *aggregator.Aggregator { return a.agg }

// NewHTTPServer starts the HTTP API on addr.
func (a *App) NewHTTPServer(addr, basePath string) (*http.Server, error) {
	return server.NewServer(addr, basePath, server.Deps{
		Orch:   a.orch,
		Agg:    a.agg,
		Logs:   a.capture,
		Engine: a.engine,
		Hist:   a.hist,
	})
}

// Close shuts the launcher down: stop polling, cancel pending restarts, stop
// all tracked processes, flush log files, close the history store.
func (a *App) Close(ctx context.Context) []Result {
	a.agg.Stop()
	a.engine.Cleanup()
	results := a.orch.StopAll(ctx)
	a.capture.CloseAll()
	if a.hist != nil {
		_ = a.hist.Close()
	}
	return results
}

func (a *App) recordTransition(id string, st process.Status) {
	switch st {
	case process.StatusRunning:
		rec, _ := a.reg.Snapshot(id)
		a.recordEvent(id, store.ActionStarted, rec.PID, 0, "")
	case process.StatusStopped:
		rec, _ := a.reg.Snapshot(id)
		a.recordEvent(id, store.ActionStopped, rec.PID, rec.ExitCode, "")
	case process.StatusFailed:
		rec, _ := a.reg.Snapshot(id)
		a.recordEvent(id, store.ActionFailed, rec.PID, rec.ExitCode, rec.LastError)
	}
}

// recordEvent persists one lifecycle event, best-effort.
func (a *App) recordEvent(name, action string, pid, exitCode int, detail string) {
	if a.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := store.Event{Module: name, Action: action, PID: pid, ExitCode: exitCode, Detail: detail, OccurredAt: time.Now()}
	if err := a.hist.RecordEvent(ctx, ev); err != nil {
		a.log.Warn("record event failed", "module", name, "action", action, "err", err)
	}
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
