package docker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/canto-dev/canto/internal/env"
	"github.com/canto-dev/canto/internal/module"
	"github.com/canto-dev/canto/internal/process"
)

// Container is the observed state of one compose-managed container.
type Container struct {
	Name    string   `json:"name"`
	Service string   `json:"service"`
	State   string   `json:"state"`
	Running bool     `json:"running"`
	Ports   []string `json:"ports,omitempty"`
}

// Executor runs compose stacks through the docker CLI while the registry
// tracks a "logs -f" tail as the module's long-running process.
type Executor struct {
	cli *CLI
	reg *process.Registry
	env *env.Env
	log *slog.Logger
}

func NewExecutor(cli *CLI, reg *process.Registry, e *env.Env, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{cli: cli, reg: reg, env: e, log: log}
}

// mergedEnv composes the environment for compose invocations: root .env file
// values overridden by the module's own env map, layered on the process env.
func (x *Executor) mergedEnv(def module.Definition) []string {
	var perModule []string
	envFile := def.Docker.EnvFile
	if envFile == "" {
		candidate := filepath.Join(filepath.Dir(def.Docker.ComposeFile), ".env")
		if _, err := os.Stat(candidate); err == nil {
			envFile = candidate
		}
	}
	if envFile != "" {
		if pairs, err := env.LoadFile(envFile); err == nil {
			for k, v := range pairs {
				perModule = append(perModule, k+"="+v)
			}
		} else {
			x.log.Warn("env file not loaded", "module", def.Name, "path", envFile, "err", err)
		}
	}
	perModule = append(perModule, def.EnvList()...)
	if x.env != nil {
		return x.env.Merge(perModule)
	}
	return perModule
}

func (x *Executor) composeArgs(def module.Definition, verb string, extra ...string) []string {
	args := []string{"compose", "-f", def.Docker.ComposeFile, verb}
	args = append(args, extra...)
	args = append(args, def.Docker.Services...)
	return args
}

// Start brings the stack up synchronously, then spawns the logs tail as the
// registry-tracked process for the module name.
func (x *Executor) Start(ctx context.Context, def module.Definition) process.Result {
	merged := x.mergedEnv(def)

	res, err := x.cli.Run(ctx, merged, x.composeArgs(def, "up", "-d")...)
	if err != nil {
		return process.Result{ID: def.Name, Err: err.Error()}
	}
	if err := res.errorOrNil("compose up"); err != nil {
		return process.Result{ID: def.Name, Err: err.Error()}
	}
	x.log.Info("compose stack up", "module", def.Name, "file", def.Docker.ComposeFile)

	// The tail keeps the module RUNNING for as long as the stack is up;
	// "up -d" itself exits immediately.
	tail := strings.Join(append(
		[]string{"docker", "compose", "-f", def.Docker.ComposeFile, "logs", "-f", "--no-color"},
		def.Docker.Services...), " ")
	return x.reg.Spawn(process.SpawnReq{
		ID:      def.Name,
		Command: tail,
		Env:     merged,
	})
}

// Stop stops the tracked logs tail, then tears the containers down.
func (x *Executor) Stop(ctx context.Context, def module.Definition) process.Result {
	if x.reg.IsRunning(def.Name) {
		if res := x.reg.Stop(def.Name); !res.OK {
			x.log.Warn("log tail stop failed", "module", def.Name, "err", res.Err)
		}
	}
	res, err := x.cli.Run(ctx, x.mergedEnv(def), x.composeArgs(def, "down")...)
	if err != nil {
		return process.Result{ID: def.Name, Err: err.Error()}
	}
	if err := res.errorOrNil("compose down"); err != nil {
		return process.Result{ID: def.Name, Err: err.Error()}
	}
	x.log.Info("compose stack down", "module", def.Name)
	return process.Result{ID: def.Name, OK: true}
}

// Restart is stop followed by start.
func (x *Executor) Restart(ctx context.Context, def module.Definition) process.Result {
	if res := x.Stop(ctx, def); !res.OK {
		return res
	}
	return x.Start(ctx, def)
}

// Containers lists the live container states for the module's services.
// Any query failure degrades to an empty result so a transient daemon
// hiccup never breaks status aggregation.
func (x *Executor) Containers(ctx context.Context, def module.Definition) []Container {
	res, err := x.cli.Run(ctx, x.mergedEnv(def),
		x.composeArgs(def, "ps", "--all", "--format", "json")...)
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	return parsePS(res.Stdout)
}

// psEntry mirrors the fields of "docker compose ps --format json" output.
type psEntry struct {
	Name       string `json:"Name"`
	Service    string `json:"Service"`
	State      string `json:"State"`
	Publishers []struct {
		URL           string `json:"URL"`
		TargetPort    int    `json:"TargetPort"`
		PublishedPort int    `json:"PublishedPort"`
		Protocol      string `json:"Protocol"`
	} `json:"Publishers"`
}

// parsePS handles both line-delimited objects (compose v2.21+) and a single
// JSON array (older releases). Unparseable input yields nil.
func parsePS(out string) []Container {
	var entries []psEntry
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil
		}
	} else {
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var e psEntry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
	}
	out2 := make([]Container, 0, len(entries))
	for _, e := range entries {
		c := Container{
			Name:    e.Name,
			Service: e.Service,
			State:   e.State,
			Running: strings.EqualFold(e.State, "running"),
		}
		for _, p := range e.Publishers {
			if p.PublishedPort == 0 {
				continue
			}
			c.Ports = append(c.Ports, formatPort(p.PublishedPort, p.TargetPort, p.Protocol))
		}
		out2 = append(out2, c)
	}
	return out2
}

func formatPort(published, target int, proto string) string {
	s := strconv.Itoa(published) + "->" + strconv.Itoa(target)
	if proto != "" {
		s += "/" + proto
	}
	return s
}
