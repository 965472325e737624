package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canto-dev/canto/internal/module"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "canto.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadFullConfig(t *testing.T) {
	p := writeConfig(t, `
env = ["GLOBAL=1"]
use_os_env = false

[log]
dir = "/tmp/canto-logs"
max_size_mb = 5

[status]
poll_interval = "500ms"

[restart]
base_delay = "2s"
max_delay = "20s"
max_retries = 4
stable_uptime = "45s"

[server]
listen = "127.0.0.1:9999"
base_path = "/api"

[store]
dsn = "sqlite:.canto/history.db"

[[modules]]
name = "db"
kind = "docker"
[modules.docker]
compose_file = "docker-compose.yml"
services = ["postgres"]

[[modules]]
name = "api"
kind = "workspace"
depends_on = ["db"]
[modules.env]
PORT = "3000"
[modules.workspace]
dir = "services/api"
command = "npm run dev"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.UseOSEnv {
		t.Fatalf("use_os_env=false not honored")
	}
	if c.Log.Dir != "/tmp/canto-logs" || c.Log.MaxSizeMB != 5 {
		t.Fatalf("log config: %+v", c.Log)
	}
	if c.Status.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval: %s", c.Status.PollInterval)
	}
	if c.Restart.MaxRetries != 4 || c.Restart.BaseDelay != 2*time.Second || c.Restart.StableUptime != 45*time.Second {
		t.Fatalf("restart policy: %+v", c.Restart)
	}
	if c.Server.Listen != "127.0.0.1:9999" || c.Server.BasePath != "/api" {
		t.Fatalf("server config: %+v", c.Server)
	}
	if c.Store.DSN != "sqlite:.canto/history.db" {
		t.Fatalf("store dsn: %q", c.Store.DSN)
	}
	if len(c.Modules) != 2 {
		t.Fatalf("modules: %+v", c.Modules)
	}
	db, api := c.Modules[0], c.Modules[1]
	if db.Kind != module.KindDocker || db.Docker.Services[0] != "postgres" {
		t.Fatalf("db module: %+v", db)
	}
	if api.Kind != module.KindWorkspace || api.DependsOn[0] != "db" || api.Env["PORT"] != "3000" {
		t.Fatalf("api module: %+v", api)
	}
	if api.Workspace.Command != "npm run dev" {
		t.Fatalf("workspace command: %q", api.Workspace.Command)
	}
}

func TestLoadDefaultsOSEnv(t *testing.T) {
	p := writeConfig(t, `
[[modules]]
name = "m"
kind = "custom"
[modules.custom]
command = "true"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.UseOSEnv {
		t.Fatalf("use_os_env should default to true")
	}
}

func TestLoadRejectsInvalidModule(t *testing.T) {
	p := writeConfig(t, `
[[modules]]
name = "broken"
kind = "workspace"
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("workspace without command must be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBuildEnvLayering(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "x.env")
	if err := os.WriteFile(envFile, []byte("FROM_FILE=file\nSHARED=file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	c := &Config{
		UseOSEnv: false,
		EnvFiles: []string{envFile},
		Env:      []string{"SHARED=toplevel", "EXTRA=e"},
	}
	e, err := c.BuildEnv()
	if err != nil {
		t.Fatalf("BuildEnv: %v", err)
	}
	m := make(map[string]string)
	for _, kv := range e.Merge(nil) {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if m["FROM_FILE"] != "file" || m["EXTRA"] != "e" {
		t.Fatalf("layers missing: %v", m)
	}
	if m["SHARED"] != "toplevel" {
		t.Fatalf("env list must override env files: %q", m["SHARED"])
	}
}

func TestBuildEnvMissingFile(t *testing.T) {
	c := &Config{EnvFiles: []string{filepath.Join(t.TempDir(), "none.env")}}
	if _, err := c.BuildEnv(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
