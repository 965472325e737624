// Package config loads the canto.toml file into validated module
// definitions and global settings. The orchestrator treats the result as an
// opaque, already-validated input.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/canto-dev/canto/internal/env"
	"github.com/canto-dev/canto/internal/logger"
	"github.com/canto-dev/canto/internal/module"
	"github.com/canto-dev/canto/internal/restart"
)

// Config is the top-level TOML structure.
//
// Example:
//
//	env = ["NODE_ENV=development"]
//	env_files = [".env"]
//	use_os_env = true
//
//	[log]
//	dir = "./.canto/logs"
//
//	[status]
//	poll_interval = "2s"
//
//	[restart]
//	base_delay = "1s"
//	max_delay = "30s"
//	max_retries = 5
//	stable_uptime = "30s"
//
//	[server]
//	listen = "127.0.0.1:7777"
//
//	[store]
//	dsn = "sqlite://.canto/history.db"
//
//	[[modules]]
//	name = "db"
//	kind = "docker"
//	[modules.docker]
//	compose_file = "docker-compose.yml"
//	services = ["postgres"]
//
//	[[modules]]
//	name = "api"
//	kind = "workspace"
//	depends_on = ["db"]
//	[modules.workspace]
//	dir = "./packages/api"
//	command = "npm run dev"
type Config struct {
	Env      []string            `mapstructure:"env"`
	EnvFiles []string            `mapstructure:"env_files"`
	UseOSEnv bool                `mapstructure:"use_os_env"`
	Log      logger.Config       `mapstructure:"log"`
	Status   StatusConfig        `mapstructure:"status"`
	Restart  restart.Policy      `mapstructure:"restart"`
	Server   ServerConfig        `mapstructure:"server"`
	Store    StoreConfig         `mapstructure:"store"`
	Modules  []module.Definition `mapstructure:"modules"`
}

type StatusConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads and validates the TOML config at path. Module-level validation
// happens here; graph-level checks (cycles, undefined references) happen in
// the orchestrator's Load.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	// Modules almost always need PATH and friends; opting out is explicit.
	v.SetDefault("use_os_env", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, m := range c.Modules {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// BuildEnv composes the global environment for spawned modules: optional OS
// base, env_files in order, then the top-level env list as final overrides.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.Isolate()
	}
	for _, p := range c.EnvFiles {
		pairs, err := env.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
		for k, val := range pairs {
			e.Set(k, val)
		}
	}
	for _, kv := range c.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				e.Set(kv[:i], kv[i+1:])
				break
			}
		}
	}
	return e, nil
}
