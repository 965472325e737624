package module

import (
	"fmt"
	"strings"
)

// Kind discriminates how a module's start/stop commands are derived.
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindDocker    Kind = "docker"
	KindCustom    Kind = "custom"
)

// Valid reports whether k is one of the closed set of kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkspace, KindDocker, KindCustom:
		return true
	}
	return false
}

// Workspace holds parameters for a workspace dev-server module.
type Workspace struct {
	Dir     string `json:"dir" mapstructure:"dir"`
	Command string `json:"command" mapstructure:"command"`
}

// Docker holds parameters for a docker-compose backed module.
type Docker struct {
	ComposeFile string   `json:"compose_file" mapstructure:"compose_file"`
	Services    []string `json:"services" mapstructure:"services"`
	EnvFile     string   `json:"env_file" mapstructure:"env_file"`
}

// Custom holds parameters for an arbitrary shell-command module.
type Custom struct {
	Dir     string `json:"dir" mapstructure:"dir"`
	Command string `json:"command" mapstructure:"command"`
}

// Definition describes a single managed module. Exactly one of the
// kind-specific blocks is meaningful, selected by Kind.
type Definition struct {
	Name      string            `json:"name" mapstructure:"name"`
	Kind      Kind              `json:"kind" mapstructure:"kind"`
	DependsOn []string          `json:"depends_on" mapstructure:"depends_on"`
	Env       map[string]string `json:"env" mapstructure:"env"`
	Disabled  bool              `json:"disabled" mapstructure:"disabled"`

	Workspace Workspace `json:"workspace" mapstructure:"workspace"`
	Docker    Docker    `json:"docker" mapstructure:"docker"`
	Custom    Custom    `json:"custom" mapstructure:"custom"`
}

// Validate checks the definition in isolation (name, kind, kind parameters).
// Graph-level checks (cycles, unknown references) belong to the orchestrator.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("module name must not be empty")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("module %s: unknown kind %q", d.Name, d.Kind)
	}
	switch d.Kind {
	case KindWorkspace:
		if strings.TrimSpace(d.Workspace.Command) == "" {
			return fmt.Errorf("module %s: workspace command must not be empty", d.Name)
		}
	case KindDocker:
		if strings.TrimSpace(d.Docker.ComposeFile) == "" {
			return fmt.Errorf("module %s: docker compose_file must not be empty", d.Name)
		}
	case KindCustom:
		if strings.TrimSpace(d.Custom.Command) == "" {
			return fmt.Errorf("module %s: custom command must not be empty", d.Name)
		}
	}
	return nil
}

// EnvList returns the module env map as "K=V" pairs in no particular order.
func (d Definition) EnvList() []string {
	if len(d.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}
