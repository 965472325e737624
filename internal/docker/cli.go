// Package docker adapts docker-compose backed modules to the registry's
// single-process abstraction: "up -d" runs synchronously, then a "logs -f"
// tail becomes the tracked long-running process.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CLI wraps the docker binary for compose operations.
type CLI struct {
	binaryPath string
}

// NewCLI locates the docker binary. It fails when docker is not installed.
func NewCLI() (*CLI, error) {
	path, err := exec.LookPath("docker")
	if err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}
	return &CLI{binaryPath: path}, nil
}

// ExecResult holds the output from one docker invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes docker with the given args and environment and returns the
// captured result. A non-zero exit is reported through ExitCode, not error;
// error means the binary could not be run at all.
func (c *CLI) Run(ctx context.Context, envList []string, args ...string) (*ExecResult, error) {
	// #nosec G204 -- binaryPath comes from LookPath, args are built internally
	cmd := exec.CommandContext(ctx, c.binaryPath, args...)
	if len(envList) > 0 {
		cmd.Env = envList
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("docker exec failed: %w", err)
	}
	return res, nil
}

func (res *ExecResult) errorOrNil(op string) error {
	if res.ExitCode == 0 {
		return nil
	}
	return fmt.Errorf("docker %s failed (exit %d): %s",
		op, res.ExitCode, strings.TrimSpace(res.Stderr))
}
