// Package sandbox runs untrusted scripts as isolated child processes.
// Scripts are never evaluated inside the service process.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is wrapped by Execute when the wall-clock timeout expires.
// The child and everything it spawned have been killed by then.
var ErrTimeout = errors.New("execution timed out")

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	// Name identifies the backend for logs and metrics.
	Name() string
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments, e.g. ["python3", "diagram.py"].
	Command []string

	// WorkingDir is the directory the command runs in. The caller owns it.
	// Empty means the sandbox creates and removes a private temp dir.
	WorkingDir string

	// Env is merged on top of the sandbox's minimal environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // ulimit -t
	MaxMemoryMB   int // ulimit -v
}

// ExecutionResult captures the outcome of a command that ran to completion.
// A non-zero ExitCode is a result, not an error.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}
