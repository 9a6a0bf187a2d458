// Package exec provides subprocess execution for the shell tool and the
// test_pass validator. Commands run locally with a bounded timeout; callers
// inspect the exit code rather than an error for command failures.
package exec

import (
	"context"
	"time"
)

// Executor defines the interface for executing commands.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor name for logging.
	Name() string
}

// Opts contains options for command execution.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Opts struct {
	// Env contains additional environment variables (KEY=VALUE format).
	Env []string

	// Timeout is the maximum duration for command execution.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string
}

// Result contains the result of command execution.
//
//nolint:govet // Result struct, logical grouping preferred
type Result struct {
	// Stdout contains the standard output.
	Stdout string

	// Stderr contains the standard error output.
	Stderr string

	// Duration is how long the command took to execute.
	Duration time.Duration

	// ExitCode is the exit code of the command. -1 means the command did
	// not start or was killed before exiting.
	ExitCode int
}

// DefaultTimeout bounds commands whose options carry no timeout.
const DefaultTimeout = 5 * time.Minute
