package tools

import (
	"context"
	"fmt"
	"time"

	"autobuildr/pkg/exec"
)

// Tool names for the builtin set.
const (
	ToolShell     = "shell"
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolListFiles = "list_files"
)

const (
	defaultShellTimeout = 2 * time.Minute
	maxShellTimeout     = 10 * time.Minute
	// Output beyond this is truncated; the event recorder would spill it
	// to an artifact anyway, but runaway commands should not buffer
	// unbounded output in memory.
	maxShellOutput = 64 * 1024
)

// ShellTool executes shell commands in the project workspace.
//
//nolint:govet // fieldalignment: logical grouping preferred
type ShellTool struct {
	executor exec.Executor
	workDir  string
}

// NewShellTool creates a shell tool pinned to a working directory.
func NewShellTool(executor exec.Executor, workDir string) *ShellTool {
	return &ShellTool{executor: executor, workDir: workDir}
}

// Name returns the tool name.
func (t *ShellTool) Name() string { return ToolShell }

// Definition returns the schema advertised to the model.
func (t *ShellTool) Definition() Definition {
	return Definition{
		Name:        ToolShell,
		Description: "Execute a shell command in the project directory and return its output",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {
					Type:        "string",
					Description: "Shell command to execute",
				},
				"timeout_seconds": {
					Type:        "integer",
					Description: "Command timeout in seconds. Defaults to 120, capped at 600.",
				},
			},
			Required: []string{"command"},
		},
	}
}

// Exec runs the command through sh -c. Command failure is reported in the
// result; only infrastructure problems return an error.
func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return errorResult("command is required and must be a string"), nil
	}

	timeout := defaultShellTimeout
	if secs := intArg(args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}

	result, err := t.executor.Run(ctx, []string{"sh", "-c", command}, &exec.Opts{
		WorkDir: t.workDir,
		Timeout: timeout,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("command terminated: %v", err)), nil
	}

	return map[string]any{
		"success":     result.ExitCode == 0,
		"exit_code":   result.ExitCode,
		"stdout":      clipOutput(result.Stdout),
		"stderr":      clipOutput(result.Stderr),
		"duration_ms": result.Duration.Milliseconds(),
	}, nil
}

func clipOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n[output truncated]"
}

// errorResult is the shape every builtin uses for tool-level failures.
func errorResult(msg string) map[string]any {
	return map[string]any{
		"success": false,
		"error":   msg,
	}
}

// intArg extracts an integer argument, tolerating the float64 values JSON
// unmarshaling produces.
func intArg(args map[string]any, key string, defaultVal int) int {
	v, exists := args[key]
	if !exists {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	}
	return defaultVal
}
