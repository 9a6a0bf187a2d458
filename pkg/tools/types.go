// Package tools provides the tool registry and the builtin tools agents use
// to act on a project workspace. Tools are registered once at init time;
// providers expose a policy-filtered view to the executor.
package tools

import (
	"context"

	"autobuildr/pkg/exec"
)

// Tool is a capability an agent can invoke during a turn.
type Tool interface {
	// Name returns the registry name of the tool.
	Name() string
	// Definition returns the schema advertised to the model.
	Definition() Definition
	// Exec runs the tool. The returned value must be JSON-serializable;
	// tool-level failures are reported inside the result, not as errors.
	Exec(ctx context.Context, args map[string]any) (any, error)
}

// Definition describes a tool to the model.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is a JSON Schema object describing tool arguments.
//
//nolint:govet // fieldalignment: logical grouping preferred
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single argument in an InputSchema.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Property struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
}

// Context carries the workspace binding tools are created with.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Context struct {
	// Exec runs shell commands for tools that shell out.
	Exec exec.Executor
	// WorkDir is the project directory tool paths resolve against.
	WorkDir string
}

// Factory creates a tool instance bound to a context.
type Factory func(ctx Context) (Tool, error)
