// Package kernel drives the agent turn loop: budget enforcement, policy
// checks, event recording, and the terminal transition through the
// acceptance gate. The kernel owns WHEN a turn happens; turn executors own
// WHAT happens inside one.
package kernel

import (
	"context"

	"autobuildr/pkg/persistence"
)

// ToolEvent is one tool invocation observed during a turn.
//
//nolint:govet // fieldalignment: logical grouping preferred
type ToolEvent struct {
	// ToolName is the registry name of the invoked tool.
	ToolName string
	// Arguments are the call arguments as the model produced them.
	Arguments map[string]any
	// Result is the tool output, or the canonical blocked payload.
	Result any
	// Success reports whether the tool itself succeeded.
	Success bool
	// Blocked marks a call the policy rejected; Result carries the
	// canonical blocked payload and ViolationKind the reason.
	Blocked       bool
	ViolationKind string
}

// TurnResult is what one executed turn produced.
//
//nolint:govet // fieldalignment: logical grouping preferred
type TurnResult struct {
	// Completed signals the agent considers its objective done.
	Completed bool
	// Payload is the turn summary recorded on the turn_complete event.
	Payload map[string]any
	// ToolEvents are the tool invocations made during the turn, in order.
	ToolEvents []ToolEvent
	// TokensIn and TokensOut are the token counts for this turn.
	TokensIn  int64
	TokensOut int64
}

// HistoryEntry is the record of one past turn, fed back to the executor so
// it can build conversational context.
type HistoryEntry struct {
	Payload    map[string]any
	ToolEvents []ToolEvent
}

// TurnExecutor executes a single agent turn. Implementations retry their
// own transient failures; an error from ExecuteTurn is fatal to the run.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, spec *persistence.AgentSpec, runID string, history []HistoryEntry) (*TurnResult, error)
}
