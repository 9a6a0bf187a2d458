package executor

import (
	"context"
	"fmt"

	"autobuildr/pkg/kernel"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/tokens"
)

// ScriptedExecutor is a deterministic turn executor that walks a spec's
// steps without calling any model. It exists for offline operation, demos,
// and tests; every run completes after one turn per step plus a summary
// turn.
type ScriptedExecutor struct{}

// NewScriptedExecutor creates a scripted executor.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{}
}

// ExecuteTurn implements kernel.TurnExecutor. The turn number is derived
// from the history length, so the executor itself carries no state.
func (s *ScriptedExecutor) ExecuteTurn(_ context.Context, spec *persistence.AgentSpec, _ string, history []kernel.HistoryEntry) (*kernel.TurnResult, error) {
	steps := contextSteps(spec.Context)
	turn := len(history)

	if turn < len(steps) {
		note := fmt.Sprintf("step %d/%d: %s", turn+1, len(steps), steps[turn])
		return &kernel.TurnResult{
			Payload:   map[string]any{"message": note, "stop_reason": "end_turn", "tool_calls": 0},
			TokensIn:  int64(tokens.Estimate(spec.Objective)),
			TokensOut: int64(tokens.Estimate(note)),
		}, nil
	}

	summary := fmt.Sprintf("objective acknowledged: %s", clip(spec.Objective, maxPayloadMessage))
	return &kernel.TurnResult{
		Completed: true,
		Payload:   map[string]any{"message": summary, "stop_reason": "end_turn", "tool_calls": 0},
		TokensIn:  int64(tokens.Estimate(spec.Objective)),
		TokensOut: int64(tokens.Estimate(summary)),
	}, nil
}
