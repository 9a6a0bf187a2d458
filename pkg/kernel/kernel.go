package kernel

import (
	"context"
	"fmt"
	"time"

	"autobuildr/pkg/events"
	"autobuildr/pkg/gate"
	"autobuildr/pkg/logx"
	"autobuildr/pkg/metrics"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/policy"
	"autobuildr/pkg/proto"
	"autobuildr/pkg/tools"
)

// Kernel executes runs against their budgets and policies.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Kernel struct {
	ops        *persistence.DatabaseOperations
	recorder   *events.Recorder
	gate       *gate.Gate
	executor   TurnExecutor
	projectDir string
	metrics    *metrics.Recorder
	logger     *logx.Logger
	controls   *controlTable
}

// Config wires a kernel's collaborators.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Config struct {
	Ops        *persistence.DatabaseOperations
	Recorder   *events.Recorder
	Gate       *gate.Gate
	Executor   TurnExecutor
	ProjectDir string
}

// New creates a kernel.
func New(cfg Config) *Kernel {
	return &Kernel{
		ops:        cfg.Ops,
		recorder:   cfg.Recorder,
		gate:       cfg.Gate,
		executor:   cfg.Executor,
		projectDir: cfg.ProjectDir,
		metrics:    metrics.Default(),
		logger:     logx.NewLogger("kernel"),
		controls:   newControlTable(),
	}
}

// runOutcome classifies why the turn loop stopped.
type runOutcome int

const (
	outcomeCompleted runOutcome = iota
	outcomeTurnBudget
	outcomeWallClock
	outcomeCanceled
	outcomeExecutorFailure
)

// Execute drives a pending run to a terminal status. The run's turn loop
// stops on completion, budget exhaustion, or cancellation; every stop except
// an executor failure still evaluates the acceptance gate on whatever state
// the run produced. Execute itself only errors on infrastructure failures
// that prevent recording the outcome.
func (k *Kernel) Execute(ctx context.Context, runID string) (err error) {
	run, err := k.ops.GetRun(runID)
	if err != nil {
		return err
	}
	spec, err := k.ops.GetAgentSpec(run.AgentSpecID)
	if err != nil {
		return fmt.Errorf("run %s has no spec: %w", runID, err)
	}
	acceptance, err := k.ops.GetAcceptanceSpecForAgentSpec(spec.ID)
	if err != nil {
		return fmt.Errorf("spec %s has no acceptance spec: %w", spec.ID, err)
	}
	compiled, err := policy.Compile(&spec.ToolPolicy, k.projectDir)
	if err != nil {
		return k.failBeforeStart(run, fmt.Sprintf("tool policy does not compile: %v", err))
	}

	ctl := k.controls.register(runID)
	defer k.controls.forget(runID)
	defer k.recorder.Forget(runID)

	started := time.Now().UTC()
	if err := k.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
		RunID: runID, From: proto.RunStatusPending, To: proto.RunStatusRunning, Timestamp: started,
	}); err != nil {
		return err
	}
	k.metrics.RunStarted()
	k.record(runID, proto.EventStarted, map[string]any{
		"spec_name":       spec.Name,
		"max_turns":       spec.MaxTurns,
		"timeout_seconds": spec.TimeoutSeconds,
	}, "")
	k.logger.Info("run %s started (spec=%s turns=%d timeout=%ds)", runID, spec.Name, spec.MaxTurns, spec.TimeoutSeconds)

	deadline := started.Add(time.Duration(spec.TimeoutSeconds) * time.Second)
	outcome, runErr := k.turnLoop(ctx, run, spec, compiled, ctl, deadline)
	return k.finish(ctx, runID, acceptance, outcome, runErr)
}

// turnLoop runs turns until an outcome is reached. Panics from the executor
// are converted to executor failures so the run still reaches a terminal
// status.
func (k *Kernel) turnLoop(
	ctx context.Context,
	run *persistence.AgentRun,
	spec *persistence.AgentSpec,
	compiled *policy.CompiledPolicy,
	ctl *control,
	deadline time.Time,
) (outcome runOutcome, runErr error) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("run %s panicked: %v", run.ID, r)
			outcome = outcomeExecutorFailure
			runErr = fmt.Errorf("turn executor panicked: %v", r)
		}
	}()

	var history []HistoryEntry
	turnsUsed := run.TurnsUsed

	for {
		if ctl.isCanceled() || ctx.Err() != nil {
			return outcomeCanceled, nil
		}
		if !time.Now().Before(deadline) {
			return outcomeWallClock, nil
		}
		if turnsUsed >= spec.MaxTurns {
			return outcomeTurnBudget, nil
		}
		if stopped := k.waitIfPaused(ctx, run.ID, ctl, deadline); stopped != nil {
			return *stopped, nil
		}

		result, err := k.executor.ExecuteTurn(ctx, spec, run.ID, history)
		if err != nil {
			return outcomeExecutorFailure, err
		}

		k.recordToolEvents(run.ID, compiled, result)
		turnsUsed++
		k.record(run.ID, proto.EventTurnComplete, mergePayload(result.Payload, map[string]any{
			"turn":       turnsUsed,
			"completed":  result.Completed,
			"tokens_in":  result.TokensIn,
			"tokens_out": result.TokensOut,
		}), "")
		if err := k.ops.IncrementRunUsage(run.ID, 1, result.TokensIn, result.TokensOut); err != nil {
			k.logger.Error("failed to record usage for run %s: %v", run.ID, err)
		}
		k.metrics.Turn()
		k.metrics.Tokens(result.TokensIn, result.TokensOut)

		history = append(history, HistoryEntry{Payload: result.Payload, ToolEvents: result.ToolEvents})

		if result.Completed {
			return outcomeCompleted, nil
		}
	}
}

// recordToolEvents re-checks each tool event against the compiled policy and
// writes the tool_call, policy_violation, and tool_result records. The
// executor enforces the policy at call time; this second check catches
// executors that forget, and guarantees blocked calls never record real
// output.
func (k *Kernel) recordToolEvents(runID string, compiled *policy.CompiledPolicy, result *TurnResult) {
	for i := range result.ToolEvents {
		te := &result.ToolEvents[i]

		k.record(runID, proto.EventToolCall, map[string]any{
			"tool":      te.ToolName,
			"arguments": te.Arguments,
		}, te.ToolName)

		if !te.Blocked {
			if v := compiled.Enforce(te.ToolName, te.Arguments); v != nil {
				te.Blocked = true
				te.ViolationKind = string(v.Kind)
				te.Result = tools.BlockedResult(v)
				te.Success = false
			}
		}

		if te.Blocked {
			k.metrics.PolicyBlock(te.ViolationKind)
			k.record(runID, proto.EventPolicyViolation, map[string]any{
				"tool":      te.ToolName,
				"violation": te.ViolationKind,
			}, te.ToolName)
			k.record(runID, proto.EventToolResult, map[string]any{
				"error":     "blocked_by_policy",
				"violation": te.ViolationKind,
				"tool":      te.ToolName,
			}, te.ToolName)
			continue
		}

		k.record(runID, proto.EventToolResult, map[string]any{
			"tool":    te.ToolName,
			"success": te.Success,
			"result":  te.Result,
		}, te.ToolName)
	}
}

// waitIfPaused blocks while the run is paused. Returns a non-nil outcome if
// the wait ended the run (cancellation or the wall clock expiring while
// paused).
func (k *Kernel) waitIfPaused(ctx context.Context, runID string, ctl *control, deadline time.Time) *runOutcome {
	for ctl.isPaused() {
		select {
		case <-ctl.wake():
			// Re-check the flags.
		case <-ctx.Done():
			canceled := outcomeCanceled
			return &canceled
		case <-time.After(time.Until(deadline)):
			expired := outcomeWallClock
			return &expired
		}
		if ctl.isCanceled() {
			canceled := outcomeCanceled
			return &canceled
		}
		_ = runID
	}
	return nil
}

// finish evaluates the gate where applicable and records the terminal
// transition and event.
func (k *Kernel) finish(ctx context.Context, runID string, acceptance *persistence.AcceptanceSpec, outcome runOutcome, runErr error) error {
	run, err := k.ops.GetRun(runID)
	if err != nil {
		return err
	}
	from := run.Status

	var (
		to           proto.RunStatus
		verdict      proto.Verdict
		gateResults  map[string]any
		errorMessage *string
	)

	switch outcome {
	case outcomeCompleted:
		to = proto.RunStatusCompleted
		result := k.gate.Evaluate(ctx, runID, acceptance)
		verdict = result.Verdict
		gateResults = result.ToMap()
	case outcomeTurnBudget, outcomeWallClock:
		to = proto.RunStatusTimeout
		result := k.gate.Evaluate(ctx, runID, acceptance)
		verdict = result.Verdict
		gateResults = result.ToMap()
		msg := "turn budget exhausted"
		if outcome == outcomeWallClock {
			msg = "wall clock budget exhausted"
		}
		errorMessage = &msg
	case outcomeCanceled:
		to = proto.RunStatusFailed
		result := k.gate.Evaluate(ctx, runID, acceptance)
		verdict = result.Verdict
		gateResults = result.ToMap()
		msg := "run canceled"
		errorMessage = &msg
	case outcomeExecutorFailure:
		to = proto.RunStatusFailed
		verdict = proto.VerdictError
		msg := "turn executor failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		errorMessage = &msg
	}

	// The state machine only lets a paused run fail; a budget expiring
	// during a pause is recorded as a failure with the reason preserved.
	if from == proto.RunStatusPaused && to != proto.RunStatusFailed {
		to = proto.RunStatusFailed
	}

	if gateResults != nil {
		// The full gate outcome, per-validator results included, goes on
		// the event as well as the run row.
		k.record(runID, proto.EventAcceptanceCheck, gateResults, "")
	}

	if err := k.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
		RunID:             runID,
		From:              from,
		To:                to,
		FinalVerdict:      &verdict,
		AcceptanceResults: gateResults,
		Error:             errorMessage,
	}); err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", runID, err)
	}

	if terminalEvent, ok := proto.TerminalEventFor(to); ok {
		payload := map[string]any{"verdict": string(verdict)}
		if errorMessage != nil {
			payload["error"] = *errorMessage
		}
		switch outcome {
		case outcomeTurnBudget:
			payload["resource"] = "max_turns"
			payload["turns_used"] = run.TurnsUsed
		case outcomeWallClock:
			payload["resource"] = "wall_clock"
			if run.StartedAt != nil {
				payload["elapsed_seconds"] = time.Since(*run.StartedAt).Seconds()
			}
		case outcomeCompleted, outcomeCanceled, outcomeExecutorFailure:
		}
		k.record(runID, terminalEvent, payload, "")
	}
	k.metrics.RunTerminal(string(to))
	k.logger.Info("run %s finished status=%s verdict=%s", runID, to, verdict)
	return nil
}

// failBeforeStart marks a run failed without entering the turn loop, used
// when its configuration cannot be executed at all.
func (k *Kernel) failBeforeStart(run *persistence.AgentRun, msg string) error {
	verdict := proto.VerdictError
	if err := k.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
		RunID:        run.ID,
		From:         run.Status,
		To:           proto.RunStatusFailed,
		FinalVerdict: &verdict,
		Error:        &msg,
	}); err != nil {
		return err
	}
	k.record(run.ID, proto.EventFailed, map[string]any{"error": msg}, "")
	k.metrics.RunTerminal(string(proto.RunStatusFailed))
	return fmt.Errorf("run %s failed: %s", run.ID, msg)
}

// record writes an event, logging instead of failing when the recorder
// rejects it. Event loss is preferable to aborting a run mid-flight.
func (k *Kernel) record(runID string, eventType proto.EventType, payload map[string]any, toolName string) {
	_, err := k.recorder.Record(&events.RecordRequest{
		RunID:     runID,
		EventType: eventType,
		Payload:   payload,
		ToolName:  toolName,
	})
	if err != nil {
		k.logger.Error("failed to record %s event for run %s: %v", eventType, runID, err)
	}
}

func mergePayload(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}
