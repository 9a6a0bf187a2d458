package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuildr/pkg/artifacts"
	"autobuildr/pkg/events"
	"autobuildr/pkg/exec"
	"autobuildr/pkg/gate"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/policy"
	"autobuildr/pkg/proto"
)

// fakeExecutor replays a fixed sequence of turn results.
type fakeExecutor struct {
	turns []*TurnResult
	errAt int // 1-based turn index that errors; 0 disables
	calls int
}

func (f *fakeExecutor) ExecuteTurn(_ context.Context, _ *persistence.AgentSpec, _ string, _ []HistoryEntry) (*TurnResult, error) {
	f.calls++
	if f.errAt > 0 && f.calls == f.errAt {
		return nil, fmt.Errorf("provider unreachable")
	}
	if f.calls <= len(f.turns) {
		return f.turns[f.calls-1], nil
	}
	return &TurnResult{Payload: map[string]any{"note": "idle"}}, nil
}

type harness struct {
	kernel *Kernel
	ops    *persistence.DatabaseOperations
	dir    string
}

func newHarness(t *testing.T, executor TurnExecutor) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := persistence.Open(filepath.Join(dir, "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ops := persistence.NewDatabaseOperations(db.DB())
	store := artifacts.NewStore(ops, dir)
	recorder := events.NewRecorder(ops, store, nil)
	g := gate.New(gate.Env{Ops: ops, ProjectDir: dir, Exec: exec.NewLocalExec()})

	k := New(Config{
		Ops:        ops,
		Recorder:   recorder,
		Gate:       g,
		Executor:   executor,
		ProjectDir: dir,
	})
	return &harness{kernel: k, ops: ops, dir: dir}
}

func (h *harness) createRun(t *testing.T, mutate func(*persistence.AgentSpec)) *persistence.AgentRun {
	t.Helper()
	spec := &persistence.AgentSpec{
		Name:        fmt.Sprintf("kernel-test-%s", persistence.GenerateID()[:8]),
		DisplayName: "Kernel Test",
		Objective:   "Exercise the kernel",
		TaskType:    proto.TaskCoding,
		ToolPolicy: policy.ToolPolicy{
			PolicyVersion: "v1",
			AllowedTools:  []string{},
		},
		MaxTurns:       10,
		TimeoutSeconds: 300,
		Priority:       persistence.DefaultPriority,
	}
	if mutate != nil {
		mutate(spec)
	}
	require.NoError(t, h.ops.UpsertAgentSpec(spec))
	require.NoError(t, h.ops.UpsertAcceptanceSpec(&persistence.AcceptanceSpec{
		ID:          persistence.GenerateID(),
		AgentSpecID: spec.ID,
		GateMode:    proto.GateAllPass,
		RetryPolicy: proto.RetryNone,
	}))

	run, err := h.ops.CreateRun(spec.ID)
	require.NoError(t, err)
	return run
}

func TestExecuteHappyPath(t *testing.T) {
	executor := &fakeExecutor{turns: []*TurnResult{
		{
			Payload: map[string]any{"note": "working"},
			ToolEvents: []ToolEvent{{
				ToolName:  "shell",
				Arguments: map[string]any{"command": "echo hi"},
				Result:    map[string]any{"stdout": "hi\n"},
				Success:   true,
			}},
			TokensIn:  100,
			TokensOut: 40,
		},
		{
			Completed: true,
			Payload:   map[string]any{"note": "done"},
			TokensIn:  50,
			TokensOut: 20,
		},
	}}
	h := newHarness(t, executor)
	run := h.createRun(t, nil)

	require.NoError(t, h.kernel.Execute(context.Background(), run.ID))

	final, err := h.ops.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.RunStatusCompleted, final.Status)
	require.NotNil(t, final.FinalVerdict)
	assert.Equal(t, proto.VerdictPassed, *final.FinalVerdict)
	assert.Equal(t, 2, final.TurnsUsed)
	assert.EqualValues(t, 150, final.TokensIn)
	assert.EqualValues(t, 60, final.TokensOut)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	// Events: started, tool_call, tool_result, 2x turn_complete,
	// acceptance_check, completed, in dense sequence order.
	eventList, err := h.ops.ListEvents(run.ID)
	require.NoError(t, err)
	var types []proto.EventType
	for i, event := range eventList {
		assert.EqualValues(t, i+1, event.Sequence)
		types = append(types, event.EventType)
	}
	assert.Equal(t, []proto.EventType{
		proto.EventStarted,
		proto.EventToolCall,
		proto.EventToolResult,
		proto.EventTurnComplete,
		proto.EventTurnComplete,
		proto.EventAcceptanceCheck,
		proto.EventCompleted,
	}, types)

	// The acceptance_check event carries the whole gate outcome, not just
	// the verdict.
	checks, err := h.ops.ListEventsByType(run.ID, proto.EventAcceptanceCheck)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "passed", checks[0].Payload["verdict"])
	assert.Equal(t, "all_pass", checks[0].Payload["gate_mode"])
	assert.Contains(t, checks[0].Payload, "validators")
	assert.Contains(t, checks[0].Payload, "score")
}

func TestAcceptanceCheckRecordsValidatorResults(t *testing.T) {
	executor := &fakeExecutor{turns: []*TurnResult{
		{Completed: true, Payload: map[string]any{"note": "done"}},
	}}
	h := newHarness(t, executor)

	spec := &persistence.AgentSpec{
		Name:        fmt.Sprintf("kernel-test-%s", persistence.GenerateID()[:8]),
		DisplayName: "Kernel Test",
		Objective:   "Exercise the kernel",
		TaskType:    proto.TaskCoding,
		ToolPolicy: policy.ToolPolicy{
			PolicyVersion: "v1",
			AllowedTools:  []string{},
		},
		MaxTurns:       10,
		TimeoutSeconds: 300,
		Priority:       persistence.DefaultPriority,
	}
	require.NoError(t, h.ops.UpsertAgentSpec(spec))
	require.NoError(t, h.ops.UpsertAcceptanceSpec(&persistence.AcceptanceSpec{
		ID:          persistence.GenerateID(),
		AgentSpecID: spec.ID,
		GateMode:    proto.GateAllPass,
		RetryPolicy: proto.RetryNone,
		Validators: []persistence.ValidatorConfig{{
			Kind:   proto.ValidatorFileExists,
			Config: map[string]any{"path": "no-such-file.txt"},
			Weight: 1.0,
		}},
	}))
	run, err := h.ops.CreateRun(spec.ID)
	require.NoError(t, err)

	require.NoError(t, h.kernel.Execute(context.Background(), run.ID))

	checks, err := h.ops.ListEventsByType(run.ID, proto.EventAcceptanceCheck)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "failed", checks[0].Payload["verdict"])

	validators, ok := checks[0].Payload["validators"].([]any)
	require.True(t, ok)
	require.Len(t, validators, 1)
	first, ok := validators[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "file_exists", first["kind"])
	assert.Equal(t, false, first["passed"])
	assert.Contains(t, first, "details")
}

func TestExecuteTurnBudgetExhausted(t *testing.T) {
	executor := &fakeExecutor{} // never completes
	h := newHarness(t, executor)
	run := h.createRun(t, func(s *persistence.AgentSpec) { s.MaxTurns = 3 })

	require.NoError(t, h.kernel.Execute(context.Background(), run.ID))

	final, err := h.ops.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.RunStatusTimeout, final.Status)
	assert.Equal(t, 3, final.TurnsUsed)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "turn budget")
	// The gate still ran on the partial state.
	assert.NotNil(t, final.FinalVerdict)

	timeouts, err := h.ops.ListEventsByType(run.ID, proto.EventTimeout)
	require.NoError(t, err)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "max_turns", timeouts[0].Payload["resource"])
	assert.EqualValues(t, 3, timeouts[0].Payload["turns_used"])
}

func TestExecutePolicyBlockedToolCall(t *testing.T) {
	executor := &fakeExecutor{turns: []*TurnResult{
		{
			Completed: true,
			Payload:   map[string]any{"note": "tried something sneaky"},
			ToolEvents: []ToolEvent{{
				ToolName:  "shell",
				Arguments: map[string]any{"command": "rm -rf /"},
				Result:    map[string]any{"stdout": "should never be recorded"},
				Success:   true,
			}},
		},
	}}
	h := newHarness(t, executor)
	run := h.createRun(t, func(s *persistence.AgentSpec) {
		s.ToolPolicy.ForbiddenPatterns = []string{`rm\s+-rf`}
	})

	require.NoError(t, h.kernel.Execute(context.Background(), run.ID))

	violations, err := h.ops.ListEventsByType(run.ID, proto.EventPolicyViolation)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "forbidden_pattern", violations[0].Payload["violation"])

	results, err := h.ops.ListEventsByType(run.ID, proto.EventToolResult)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "blocked_by_policy", results[0].Payload["error"])
	assert.NotContains(t, results[0].Payload, "stdout")
}

func TestExecuteExecutorFailure(t *testing.T) {
	executor := &fakeExecutor{errAt: 1}
	h := newHarness(t, executor)
	run := h.createRun(t, nil)

	require.NoError(t, h.kernel.Execute(context.Background(), run.ID))

	final, err := h.ops.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.RunStatusFailed, final.Status)
	require.NotNil(t, final.FinalVerdict)
	assert.Equal(t, proto.VerdictError, *final.FinalVerdict)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "provider unreachable")
}

func TestExecuteContextCanceled(t *testing.T) {
	executor := &fakeExecutor{}
	h := newHarness(t, executor)
	run := h.createRun(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.kernel.Execute(ctx, run.ID))

	final, err := h.ops.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "canceled")
	// The gate still ran, so the run carries a verdict.
	assert.NotNil(t, final.FinalVerdict)
	assert.Zero(t, executor.calls)
}

func TestCancelBeforeExecution(t *testing.T) {
	h := newHarness(t, &fakeExecutor{})
	run := h.createRun(t, nil)

	require.NoError(t, h.kernel.Cancel(run.ID))

	final, err := h.ops.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "canceled")

	// Canceling a terminal run is a no-op.
	require.NoError(t, h.kernel.Cancel(run.ID))
}

func TestPauseRequiresControl(t *testing.T) {
	h := newHarness(t, &fakeExecutor{})
	run := h.createRun(t, nil)

	err := h.kernel.Pause(run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotControlled)
}

func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t, &fakeExecutor{})
	pending := h.createRun(t, nil)
	running := h.createRun(t, nil)
	require.NoError(t, h.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
		RunID: running.ID, From: proto.RunStatusPending, To: proto.RunStatusRunning,
		Timestamp: time.Now().UTC().Add(-time.Hour),
	}))

	recovered, err := h.kernel.RecoverOrphans(time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	for _, id := range []string{pending.ID, running.ID} {
		run, err := h.ops.GetRun(id)
		require.NoError(t, err)
		assert.Equal(t, proto.RunStatusFailed, run.Status)
		require.NotNil(t, run.Error)
		assert.Equal(t, "orphaned_on_restart", *run.Error)
	}

	// Second pass finds nothing.
	recovered, err = h.kernel.RecoverOrphans(time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestExecuteInvalidPolicyFailsRun(t *testing.T) {
	h := newHarness(t, &fakeExecutor{})
	run := h.createRun(t, func(s *persistence.AgentSpec) {
		s.ToolPolicy.ForbiddenPatterns = []string{"([unclosed"}
	})

	err := h.kernel.Execute(context.Background(), run.ID)
	require.Error(t, err)

	final, getErr := h.ops.GetRun(run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, proto.RunStatusFailed, final.Status)
}
