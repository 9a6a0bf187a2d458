package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuildr/pkg/exec"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/policy"
	"autobuildr/pkg/proto"
)

func setupGate(t *testing.T) (*Gate, *persistence.DatabaseOperations, string) {
	t.Helper()
	dir := t.TempDir()

	db, err := persistence.Open(filepath.Join(dir, "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ops := persistence.NewDatabaseOperations(db.DB())
	g := New(Env{Ops: ops, ProjectDir: dir, Exec: exec.NewLocalExec()})
	return g, ops, dir
}

func createRun(t *testing.T, ops *persistence.DatabaseOperations) *persistence.AgentRun {
	t.Helper()
	spec := &persistence.AgentSpec{
		Name:        "gate-test-spec",
		DisplayName: "Gate Test",
		Objective:   "Exercise the gate",
		TaskType:    proto.TaskCoding,
		ToolPolicy: policy.ToolPolicy{
			PolicyVersion: "v1",
			AllowedTools:  []string{"shell"},
		},
		MaxTurns:       10,
		TimeoutSeconds: 300,
		Priority:       persistence.DefaultPriority,
	}
	require.NoError(t, ops.UpsertAgentSpec(spec))

	run, err := ops.CreateRun(spec.ID)
	require.NoError(t, err)
	return run
}

func acceptanceSpec(mode proto.GateMode, validators ...persistence.ValidatorConfig) *persistence.AcceptanceSpec {
	return &persistence.AcceptanceSpec{
		ID:          persistence.GenerateID(),
		Validators:  validators,
		GateMode:    mode,
		RetryPolicy: proto.RetryNone,
	}
}

func TestEmptyValidatorsPass(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	result := g.Evaluate(context.Background(), run.ID, acceptanceSpec(proto.GateAllPass))
	assert.Equal(t, proto.VerdictPassed, result.Verdict)
	assert.Equal(t, 1.0, result.Score)
}

func TestTestPassValidator(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	spec := acceptanceSpec(proto.GateAllPass, persistence.ValidatorConfig{
		Kind:   proto.ValidatorTestPass,
		Config: map[string]any{"command": "true"},
		Weight: 1.0,
	})
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictPassed, result.Verdict)

	spec.Validators[0].Config["command"] = "false"
	result = g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictFailed, result.Verdict)
}

func TestTestPassExpectedExitCode(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	spec := acceptanceSpec(proto.GateAllPass, persistence.ValidatorConfig{
		Kind: proto.ValidatorTestPass,
		Config: map[string]any{
			"command":            "exit 3",
			"expected_exit_code": float64(3),
		},
		Weight: 1.0,
	})
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictPassed, result.Verdict)
}

func TestTestPassProjectDirInterpolation(t *testing.T) {
	g, ops, dir := setupGate(t)
	run := createRun(t, ops)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0644))

	spec := acceptanceSpec(proto.GateAllPass, persistence.ValidatorConfig{
		Kind:   proto.ValidatorTestPass,
		Config: map[string]any{"command": "test -f {project_dir}/marker.txt"},
		Weight: 1.0,
	})
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictPassed, result.Verdict)
}

func TestFileExistsValidator(t *testing.T) {
	g, ops, dir := setupGate(t)
	run := createRun(t, ops)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("done"), 0644))

	spec := acceptanceSpec(proto.GateAllPass,
		persistence.ValidatorConfig{
			Kind:   proto.ValidatorFileExists,
			Config: map[string]any{"path": "out.txt"},
			Weight: 1.0,
		},
		persistence.ValidatorConfig{
			Kind:   proto.ValidatorFileExists,
			Config: map[string]any{"path": "missing.txt", "should_exist": false},
			Weight: 1.0,
		},
	)
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictPassed, result.Verdict)
}

func TestForbiddenPatternsValidator(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	require.NoError(t, ops.InsertEvent(&persistence.AgentEvent{
		RunID:     run.ID,
		Sequence:  1,
		EventType: proto.EventToolResult,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"stdout": "password=hunter2 leaked"},
	}))

	spec := acceptanceSpec(proto.GateAllPass, persistence.ValidatorConfig{
		Kind:   proto.ValidatorForbiddenPatterns,
		Config: map[string]any{"patterns": []any{`password=\S+`}},
		Weight: 1.0,
	})
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictFailed, result.Verdict)

	spec.Validators[0].Config["patterns"] = []any{"no-such-thing"}
	result = g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictPassed, result.Verdict)
}

func TestAnyPassMode(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	spec := acceptanceSpec(proto.GateAnyPass,
		persistence.ValidatorConfig{
			Kind:   proto.ValidatorTestPass,
			Config: map[string]any{"command": "false"},
			Weight: 1.0,
		},
		persistence.ValidatorConfig{
			Kind:   proto.ValidatorTestPass,
			Config: map[string]any{"command": "true"},
			Weight: 1.0,
		},
	)
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictPassed, result.Verdict)
}

func TestWeightedMode(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)
	minScore := 0.5

	spec := acceptanceSpec(proto.GateWeighted,
		persistence.ValidatorConfig{
			Kind:   proto.ValidatorTestPass,
			Config: map[string]any{"command": "true"},
			Weight: 0.7,
		},
		persistence.ValidatorConfig{
			Kind:   proto.ValidatorTestPass,
			Config: map[string]any{"command": "false"},
			Weight: 0.3,
		},
	)
	spec.MinScore = &minScore

	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictPassed, result.Verdict)
	assert.InDelta(t, 0.7, result.Score, 0.001)
}

func TestRequiredValidatorOverridesMode(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	// any_pass would pass, but the failing validator is required.
	spec := acceptanceSpec(proto.GateAnyPass,
		persistence.ValidatorConfig{
			Kind:     proto.ValidatorTestPass,
			Config:   map[string]any{"command": "false"},
			Weight:   1.0,
			Required: true,
		},
		persistence.ValidatorConfig{
			Kind:   proto.ValidatorTestPass,
			Config: map[string]any{"command": "true"},
			Weight: 1.0,
		},
	)
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictFailed, result.Verdict)
}

func TestValidatorErrorBecomesFailure(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	spec := acceptanceSpec(proto.GateAllPass, persistence.ValidatorConfig{
		Kind:   proto.ValidatorTestPass,
		Config: map[string]any{},
		Weight: 1.0,
	})
	result := g.Evaluate(context.Background(), run.ID, spec)
	assert.Equal(t, proto.VerdictFailed, result.Verdict)
	require.Len(t, result.Validators, 1)
	assert.Contains(t, result.Validators[0].Details, "error")
}

func TestResultToMap(t *testing.T) {
	g, ops, _ := setupGate(t)
	run := createRun(t, ops)

	spec := acceptanceSpec(proto.GateAllPass, persistence.ValidatorConfig{
		Kind:   proto.ValidatorTestPass,
		Config: map[string]any{"command": "true"},
		Weight: 1.0,
	})
	result := g.Evaluate(context.Background(), run.ID, spec)

	m := result.ToMap()
	assert.Equal(t, "passed", m["verdict"])
	assert.Equal(t, "all_pass", m["gate_mode"])
	validators := m["validators"].([]map[string]any)
	require.Len(t, validators, 1)
	assert.Equal(t, "test_pass", validators[0]["kind"])
}
