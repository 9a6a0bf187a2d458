package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
	"autobuildr/pkg/tools"
)

func setupCompiler(t *testing.T) (*Compiler, *persistence.DatabaseOperations, string) {
	t.Helper()
	dir := t.TempDir()

	db, err := persistence.Open(filepath.Join(dir, "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ops := persistence.NewDatabaseOperations(db.DB())
	return New(ops, dir), ops, dir
}

func storedFeature(t *testing.T, ops *persistence.DatabaseOperations, f *persistence.Feature) *persistence.Feature {
	t.Helper()
	require.NoError(t, ops.UpsertFeature(f))
	return f
}

func TestClassifyTaskType(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		expected proto.TaskType
	}{
		{"audit wins first", "Security review of the auth flow", proto.TaskAudit},
		{"testing", "Verify login works end to end", proto.TaskTesting},
		{"documentation", "Update the README with setup notes", proto.TaskDocumentation},
		{"refactoring", "Cleanup the session handling", proto.TaskRefactoring},
		{"coding", "Implement password reset", proto.TaskCoding},
		{"audit beats testing", "Audit the test harness", proto.TaskAudit},
		{"unknown defaults to coding", "Something else entirely", proto.TaskCoding},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &persistence.Feature{Name: tc.text}
			assert.Equal(t, tc.expected, ClassifyTaskType(f))
		})
	}
}

func TestCompileDeterministic(t *testing.T) {
	c, ops, dir := setupCompiler(t)

	f := storedFeature(t, ops, &persistence.Feature{
		Name:        "Implement user login",
		Description: strings.Repeat("detail ", 60), // 420 chars
		Category:    "auth",
		Priority:    200,
		Steps:       []string{"Run `go test ./...`", "The file `cmd/login/main.go` exists"},
	})

	spec, acceptance, err := c.Compile(f)
	require.NoError(t, err)

	assert.Equal(t, "coding-implement-user-login", spec.Name)
	assert.Equal(t, proto.TaskCoding, spec.TaskType)
	assert.Equal(t, 200, spec.Priority)
	require.NotNil(t, spec.SourceFeatureID)
	assert.Equal(t, f.ID, *spec.SourceFeatureID)

	// coding base 20 + 420/200 + 2*2 = 26 turns; 900 + 420/20 + 15*2 = 951s.
	assert.Equal(t, 26, spec.MaxTurns)
	assert.Equal(t, 951, spec.TimeoutSeconds)

	assert.Equal(t, []string{dir}, spec.ToolPolicy.AllowedDirectories)
	assert.Contains(t, spec.ToolPolicy.AllowedTools, tools.ToolShell)

	require.Len(t, acceptance.Validators, 2)
	assert.Equal(t, proto.ValidatorTestPass, acceptance.Validators[0].Kind)
	assert.Equal(t, "go test ./...", acceptance.Validators[0].Config["command"])
	assert.Equal(t, proto.ValidatorFileExists, acceptance.Validators[1].Kind)
	assert.Equal(t, "cmd/login/main.go", acceptance.Validators[1].Config["path"])
	assert.Equal(t, proto.GateAllPass, acceptance.GateMode)
}

func TestCompileAuditIsReadOnly(t *testing.T) {
	c, ops, _ := setupCompiler(t)
	f := storedFeature(t, ops, &persistence.Feature{Name: "Security audit of secrets handling", Priority: 100})

	spec, _, err := c.Compile(f)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskAudit, spec.TaskType)
	assert.NotContains(t, spec.ToolPolicy.AllowedTools, tools.ToolWriteFile)
	assert.Contains(t, spec.ToolPolicy.ForbiddenTools, tools.ToolWriteFile)
}

func TestCompileGlobalForbiddenPatterns(t *testing.T) {
	c, ops, _ := setupCompiler(t)
	f := storedFeature(t, ops, &persistence.Feature{Name: "Implement thing", Priority: 100})

	spec, _, err := c.Compile(f)
	require.NoError(t, err)
	assert.Contains(t, spec.ToolPolicy.ForbiddenPatterns, `rm\s+-rf\s+/`)
}

func TestCompileNameCollision(t *testing.T) {
	c, ops, _ := setupCompiler(t)

	f1 := storedFeature(t, ops, &persistence.Feature{Name: "Implement login", Priority: 100})
	f2 := storedFeature(t, ops, &persistence.Feature{Name: "Implement Login!", Priority: 100})

	spec1, _, err := c.Compile(f1)
	require.NoError(t, err)
	spec2, _, err := c.Compile(f2)
	require.NoError(t, err)

	assert.Equal(t, "coding-implement-login", spec1.Name)
	assert.Equal(t, "coding-implement-login-2", spec2.Name)
}

func TestSlugifyBounds(t *testing.T) {
	long := strings.Repeat("very long feature name ", 20)
	slug := slugify(proto.TaskCoding, long)
	assert.LessOrEqual(t, len(slug), maxSpecNameLength)
	assert.NotContains(t, slug, " ")
	assert.False(t, strings.HasSuffix(slug, "-"))

	assert.Equal(t, "coding-feature", slugify(proto.TaskCoding, "!!!"))
}

func TestInferForbiddenPatternValidator(t *testing.T) {
	f := &persistence.Feature{
		Steps: []string{"Output should not contain TODO"},
	}
	validators := inferValidators(f)
	require.Len(t, validators, 1)
	assert.Equal(t, proto.ValidatorForbiddenPatterns, validators[0].Kind)
	patterns := validators[0].Config["patterns"].([]any)
	assert.Equal(t, "TODO", patterns[0])
}

func TestInferNothingFromPlainSteps(t *testing.T) {
	f := &persistence.Feature{Steps: []string{"Think about the design"}}
	assert.Empty(t, inferValidators(f))
}

func TestEnsureSpecReusesExisting(t *testing.T) {
	c, ops, _ := setupCompiler(t)
	f := storedFeature(t, ops, &persistence.Feature{Name: "Implement reuse", Priority: 100})

	spec1, _, err := c.EnsureSpec(f)
	require.NoError(t, err)
	spec2, _, err := c.EnsureSpec(f)
	require.NoError(t, err)
	assert.Equal(t, spec1.ID, spec2.ID)
}

func TestEnsureStaticSpecs(t *testing.T) {
	c, ops, _ := setupCompiler(t)

	created, err := c.EnsureStaticSpecs()
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	spec, err := ops.GetAgentSpecByName("static-coder")
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCoding, spec.TaskType)

	// Idempotent.
	created, err = c.EnsureStaticSpecs()
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestMaterializeSnapshots(t *testing.T) {
	c, ops, dir := setupCompiler(t)
	f := storedFeature(t, ops, &persistence.Feature{
		Name:     "Implement snapshots",
		Priority: 100,
		Steps:    []string{"Write the files"},
	})
	_, _, err := c.Compile(f)
	require.NoError(t, err)

	written, err := c.MaterializeSnapshots()
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	data, err := os.ReadFile(filepath.Join(dir, snapshotDir, "coding-implement-snapshots.md"))
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, "---\n"))
	assert.Contains(t, content, "name: coding-implement-snapshots")
	assert.Contains(t, content, "task_type: coding")
	assert.Contains(t, content, "# Implement snapshots")
	assert.Contains(t, content, "1. Write the files")
}
