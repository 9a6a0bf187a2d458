package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuildr/pkg/config"
	"autobuildr/pkg/executor/llm"
	"autobuildr/pkg/kernel"
	"autobuildr/pkg/llmerrors"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/policy"
	"autobuildr/pkg/proto"
	"autobuildr/pkg/tools"
)

// fakeClient replays scripted completion responses.
type fakeClient struct {
	responses []llm.CompletionResponse
	errs      []error
	requests  []llm.CompletionRequest
}

func (f *fakeClient) Complete(_ context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	idx := len(f.requests)
	f.requests = append(f.requests, in)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return llm.CompletionResponse{}, f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return llm.CompletionResponse{Content: "done", StopReason: "end_turn"}, nil
}

func (f *fakeClient) GetModelName() string { return "fake-model" }

func testSpec(dir string) *persistence.AgentSpec {
	return &persistence.AgentSpec{
		ID:        persistence.GenerateID(),
		Name:      "testing-exercise-executor",
		Objective: "Exercise the turn executor",
		TaskType:  proto.TaskTesting,
		Context: map[string]any{
			"steps":    []any{"Inspect the workspace", "Report findings"},
			"category": "infra",
		},
		ToolPolicy: policy.ToolPolicy{
			PolicyVersion:      "v1",
			AllowedTools:       []string{},
			ForbiddenPatterns:  []string{`rm\s+-rf`},
			AllowedDirectories: []string{dir},
		},
		MaxTurns:       10,
		TimeoutSeconds: 300,
	}
}

func TestTurnExecutorCompletesWithoutToolCalls(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{responses: []llm.CompletionResponse{
		{Content: "All done.", StopReason: "end_turn", TokensIn: 120, TokensOut: 15},
	}}
	e := NewTurnExecutor(client, dir, 4096)

	result, err := e.ExecuteTurn(context.Background(), testSpec(dir), "run-1", nil)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Empty(t, result.ToolEvents)
	assert.Equal(t, "All done.", result.Payload["message"])
	assert.EqualValues(t, 120, result.TokensIn)
	assert.EqualValues(t, 15, result.TokensOut)

	// The request advertises the policy-filtered tool set and carries the
	// objective in the system prompt.
	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.NotEmpty(t, req.Tools)
	require.NotEmpty(t, req.Messages)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Exercise the turn executor")
	assert.Contains(t, req.Messages[0].Content, "1. Inspect the workspace")
}

func TestTurnExecutorRunsToolCalls(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi\n"), 0o644))

	client := &fakeClient{responses: []llm.CompletionResponse{
		{
			Content: "Reading the file.",
			ToolCalls: []llm.ToolCall{{
				ID:         "call_1",
				Name:       tools.ToolReadFile,
				Parameters: map[string]any{"path": "hello.txt"},
			}},
		},
	}}
	e := NewTurnExecutor(client, dir, 4096)

	result, err := e.ExecuteTurn(context.Background(), testSpec(dir), "run-1", nil)
	require.NoError(t, err)
	assert.False(t, result.Completed)
	require.Len(t, result.ToolEvents, 1)
	te := result.ToolEvents[0]
	assert.Equal(t, tools.ToolReadFile, te.ToolName)
	assert.True(t, te.Success)
	assert.False(t, te.Blocked)
	// Provider did not report usage, so counts are estimated.
	assert.Positive(t, result.TokensIn)
}

func TestTurnExecutorBlocksPolicyViolation(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{responses: []llm.CompletionResponse{
		{
			Content: "Cleaning up.",
			ToolCalls: []llm.ToolCall{{
				ID:         "call_1",
				Name:       tools.ToolShell,
				Parameters: map[string]any{"command": "rm -rf /tmp/everything"},
			}},
		},
	}}
	e := NewTurnExecutor(client, dir, 4096)

	result, err := e.ExecuteTurn(context.Background(), testSpec(dir), "run-1", nil)
	require.NoError(t, err)
	require.Len(t, result.ToolEvents, 1)
	te := result.ToolEvents[0]
	assert.True(t, te.Blocked)
	assert.Equal(t, string(policy.ViolationForbiddenPattern), te.ViolationKind)
	assert.False(t, te.Success)

	blocked, ok := te.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "blocked_by_policy", blocked["error"])
}

func TestTurnExecutorFeedsHistoryBack(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{}
	e := NewTurnExecutor(client, dir, 4096)

	history := []kernel.HistoryEntry{{
		Payload: map[string]any{"message": "Listed the files."},
		ToolEvents: []kernel.ToolEvent{{
			ToolName: tools.ToolListFiles,
			Result:   map[string]any{"entries": []string{"a.txt"}},
			Success:  true,
		}},
	}}

	_, err := e.ExecuteTurn(context.Background(), testSpec(dir), "run-1", history)
	require.NoError(t, err)

	req := client.requests[0]
	var roles []llm.Role
	var combined string
	for _, msg := range req.Messages {
		roles = append(roles, msg.Role)
		combined += msg.Content + "\n"
	}
	assert.Equal(t, []llm.Role{llm.RoleSystem, llm.RoleAssistant, llm.RoleUser, llm.RoleUser}, roles)
	assert.Contains(t, combined, "Listed the files.")
	assert.Contains(t, combined, tools.ToolListFiles)
}

func TestTurnExecutorInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec(dir)
	spec.ToolPolicy.ForbiddenPatterns = []string{"([broken"}

	e := NewTurnExecutor(&fakeClient{}, dir, 4096)
	_, err := e.ExecuteTurn(context.Background(), spec, "run-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tool policy")
}

func TestRetryingClientRetriesTransient(t *testing.T) {
	inner := &fakeClient{
		errs: []error{
			llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset"),
			llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429"),
			nil,
		},
		responses: []llm.CompletionResponse{{}, {}, {Content: "ok"}},
	}
	c := NewRetryingClient(inner, config.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2.0,
	})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, inner.requests, 3)
}

func TestRetryingClientDoesNotRetryAuth(t *testing.T) {
	inner := &fakeClient{errs: []error{
		llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key"),
	}}
	c := NewRetryingClient(inner, config.RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, Multiplier: 2.0})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.Len(t, inner.requests, 1)
}

func TestRetryingClientExhaustsAttempts(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "flaky")
	inner := &fakeClient{errs: []error{transient, transient, transient}}
	c := NewRetryingClient(inner, config.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2.0})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeServiceUnavailable))
	assert.Len(t, inner.requests, 3) // initial attempt plus two retries
}

func TestScriptedExecutorWalksSteps(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec(dir)
	s := NewScriptedExecutor()

	var history []kernel.HistoryEntry
	var results []*kernel.TurnResult
	for i := 0; i < 5; i++ {
		result, err := s.ExecuteTurn(context.Background(), spec, "run-1", history)
		require.NoError(t, err)
		results = append(results, result)
		history = append(history, kernel.HistoryEntry{Payload: result.Payload})
		if result.Completed {
			break
		}
	}

	require.Len(t, results, 3) // two steps plus the summary turn
	assert.Contains(t, results[0].Payload["message"], "Inspect the workspace")
	assert.Contains(t, results[1].Payload["message"], "Report findings")
	assert.True(t, results[2].Completed)
}

func TestFactoryScriptedProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Executor.Provider = config.ProviderScripted

	e, err := New(cfg, t.TempDir(), nil)
	require.NoError(t, err)
	assert.IsType(t, &ScriptedExecutor{}, e)
}

func TestFactoryMissingAPIKey(t *testing.T) {
	t.Setenv(config.EnvAnthropicAPIKey, "")
	cfg := config.Default()
	cfg.Executor.Provider = config.ProviderAnthropic

	_, err := New(cfg, t.TempDir(), map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestFactoryOllamaNeedsNoKey(t *testing.T) {
	cfg := config.Default()
	cfg.Executor.Provider = config.ProviderOllama

	e, err := New(cfg, t.TempDir(), nil)
	require.NoError(t, err)
	assert.IsType(t, &TurnExecutor{}, e)
}
