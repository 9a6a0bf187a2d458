// Package executor implements the turn executors the kernel drives: an
// LLM-backed executor speaking the provider-neutral llm.Client interface,
// and a deterministic scripted executor for offline operation and tests.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"autobuildr/pkg/exec"
	"autobuildr/pkg/executor/llm"
	"autobuildr/pkg/kernel"
	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/policy"
	"autobuildr/pkg/tokens"
	"autobuildr/pkg/tools"
)

// maxPayloadMessage caps the model text carried on turn_complete payloads.
const maxPayloadMessage = 2000

// maxHistoryResultChars caps each rendered tool result in the conversation.
const maxHistoryResultChars = 1500

// TurnExecutor runs agent turns against an LLM. One completion per turn:
// the model's tool calls are executed through the policy-filtered tool
// provider, and a reply without tool calls signals the objective is done.
//
//nolint:govet // fieldalignment: logical grouping preferred
type TurnExecutor struct {
	client     llm.Client
	projectDir string
	maxTokens  int
	counter    *tokens.Counter
	logger     *logx.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session caches the compiled policy and tool provider for one spec.
type session struct {
	compiled *policy.CompiledPolicy
	provider *tools.Provider
}

// NewTurnExecutor creates an LLM-backed turn executor rooted at projectDir.
func NewTurnExecutor(client llm.Client, projectDir string, maxTokens int) *TurnExecutor {
	counter, err := tokens.NewCounter(client.GetModelName())
	if err != nil {
		counter = nil // Count falls back to the length heuristic
	}
	return &TurnExecutor{
		client:     client,
		projectDir: projectDir,
		maxTokens:  maxTokens,
		counter:    counter,
		logger:     logx.NewLogger("executor"),
		sessions:   make(map[string]*session),
	}
}

// ExecuteTurn implements kernel.TurnExecutor.
func (e *TurnExecutor) ExecuteTurn(ctx context.Context, spec *persistence.AgentSpec, runID string, history []kernel.HistoryEntry) (*kernel.TurnResult, error) {
	sess, err := e.sessionFor(spec)
	if err != nil {
		return nil, err
	}

	messages := e.buildMessages(spec, sess.compiled, history)
	req := llm.CompletionRequest{
		Messages:    messages,
		Tools:       sess.provider.List(),
		ToolChoice:  "auto",
		MaxTokens:   e.maxTokens,
		Temperature: llm.TemperatureDefault,
	}

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("completion failed for run %s: %w", runID, err)
	}

	toolEvents := make([]kernel.ToolEvent, 0, len(resp.ToolCalls))
	for i := range resp.ToolCalls {
		toolEvents = append(toolEvents, e.executeToolCall(ctx, sess.provider, &resp.ToolCalls[i]))
	}

	tokensIn := resp.TokensIn
	if tokensIn == 0 {
		tokensIn = int64(e.estimateMessages(messages))
	}
	tokensOut := resp.TokensOut
	if tokensOut == 0 {
		tokensOut = int64(e.counter.Count(resp.Content))
	}

	return &kernel.TurnResult{
		Completed: len(resp.ToolCalls) == 0,
		Payload: map[string]any{
			"message":     clip(resp.Content, maxPayloadMessage),
			"stop_reason": resp.StopReason,
			"tool_calls":  len(resp.ToolCalls),
		},
		ToolEvents: toolEvents,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
	}, nil
}

// sessionFor compiles the spec's policy and builds its tool provider once.
func (e *TurnExecutor) sessionFor(spec *persistence.AgentSpec) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sess, ok := e.sessions[spec.ID]; ok {
		return sess, nil
	}

	compiled, err := policy.Compile(&spec.ToolPolicy, e.projectDir)
	if err != nil {
		return nil, fmt.Errorf("spec %s has an invalid tool policy: %w", spec.Name, err)
	}
	provider := tools.NewProvider(tools.Context{
		Exec:    exec.NewLocalExec(),
		WorkDir: e.projectDir,
	}, compiled)

	sess := &session{compiled: compiled, provider: provider}
	e.sessions[spec.ID] = sess
	return sess, nil
}

// executeToolCall runs one tool call through the provider, translating
// policy violations into blocked events instead of failures.
func (e *TurnExecutor) executeToolCall(ctx context.Context, provider *tools.Provider, call *llm.ToolCall) kernel.ToolEvent {
	result, err := provider.Execute(ctx, call.Name, call.Parameters)

	event := kernel.ToolEvent{
		ToolName:  call.Name,
		Arguments: call.Parameters,
		Result:    result,
		Success:   err == nil,
	}

	var violation *policy.Violation
	switch {
	case errors.As(err, &violation):
		event.Blocked = true
		event.ViolationKind = string(violation.Kind)
		e.logger.Warn("tool %s blocked: %s", call.Name, violation.Detail)
	case err != nil:
		event.Result = map[string]any{"error": err.Error()}
	}
	return event
}

// buildMessages renders the spec and run history into a conversation.
func (e *TurnExecutor) buildMessages(spec *persistence.AgentSpec, compiled *policy.CompiledPolicy, history []kernel.HistoryEntry) []llm.Message {
	messages := []llm.Message{llm.NewSystemMessage(systemPrompt(spec, compiled))}

	if len(history) == 0 {
		messages = append(messages, llm.NewUserMessage("Begin working toward the objective. Use tools to act on the workspace; reply without calling any tools once the objective is complete."))
		return messages
	}

	for i := range history {
		entry := &history[i]
		text, _ := entry.Payload["message"].(string)
		if text == "" {
			text = "(no message)"
		}
		messages = append(messages, llm.NewAssistantMessage(text))
		messages = append(messages, llm.NewUserMessage(renderToolEvents(entry.ToolEvents)))
	}
	messages = append(messages, llm.NewUserMessage("Continue working toward the objective. Reply without calling any tools once it is complete."))
	return messages
}

// systemPrompt assembles the instructions for a spec: objective, task
// context, steps, and tool guidance from the policy.
func systemPrompt(spec *persistence.AgentSpec, compiled *policy.CompiledPolicy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an autonomous %s agent working in a project workspace.\n\n", spec.TaskType)
	fmt.Fprintf(&b, "Objective:\n%s\n", spec.Objective)

	if steps := contextSteps(spec.Context); len(steps) > 0 {
		b.WriteString("\nSteps:\n")
		for i, step := range steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if category, ok := spec.Context["category"].(string); ok && category != "" {
		fmt.Fprintf(&b, "\nCategory: %s\n", category)
	}
	if hints := policy.RenderHints(compiled.Hints()); hints != "" {
		b.WriteString("\n")
		b.WriteString(hints)
	}
	b.WriteString("\nWork one step at a time. When the objective is fully complete, reply with a short summary and do not call any tools.")
	return b.String()
}

// contextSteps extracts the steps list from a spec context.
func contextSteps(specContext map[string]any) []string {
	raw, ok := specContext["steps"].([]any)
	if !ok {
		return nil
	}
	steps := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			steps = append(steps, s)
		}
	}
	return steps
}

// renderToolEvents serializes a turn's tool interactions as feedback text.
func renderToolEvents(events []kernel.ToolEvent) string {
	if len(events) == 0 {
		return "No tool calls were made."
	}
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for i := range events {
		te := &events[i]
		result, err := json.Marshal(te.Result)
		if err != nil {
			result = []byte(fmt.Sprintf("%v", te.Result))
		}
		fmt.Fprintf(&b, "- %s: %s\n", te.ToolName, clip(string(result), maxHistoryResultChars))
	}
	return b.String()
}

// estimateMessages counts tokens across all message contents.
func (e *TurnExecutor) estimateMessages(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += e.counter.Count(messages[i].Content)
	}
	return total
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}
