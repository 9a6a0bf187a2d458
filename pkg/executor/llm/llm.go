// Package llm defines the provider-neutral completion types and the client
// interface the turn executor speaks. Provider implementations live under
// executor/internal/llmimpl.
package llm

import (
	"context"

	"autobuildr/pkg/tools"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	// RoleSystem carries instructions and context for the model.
	RoleSystem Role = "system"
	// RoleUser carries input from the harness.
	RoleUser Role = "user"
	// RoleAssistant carries prior model output.
	RoleAssistant Role = "assistant"
)

// TemperatureDefault is used for all completions. Slight randomness avoids
// the model getting stuck in repetition loops while staying focused.
const TemperatureDefault = 0.2

// Message is one conversation message. Tool interactions from earlier turns
// are rendered into message text by the turn executor, so providers only
// deal with plain role and content pairs.
type Message struct {
	Role    Role
	Content string
}

// ToolCall is a tool invocation the model requested.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// CompletionRequest asks a provider for one completion.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionRequest struct {
	Messages    []Message
	Tools       []tools.Definition
	ToolChoice  string
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is a provider's answer. TokensIn and TokensOut carry
// the provider's own usage accounting; zero means the provider did not
// report usage and the caller should estimate.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string
	TokensIn   int64
	TokensOut  int64
}

// Client is a synchronous completion client for one provider and model.
type Client interface {
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)
	GetModelName() string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// SplitSystem separates system messages from the conversation, joining their
// contents for providers that take the system prompt as a top-level
// parameter.
func SplitSystem(messages []Message) (system string, rest []Message) {
	for i := range messages {
		if messages[i].Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += messages[i].Content
			continue
		}
		rest = append(rest, messages[i])
	}
	return system, rest
}
