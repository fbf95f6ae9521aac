// Package llms holds the LLM provider adapters. Each adapter translates an
// agent context, conversation history and tool schemas into one provider
// call and classifies provider failures at the source.
package llms

import (
	"context"

	"github.com/viki-ai/viki/pkg/protocol"
)

// MessageRole is the provider-facing role of one history entry. This is a
// wire concern of the provider APIs; storage only knows the two roles in
// pkg/protocol.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one ordered history entry handed to a provider.
type Message struct {
	Role        MessageRole
	Content     string
	ToolCalls   []protocol.ToolCall   // assistant messages that requested calls
	ToolResults []protocol.ToolResult // tool messages carrying results
}

// ToolDefinition describes one callable function exposed to the LLM.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one provider invocation.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// TurnResult is the outcome of one provider call: either a final message
// (no tool calls) or a tool-call request.
type TurnResult struct {
	Text      string
	ToolCalls []protocol.ToolCall
	Tokens    int
}

// IsToolCallRequest reports whether the LLM asked for tool executions.
func (r *TurnResult) IsToolCallRequest() bool {
	return len(r.ToolCalls) > 0
}

// Provider is one configured LLM binding. Generate returns a classified
// *fault.Error on failure; it never retries rate-limit or auth failures
// internally - the orchestrator's policy decides.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*TurnResult, error)
	Model() string
	Close() error
}
