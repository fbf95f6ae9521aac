// Package protocol defines the message shapes shared between the store, the
// LLM providers, the tool client and the orchestrator.
//
// Storage knows exactly two roles. Everything the system produces on its own
// behalf - assistant replies, tool-call records, synthesized error messages -
// collapses to RoleAI; the human-readable speaker name distinguishes the
// logical speakers.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the structural role tag of a stored chat message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Valid reports whether r is one of the two storable roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAI
}

// PartType discriminates the content part shapes.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool_call"
	PartTypeToolResult PartType = "tool_result"
)

// ToolCall is one function invocation requested by the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one tool call. IsError marks a tool-level
// failure, which is conversation data the LLM can react to, not a transport
// failure.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Part is one element of a structured message content payload.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Content is the structured payload of a chat message. Plain text, tool-call
// requests and tool-call results all fit the same slot so the API layer can
// render them differently while storage stays uniform.
type Content []Part

// TextContent builds a single-part text content.
func TextContent(text string) Content {
	return Content{{Type: PartTypeText, Text: text}}
}

// ToolCallContent records the calls an LLM round requested, with any
// accompanying text.
func ToolCallContent(text string, calls []ToolCall) Content {
	content := Content{}
	if text != "" {
		content = append(content, Part{Type: PartTypeText, Text: text})
	}
	for i := range calls {
		call := calls[i]
		content = append(content, Part{Type: PartTypeToolCall, ToolCall: &call})
	}
	return content
}

// ToolResultContent records the outcomes of one tool round.
func ToolResultContent(results []ToolResult) Content {
	content := make(Content, 0, len(results))
	for i := range results {
		result := results[i]
		content = append(content, Part{Type: PartTypeToolResult, ToolResult: &result})
	}
	return content
}

// Text concatenates the text parts.
func (c Content) Text() string {
	var b strings.Builder
	for _, part := range c {
		if part.Type == PartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts in order.
func (c Content) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range c {
		if part.Type == PartTypeToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts in order.
func (c Content) ToolResults() []ToolResult {
	var results []ToolResult
	for _, part := range c {
		if part.Type == PartTypeToolResult && part.ToolResult != nil {
			results = append(results, *part.ToolResult)
		}
	}
	return results
}

// UnmarshalJSON validates the part discriminators on the way in so malformed
// stored content fails loudly instead of decoding to empty parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	type rawContent []Part
	var raw rawContent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, part := range raw {
		switch part.Type {
		case PartTypeText:
		case PartTypeToolCall:
			if part.ToolCall == nil {
				return fmt.Errorf("content part %d: tool_call part without tool_call payload", i)
			}
		case PartTypeToolResult:
			if part.ToolResult == nil {
				return fmt.Errorf("content part %d: tool_result part without tool_result payload", i)
			}
		default:
			return fmt.Errorf("content part %d: unknown part type %q", i, part.Type)
		}
	}
	*c = Content(raw)
	return nil
}
