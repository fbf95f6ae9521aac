// Package store defines the persisted entities of the platform and the
// storage contracts the orchestrator consumes. The orchestrator only ever
// sees read-only snapshots of configuration entities and appends chat
// messages; it owns no storage itself.
package store

import (
	"strings"
	"time"

	"github.com/viki-ai/viki/pkg/protocol"
)

// Audit carries the bookkeeping columns every table has.
type Audit struct {
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent binds one LLM configuration to a set of tools and knowledge bases.
type Agent struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	LLMConfigID      string   `json:"llm_config_id"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	ToolIDs          []string `json:"tool_ids,omitempty"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty"`
	Audit
}

// LLMConfig selects and authenticates a provider adapter.
type LLMConfig struct {
	ID           string `json:"id"`
	ProviderType string `json:"provider_type"`
	Model        string `json:"model"`
	EndpointURL  string `json:"endpoint_url,omitempty"`
	APIKey       string `json:"-"`
	// ConfigFile optionally points at a provider certificate bundle
	// (private CA deployments).
	ConfigFile    string `json:"config_file,omitempty"`
	ProxyRequired bool   `json:"proxy_required,omitempty"`
	Streaming     bool   `json:"streaming,omitempty"`
	Audit
}

// EnvVar is one environment variable injected into a tool's process.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Resource is a named static resource a tool exposes, distinct from its
// callable functions.
type Resource struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Tool is an external callable endpoint reached via a launch command.
// FunctionCount is a cache refreshed on registration/discovery, not on
// every call.
type Tool struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	MCPCommand    string     `json:"mcp_command"`
	FunctionCount int        `json:"function_count"`
	EnvVars       []EnvVar   `json:"env_vars,omitempty"`
	Resources     []Resource `json:"resources,omitempty"`
	Audit
}

// KnowledgeBase is a named collection of document references used for
// retrieval-augmented context.
type KnowledgeBase struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Audit
}

// ChatSession is a conversation bound to one agent for its lifetime.
type ChatSession struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
	Audit
}

// ChatMessage is one stored turn element. SpeakerName is the human-readable
// speaker; Role is the two-valued structural tag.
type ChatMessage struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	SpeakerName string           `json:"speaker_name"`
	Role        protocol.Role    `json:"role"`
	Content     protocol.Content `json:"content"`
	Audit
}

// maxSessionNameLen mirrors the chat_sessions.cht_name column width.
const maxSessionNameLen = 240

// SessionNameFromMessage derives a session name from the opening user
// message: the first 240 characters, with an ellipsis when truncated.
func SessionNameFromMessage(message string) string {
	runes := []rune(message)
	if len(runes) <= maxSessionNameLen {
		name := strings.TrimSpace(message)
		if name == "" {
			return "New chat"
		}
		return name
	}
	return strings.TrimSpace(string(runes[:maxSessionNameLen])) + "..."
}
