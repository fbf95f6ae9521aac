package store

import "context"

// AgentStore provides the read-only configuration snapshots the resolver
// consumes, plus the single write the tool discovery probe needs.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetLLMConfig(ctx context.Context, id string) (*LLMConfig, error)
	GetTool(ctx context.Context, id string) (*Tool, error)
	GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error)

	// UpdateToolFunctionCount refreshes a tool's cached callable-function
	// count after a discovery probe.
	UpdateToolFunctionCount(ctx context.Context, toolID string, count int) error
}

// ConversationStore is the append-only persistence of chat sessions and
// messages. Messages are strictly ordered by creation time within a session;
// ListMessages must return them in that order.
type ConversationStore interface {
	CreateSession(ctx context.Context, session *ChatSession) error
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	ListSessions(ctx context.Context, agentID string, offset, limit int) ([]ChatSession, error)
	RenameSession(ctx context.Context, id, name, updatedBy string) error
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, message *ChatMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]ChatMessage, error)
}

// Store is the full persistence surface.
type Store interface {
	AgentStore
	ConversationStore
	Close() error
}
