package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/viki-ai/viki/pkg/fault"
)

// MemoryStore is an in-process Store used by tests and zero-config runs.
type MemoryStore struct {
	mu             sync.RWMutex
	agents         map[string]*Agent
	llmConfigs     map[string]*LLMConfig
	tools          map[string]*Tool
	knowledgeBases map[string]*KnowledgeBase
	sessions       map[string]*ChatSession
	messages       map[string][]ChatMessage // sessionID -> ordered messages
	seq            int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:         make(map[string]*Agent),
		llmConfigs:     make(map[string]*LLMConfig),
		tools:          make(map[string]*Tool),
		knowledgeBases: make(map[string]*KnowledgeBase),
		sessions:       make(map[string]*ChatSession),
		messages:       make(map[string][]ChatMessage),
	}
}

// Seed helpers for configuration entities.

func (s *MemoryStore) PutAgent(agent Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = &agent
}

func (s *MemoryStore) PutLLMConfig(cfg LLMConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmConfigs[cfg.ID] = &cfg
}

func (s *MemoryStore) PutTool(tool Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.ID] = &tool
}

func (s *MemoryStore) PutKnowledgeBase(kb KnowledgeBase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledgeBases[kb.ID] = &kb
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, fault.NotFound("agent %q not found", id)
	}
	copied := *agent
	return &copied, nil
}

func (s *MemoryStore) GetLLMConfig(ctx context.Context, id string) (*LLMConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.llmConfigs[id]
	if !ok {
		return nil, fault.NotFound("LLM configuration %q not found", id)
	}
	copied := *cfg
	return &copied, nil
}

func (s *MemoryStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tool, ok := s.tools[id]
	if !ok {
		return nil, fault.NotFound("tool %q not found", id)
	}
	copied := *tool
	return &copied, nil
}

func (s *MemoryStore) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, ok := s.knowledgeBases[id]
	if !ok {
		return nil, fault.NotFound("knowledge base %q not found", id)
	}
	copied := *kb
	return &copied, nil
}

func (s *MemoryStore) UpdateToolFunctionCount(ctx context.Context, toolID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, ok := s.tools[toolID]
	if !ok {
		return fault.NotFound("tool %q not found", toolID)
	}
	tool.FunctionCount = count
	tool.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fault.NotFound("chat session %q not found", id)
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, agentID string, offset, limit int) ([]ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}

	var sessions []ChatSession
	for _, session := range s.sessions {
		if agentID != "" && session.AgentID != agentID {
			continue
		}
		sessions = append(sessions, *session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	if offset >= len(sessions) {
		return nil, nil
	}
	end := offset + limit
	if end > len(sessions) {
		end = len(sessions)
	}
	return sessions[offset:end], nil
}

func (s *MemoryStore) RenameSession(ctx context.Context, id, name, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return fault.NotFound("chat session %q not found", id)
	}
	session.Name = name
	session.UpdatedBy = updatedBy
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fault.NotFound("chat session %q not found", id)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, message *ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !message.Role.Valid() {
		return fault.ConfigurationInvalid("invalid message role %q", message.Role)
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		// The sequence counter keeps ordering stable when two appends land
		// on the same clock tick.
		s.seq++
		message.CreatedAt = now.Add(time.Duration(s.seq))
	}
	message.UpdatedAt = now
	s.messages[message.SessionID] = append(s.messages[message.SessionID], *message)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := s.messages[sessionID]
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
