package orchestrator

import (
	"context"
	"log/slog"

	"github.com/viki-ai/viki/pkg/llms"
	"github.com/viki-ai/viki/pkg/store"
)

// ExecutionContext is the immutable snapshot a turn runs against. It is
// rebuilt for every turn; tool and knowledge base bindings stay fresh.
type ExecutionContext struct {
	Agent            store.Agent
	LLMConfig        store.LLMConfig
	Provider         llms.Provider
	SystemPrompt     string
	Tools            []store.Tool
	KnowledgeBaseIDs []string
}

// Resolver loads an agent's configuration graph. Resolution is side-effect
// free: the provider adapter is constructed but nothing is contacted.
type Resolver struct {
	agents      store.AgentStore
	newProvider func(store.LLMConfig) (llms.Provider, error)
}

func NewResolver(agents store.AgentStore) *Resolver {
	return &Resolver{agents: agents, newProvider: llms.New}
}

// Resolve returns the execution context for an agent, or a classified
// NotFound/ConfigurationInvalid failure.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (*ExecutionContext, error) {
	agent, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	llmConfig, err := r.agents.GetLLMConfig(ctx, agent.LLMConfigID)
	if err != nil {
		return nil, err
	}

	provider, err := r.newProvider(*llmConfig)
	if err != nil {
		return nil, err
	}

	tools := make([]store.Tool, 0, len(agent.ToolIDs))
	for _, toolID := range agent.ToolIDs {
		tool, err := r.agents.GetTool(ctx, toolID)
		if err != nil {
			provider.Close()
			return nil, err
		}
		tools = append(tools, *tool)
	}

	// A dangling knowledge base binding degrades retrieval, it does not
	// block the turn.
	kbIDs := make([]string, 0, len(agent.KnowledgeBaseIDs))
	for _, kbID := range agent.KnowledgeBaseIDs {
		if _, err := r.agents.GetKnowledgeBase(ctx, kbID); err != nil {
			slog.Warn("Skipping missing knowledge base", "agent", agent.ID, "knowledge_base", kbID)
			continue
		}
		kbIDs = append(kbIDs, kbID)
	}

	return &ExecutionContext{
		Agent:            *agent,
		LLMConfig:        *llmConfig,
		Provider:         provider,
		SystemPrompt:     agent.SystemPrompt,
		Tools:            tools,
		KnowledgeBaseIDs: kbIDs,
	}, nil
}
