// Package orchestrator runs chat turns: it resolves the agent's
// configuration, drives the LLM/tool-calling loop and guarantees that every
// turn ends with exactly one persisted assistant message, whatever fails
// along the way.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/knowledge"
	"github.com/viki-ai/viki/pkg/llms"
	"github.com/viki-ai/viki/pkg/protocol"
	"github.com/viki-ai/viki/pkg/store"
	"github.com/viki-ai/viki/pkg/tools"
)

// State names where a turn is in its lifecycle. Completed and Errored are
// terminal; both leave exactly one new assistant message behind.
type State int

const (
	StateStart State = iota
	StateAwaitingLLM
	StateExecutingTools
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAwaitingLLM:
		return "awaiting_llm"
	case StateExecutingTools:
		return "executing_tools"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Options tune a turn's bounds. Zero values mean defaults.
type Options struct {
	MaxHops         int
	LLMTimeout      time.Duration
	ToolTimeout     time.Duration
	SequentialTools bool
	TokenBudget     int // 0 disables the pre-call estimate check
	RetrievalTopK   int
}

func DefaultOptions() Options {
	return Options{
		MaxHops:       8,
		LLMTimeout:    120 * time.Second,
		ToolTimeout:   60 * time.Second,
		RetrievalTopK: 4,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxHops == 0 {
		o.MaxHops = def.MaxHops
	}
	if o.LLMTimeout == 0 {
		o.LLMTimeout = def.LLMTimeout
	}
	if o.ToolTimeout == 0 {
		o.ToolTimeout = def.ToolTimeout
	}
	if o.RetrievalTopK == 0 {
		o.RetrievalTopK = def.RetrievalTopK
	}
	return o
}

// TurnOutcome reports one finished turn. Message is the assistant message;
// an errored turn carries a synthesized failure text there and looks like a
// successful turn in shape.
type TurnOutcome struct {
	UserMessage store.ChatMessage
	Message     store.ChatMessage
	Status      State
	Hops        int
}

// toolSession is the slice of tools.Session the loop needs. Tests swap in
// scripted fakes.
type toolSession interface {
	Connect(ctx context.Context) error
	ListFunctions(ctx context.Context) ([]tools.FunctionInfo, error)
	Invoke(ctx context.Context, call protocol.ToolCall) (protocol.ToolResult, error)
	Close() error
}

// Orchestrator is safe for concurrent use; turns on distinct sessions run
// independently while turns on the same session are serialized.
type Orchestrator struct {
	store     store.Store
	retriever knowledge.Retriever // nil disables retrieval
	resolver  *Resolver
	opts      Options
	locks     *sessionLocks

	newToolSession func(store.Tool) toolSession
}

func New(st store.Store, retriever knowledge.Retriever, opts Options) *Orchestrator {
	return &Orchestrator{
		store:     st,
		retriever: retriever,
		resolver:  NewResolver(st),
		opts:      opts.withDefaults(),
		locks:     newSessionLocks(),
		newToolSession: func(t store.Tool) toolSession {
			return tools.NewSession(t)
		},
	}
}

// StartSession creates a session named after the opening message and runs
// the first turn on it.
func (o *Orchestrator) StartSession(ctx context.Context, agentID, text, username string) (*store.ChatSession, *TurnOutcome, error) {
	if _, err := o.store.GetAgent(ctx, agentID); err != nil {
		return nil, nil, err
	}

	session := &store.ChatSession{
		ID:      uuid.NewString(),
		Name:    store.SessionNameFromMessage(text),
		AgentID: agentID,
		Audit:   store.Audit{CreatedBy: username, UpdatedBy: username},
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	outcome, err := o.SubmitMessage(ctx, session.ID, text, username)
	if err != nil {
		return nil, nil, err
	}
	return session, outcome, nil
}

// SubmitMessage runs one full turn: persist the user message, drive the
// LLM/tool loop and persist the terminal assistant message.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID, text, username string) (*TurnOutcome, error) {
	release := o.locks.acquire(sessionID)
	defer release()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userMsg := store.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		SpeakerName: username,
		Role:        protocol.RoleUser,
		Content:     protocol.TextContent(text),
		Audit:       store.Audit{CreatedBy: username, UpdatedBy: username},
	}
	if err := o.store.AppendMessage(ctx, &userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	// Past this point the turn owes the session exactly one assistant
	// message. A client disconnect must not cancel that obligation.
	ctx = context.WithoutCancel(ctx)

	content, speaker, status, hops := o.executeTurn(ctx, session, text)

	assistant := store.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		SpeakerName: speaker,
		Role:        protocol.RoleAI,
		Content:     content,
		Audit:       store.Audit{CreatedBy: username, UpdatedBy: username},
	}
	if err := o.store.AppendMessage(ctx, &assistant); err != nil {
		slog.Error("Failed to persist assistant message",
			"session", session.ID, "status", status, "error", err)
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	slog.Info("Turn finished",
		"session", session.ID,
		"status", status.String(),
		"hops", hops,
	)
	return &TurnOutcome{UserMessage: userMsg, Message: assistant, Status: status, Hops: hops}, nil
}

func (o *Orchestrator) executeTurn(ctx context.Context, session *store.ChatSession, userText string) (protocol.Content, string, State, int) {
	execCtx, err := o.resolver.Resolve(ctx, session.AgentID)
	if err != nil {
		slog.Error("Turn failed", "session", session.ID, "stage", "resolve", "error", err)
		return protocol.TextContent(synthesizeFailure(err)), "assistant", StateErrored, 0
	}
	defer execCtx.Provider.Close()

	content, status, hops := o.runLoop(ctx, session, execCtx, userText)
	return content, execCtx.Agent.Name, status, hops
}

func (o *Orchestrator) runLoop(ctx context.Context, session *store.ChatSession, execCtx *ExecutionContext, userText string) (protocol.Content, State, int) {
	fail := func(err error, hops int) (protocol.Content, State, int) {
		slog.Error("Turn failed", "session", session.ID, "hops", hops, "error", err)
		return protocol.TextContent(synthesizeFailure(err)), StateErrored, hops
	}

	// Open one session per attached tool. A tool that cannot connect is
	// remembered rather than aborting the turn; the model simply does not
	// see its functions.
	routes := make(map[string]toolSession)
	var toolDefs []llms.ToolDefinition
	var sessions []toolSession
	anyUnavailable := false
	defer func() {
		for _, ts := range sessions {
			if err := ts.Close(); err != nil {
				slog.Warn("Failed to close tool session", "session", session.ID, "error", err)
			}
		}
	}()

	for _, tool := range execCtx.Tools {
		ts := o.newToolSession(tool)
		sessions = append(sessions, ts)

		connCtx, cancel := context.WithTimeout(ctx, o.opts.ToolTimeout)
		err := ts.Connect(connCtx)
		var functions []tools.FunctionInfo
		if err == nil {
			functions, err = ts.ListFunctions(connCtx)
		}
		cancel()
		if err != nil {
			anyUnavailable = true
			slog.Warn("Tool unavailable for this turn",
				"session", session.ID, "tool", tool.Name, "error", err)
			continue
		}

		for _, fn := range functions {
			if _, dup := routes[fn.Name]; dup {
				slog.Warn("Duplicate function name across tools, keeping the first",
					"session", session.ID, "function", fn.Name)
				continue
			}
			routes[fn.Name] = ts
			toolDefs = append(toolDefs, llms.ToolDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.InputSchema,
			})
		}
	}

	system := execCtx.SystemPrompt
	if o.retriever != nil && len(execCtx.KnowledgeBaseIDs) > 0 {
		snippets, err := o.retriever.Retrieve(ctx, execCtx.KnowledgeBaseIDs, userText, o.opts.RetrievalTopK)
		if err != nil {
			slog.Warn("Knowledge retrieval failed", "session", session.ID, "error", err)
		} else if len(snippets) > 0 {
			system = strings.TrimSpace(system + "\n\n" + snippetBlock(snippets))
		}
	}

	history, err := o.loadHistory(ctx, session.ID)
	if err != nil {
		return fail(err, 0)
	}
	req := &llms.Request{System: system, Messages: history, Tools: toolDefs}

	var parts protocol.Content
	hops := 0
	for {
		if o.opts.TokenBudget > 0 {
			est := estimatePromptTokens(execCtx.LLMConfig.Model, req.System, messageTexts(req.Messages))
			if est > o.opts.TokenBudget {
				return fail(fault.ContextTooLarge(
					execCtx.LLMConfig.ProviderType, execCtx.LLMConfig.Model,
					o.opts.TokenBudget, est,
					"conversation exceeds the configured token budget"), hops)
			}
		}

		llmCtx, cancel := context.WithTimeout(ctx, o.opts.LLMTimeout)
		result, err := execCtx.Provider.Generate(llmCtx, req)
		cancel()
		if err != nil {
			return fail(err, hops)
		}

		if !result.IsToolCallRequest() {
			parts = append(parts, protocol.TextContent(result.Text)...)
			return parts, StateCompleted, hops
		}

		if hops >= o.opts.MaxHops {
			return fail(fault.LoopLimitExceeded(o.opts.MaxHops), hops)
		}

		parts = append(parts, protocol.ToolCallContent(result.Text, result.ToolCalls)...)

		results, err := o.dispatch(ctx, session.ID, routes, result.ToolCalls, anyUnavailable)
		if err != nil {
			return fail(err, hops)
		}
		parts = append(parts, protocol.ToolResultContent(results)...)

		req.Messages = append(req.Messages,
			llms.Message{Role: llms.MessageRoleAssistant, Content: result.Text, ToolCalls: result.ToolCalls},
			llms.Message{Role: llms.MessageRoleTool, ToolResults: results},
		)
		hops++
	}
}

// dispatch executes one round of tool calls. Independent sessions run in
// parallel; a session's own mutex serializes calls that share it. Failed
// and unroutable calls come back as IsError results the model can react
// to, except when nothing could serve any call at all.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, routes map[string]toolSession, calls []protocol.ToolCall, anyUnavailable bool) ([]protocol.ToolResult, error) {
	unroutable := 0
	for _, call := range calls {
		if _, ok := routes[call.Name]; !ok {
			unroutable++
		}
	}
	if anyUnavailable && unroutable == len(calls) {
		return nil, fault.ToolUnavailable(calls[0].Name,
			"every requested call targeted a tool that is unavailable this turn", nil)
	}

	results := make([]protocol.ToolResult, len(calls))
	transportFailed := make([]bool, len(calls))

	invoke := func(i int, call protocol.ToolCall) {
		ts, ok := routes[call.Name]
		if !ok {
			results[i] = protocol.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    fmt.Sprintf("no available tool provides a function named %q", call.Name),
				IsError:    true,
			}
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, o.opts.ToolTimeout)
		defer cancel()

		result, err := ts.Invoke(callCtx, call)
		if err != nil {
			slog.Warn("Tool call failed",
				"session", sessionID, "function", call.Name, "error", err)
			transportFailed[i] = true
			results[i] = protocol.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    fmt.Sprintf("tool call failed: %v", err),
				IsError:    true,
			}
			return
		}
		results[i] = result
	}

	if o.opts.SequentialTools || len(calls) == 1 {
		for i, call := range calls {
			invoke(i, call)
		}
	} else {
		var g errgroup.Group
		for i, call := range calls {
			g.Go(func() error {
				invoke(i, call)
				return nil
			})
		}
		g.Wait()
	}

	allTransportFailed := true
	for _, failed := range transportFailed {
		if !failed {
			allTransportFailed = false
			break
		}
	}
	if len(calls) > 0 && allTransportFailed {
		return nil, fault.ToolUnavailable(calls[0].Name,
			"every requested tool call failed at the transport level", nil)
	}

	return results, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string) ([]llms.Message, error) {
	stored, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	history := make([]llms.Message, 0, len(stored))
	for _, msg := range stored {
		text := msg.Content.Text()
		if text == "" {
			continue
		}
		role := llms.MessageRoleUser
		if msg.Role == protocol.RoleAI {
			role = llms.MessageRoleAssistant
		}
		history = append(history, llms.Message{Role: role, Content: text})
	}
	return history, nil
}

func messageTexts(messages []llms.Message) []string {
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Content != "" {
			texts = append(texts, m.Content)
		}
		for _, r := range m.ToolResults {
			texts = append(texts, r.Content)
		}
	}
	return texts
}

func snippetBlock(snippets []knowledge.Snippet) string {
	var b strings.Builder
	b.WriteString("Relevant knowledge base excerpts:")
	for _, s := range snippets {
		b.WriteString("\n- ")
		b.WriteString(s.Text)
	}
	return b.String()
}
