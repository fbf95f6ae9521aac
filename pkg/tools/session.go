// Package tools runs MCP tool servers as stdio subprocesses and exposes
// their functions to the orchestrator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/protocol"
	"github.com/viki-ai/viki/pkg/store"
)

const protocolVersion = "2024-11-05"

// SessionState tracks where a session is in its lifecycle.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateConnected
	StateReady
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// FunctionInfo describes one function an MCP server exposes.
type FunctionInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// mcpClient is the slice of mcp-go's client the session uses. Tests swap in
// a fake; production code always runs a real stdio subprocess.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// startStdio launches the MCP server subprocess. Overridable in tests.
var startStdio = func(ctx context.Context, command string, env []string, args ...string) (mcpClient, error) {
	mcpc, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, err
	}
	return mcpc, nil
}

// Session is one live connection to an MCP tool server. An MCP stdio
// session multiplexes a single pipe pair, so Invoke serializes calls
// behind a mutex.
type Session struct {
	tool store.Tool

	mu        sync.Mutex
	state     SessionState
	client    mcpClient
	functions map[string]FunctionInfo
}

// NewSession prepares a session for the given tool without contacting it.
func NewSession(tool store.Tool) *Session {
	return &Session{tool: tool, state: StateUninitialized}
}

// Tool returns the tool this session was built for.
func (s *Session) Tool() store.Tool {
	return s.tool
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect launches the tool's MCP server and completes the initialize
// handshake. The launch command is split on whitespace; the tool's
// environment variables are layered over the parent environment.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return fmt.Errorf("cannot connect a session in state %s", s.state)
	}

	fields := strings.Fields(s.tool.MCPCommand)
	if len(fields) == 0 {
		return fault.ToolUnavailable(s.tool.Name, "tool has no launch command", nil)
	}

	env := os.Environ()
	for _, v := range s.tool.EnvVars {
		env = append(env, v.Key+"="+v.Value)
	}

	mcpc, err := startStdio(ctx, fields[0], env, fields[1:]...)
	if err != nil {
		return fault.ToolUnavailable(s.tool.Name, "failed to start MCP server", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "viki", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpc.Initialize(ctx, initReq); err != nil {
		mcpc.Close()
		return fault.ToolUnavailable(s.tool.Name, "MCP initialize handshake failed", err)
	}

	s.client = mcpc
	s.state = StateConnected

	slog.Debug("Connected to MCP server",
		"tool", s.tool.Name,
		"command", fields[0],
	)
	return nil
}

// ListFunctions fetches the server's function catalog and moves the session
// to Ready.
func (s *Session) ListFunctions(ctx context.Context) ([]FunctionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnected:
	case StateReady:
		return s.catalog(), nil
	default:
		return nil, fmt.Errorf("cannot list functions in state %s", s.state)
	}

	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fault.ToolUnavailable(s.tool.Name, "failed to list MCP functions", err)
	}

	s.functions = make(map[string]FunctionInfo, len(resp.Tools))
	for _, t := range resp.Tools {
		s.functions[t.Name] = FunctionInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		}
	}
	s.state = StateReady

	return s.catalog(), nil
}

// Invoke calls one function and returns its result. Unknown function names
// and server-reported errors come back as IsError results so the model can
// react; only transport failures return an error.
func (s *Session) Invoke(ctx context.Context, call protocol.ToolCall) (protocol.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errResult := func(msg string) protocol.ToolResult {
		return protocol.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    msg,
			IsError:    true,
		}
	}

	if s.state != StateReady {
		return errResult(""), fmt.Errorf("cannot invoke in state %s", s.state)
	}

	if _, ok := s.functions[call.Name]; !ok {
		return errResult(fmt.Sprintf("tool %s has no function named %q", s.tool.Name, call.Name)), nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = call.Name
	req.Params.Arguments = call.Arguments

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return errResult(""), fault.ToolUnavailable(s.tool.Name,
			fmt.Sprintf("call to %s failed", call.Name), err)
	}

	return protocol.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    textContent(resp),
		IsError:    resp.IsError,
	}, nil
}

// Close terminates the subprocess. Safe to call from any state, repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.functions = nil
	return err
}

func (s *Session) catalog() []FunctionInfo {
	out := make([]FunctionInfo, 0, len(s.functions))
	for _, f := range s.functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func textContent(resp *mcp.CallToolResult) string {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
