package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/orchestrator"
	"github.com/viki-ai/viki/pkg/protocol"
	"github.com/viki-ai/viki/pkg/store"
	"github.com/viki-ai/viki/pkg/tools"
)

// newLLMBackend fakes the OpenAI chat completions endpoint so turns run
// through the real provider adapter.
func newLLMBackend(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"choices": [{"message": {"role": "assistant", "content": %q}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4}
		}`, reply)
	}))
	t.Cleanup(backend.Close)
	return backend
}

type serverFixture struct {
	store  *store.MemoryStore
	server *Server
	api    *httptest.Server
}

func newServerFixture(t *testing.T, reply string) *serverFixture {
	t.Helper()

	backend := newLLMBackend(t, reply)

	st := store.NewMemoryStore()
	st.PutLLMConfig(store.LLMConfig{
		ID:           "llc-1",
		ProviderType: "openai",
		Model:        "gpt-4o-mini",
		APIKey:       "sk-test",
		EndpointURL:  backend.URL,
	})
	st.PutAgent(store.Agent{
		ID:           "agt-1",
		Name:         "Support Agent",
		LLMConfigID:  "llc-1",
		SystemPrompt: "You help with orders.",
	})
	st.PutTool(store.Tool{ID: "tol-1", Name: "orders", MCPCommand: "uvx orders-mcp"})

	srv := New(st, orchestrator.New(st, nil, orchestrator.Options{}))
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	return &serverFixture{store: st, server: srv, api: api}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.api.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *serverFixture) createSession(t *testing.T, message string) sessionResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions",
		createSessionRequest{AgentID: "agt-1", Message: message},
		map[string]string{"x-username": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[sessionResponse](t, resp)
}

func TestCreateSessionRunsFirstTurn(t *testing.T) {
	f := newServerFixture(t, "Your order shipped yesterday.")

	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions",
		createSessionRequest{AgentID: "agt-1", Message: "where is my order?"},
		map[string]string{"x-username": "alice"})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "completed", resp.Header.Get("X-Turn-Status"))

	body := decodeJSON[sessionResponse](t, resp)
	require.NotNil(t, body.Session)
	assert.Equal(t, "agt-1", body.Session.AgentID)
	assert.Equal(t, "where is my order?", body.Session.Name)
	assert.Equal(t, "alice", body.Session.CreatedBy)

	require.Len(t, body.Messages, 2)
	assert.Equal(t, protocol.RoleUser, body.Messages[0].Role)
	assert.Equal(t, "alice", body.Messages[0].SpeakerName)
	assert.Equal(t, protocol.RoleAI, body.Messages[1].Role)
	assert.Equal(t, "Support Agent", body.Messages[1].SpeakerName)
	assert.Equal(t, "Your order shipped yesterday.", body.Messages[1].Content.Text())
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	f := newServerFixture(t, "unused")

	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions",
		createSessionRequest{AgentID: "agt-missing", Message: "hello"}, nil)

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeJSON[map[string]string](t, resp)
	assert.Contains(t, body["detail"], "agt-missing")
}

func TestCreateSessionValidation(t *testing.T) {
	f := newServerFixture(t, "unused")

	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions",
		createSessionRequest{AgentID: "agt-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/chat/sessions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitMessageAppendsToSession(t *testing.T) {
	f := newServerFixture(t, "It arrives Friday.")
	created := f.createSession(t, "where is my order?")

	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions/"+created.Session.ID+"/messages",
		submitMessageRequest{Message: "and when does it arrive?"},
		map[string]string{"x-username": "alice"})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "completed", resp.Header.Get("X-Turn-Status"))

	body := decodeJSON[map[string][]store.ChatMessage](t, resp)
	require.Len(t, body["messages"], 2)
	assert.Equal(t, "and when does it arrive?", body["messages"][0].Content.Text())
	assert.Equal(t, "It arrives Friday.", body["messages"][1].Content.Text())

	stored, err := f.store.ListMessages(context.Background(), created.Session.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestSubmitMessageUnknownSession(t *testing.T) {
	f := newServerFixture(t, "unused")

	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions/cht-missing/messages",
		submitMessageRequest{Message: "hello"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// A turn that fails inside the loop still produces a stored assistant
// message and a 201; only the status header tells the difference.
func TestErroredTurnStillReturnsCreated(t *testing.T) {
	f := newServerFixture(t, "unused")
	f.store.PutLLMConfig(store.LLMConfig{ID: "llc-bad", ProviderType: "bedrock", Model: "titan"})
	f.store.PutAgent(store.Agent{ID: "agt-bad", Name: "Broken Agent", LLMConfigID: "llc-bad"})

	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions",
		createSessionRequest{AgentID: "agt-bad", Message: "hello"}, nil)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "errored", resp.Header.Get("X-Turn-Status"))

	body := decodeJSON[sessionResponse](t, resp)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, protocol.RoleAI, body.Messages[1].Role)
	assert.NotEmpty(t, body.Messages[1].Content.Text())
}

func TestDefaultUsernameIsSystem(t *testing.T) {
	f := newServerFixture(t, "ok")

	body := f.createSessionAs(t, "")
	assert.Equal(t, "SYSTEM", body.Session.CreatedBy)
	assert.Equal(t, "SYSTEM", body.Messages[0].SpeakerName)
}

func (f *serverFixture) createSessionAs(t *testing.T, user string) sessionResponse {
	t.Helper()
	headers := map[string]string{}
	if user != "" {
		headers["x-username"] = user
	}
	resp := f.do(t, http.MethodPost, "/api/v1/chat/sessions",
		createSessionRequest{AgentID: "agt-1", Message: "hello"}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[sessionResponse](t, resp)
}

func TestSessionLifecycle(t *testing.T) {
	f := newServerFixture(t, "ok")
	created := f.createSession(t, "first question")
	id := created.Session.ID

	resp := f.do(t, http.MethodGet, "/api/v1/chat/sessions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[store.ChatSession](t, resp)
	assert.Equal(t, "first question", got.Name)

	resp = f.do(t, http.MethodPut, "/api/v1/chat/sessions/"+id,
		renameSessionRequest{Name: "Order troubleshooting"},
		map[string]string{"x-username": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renamed := decodeJSON[store.ChatSession](t, resp)
	assert.Equal(t, "Order troubleshooting", renamed.Name)
	assert.Equal(t, "bob", renamed.UpdatedBy)

	resp = f.do(t, http.MethodGet, "/api/v1/chat/sessions?agent_id=agt-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeJSON[[]store.ChatSession](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)

	resp = f.do(t, http.MethodGet, "/api/v1/chat/agents/agt-1/sessions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	byAgent := decodeJSON[[]store.ChatSession](t, resp)
	assert.Len(t, byAgent, 1)

	resp = f.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/chat/sessions/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRenameSessionRequiresName(t *testing.T) {
	f := newServerFixture(t, "ok")
	created := f.createSession(t, "hello")

	resp := f.do(t, http.MethodPut, "/api/v1/chat/sessions/"+created.Session.ID,
		renameSessionRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessages(t *testing.T) {
	f := newServerFixture(t, "ok")
	created := f.createSession(t, "hello")

	resp := f.do(t, http.MethodGet, "/api/v1/chat/sessions/"+created.Session.ID+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := decodeJSON[[]store.ChatMessage](t, resp)
	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleUser, messages[0].Role)
	assert.Equal(t, protocol.RoleAI, messages[1].Role)

	resp = f.do(t, http.MethodGet, "/api/v1/chat/sessions/cht-missing/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiscoverToolRefreshesFunctionCount(t *testing.T) {
	f := newServerFixture(t, "unused")
	f.server.discover = func(ctx context.Context, tool store.Tool) (*tools.Discovery, error) {
		assert.Equal(t, "tol-1", tool.ID)
		return &tools.Discovery{
			FunctionCount: 2,
			Functions: []tools.FunctionInfo{
				{Name: "cancel_order"},
				{Name: "lookup_order"},
			},
		}, nil
	}

	resp := f.do(t, http.MethodPost, "/api/v1/tools/tol-1/discover", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[discoverResponse](t, resp)
	assert.Equal(t, 2, body.FunctionCount)
	require.Len(t, body.Functions, 2)

	tool, err := f.store.GetTool(context.Background(), "tol-1")
	require.NoError(t, err)
	assert.Equal(t, 2, tool.FunctionCount)
}

func TestDiscoverToolUnavailable(t *testing.T) {
	f := newServerFixture(t, "unused")
	f.server.discover = func(ctx context.Context, tool store.Tool) (*tools.Discovery, error) {
		return nil, fault.ToolUnavailable(tool.Name, "handshake failed", errors.New("broken pipe"))
	}

	resp := f.do(t, http.MethodPost, "/api/v1/tools/tol-1/discover", nil, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeJSON[map[string]string](t, resp)
	assert.Contains(t, body["detail"], "orders")
}

func TestDiscoverToolUnknown(t *testing.T) {
	f := newServerFixture(t, "unused")

	resp := f.do(t, http.MethodPost, "/api/v1/tools/tol-missing/discover", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
