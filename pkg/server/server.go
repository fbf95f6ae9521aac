// Package server exposes chat sessions and tool discovery over HTTP.
// Turn outcomes always come back 201 with the stored messages; an errored
// turn looks like a successful one in shape, with the internal status in
// the X-Turn-Status header.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/orchestrator"
	"github.com/viki-ai/viki/pkg/store"
	"github.com/viki-ai/viki/pkg/tools"
)

const (
	defaultUsername  = "SYSTEM"
	turnStatusHeader = "X-Turn-Status"
)

// discoverFunc probes a tool's MCP server. Swappable in tests.
type discoverFunc func(ctx context.Context, tool store.Tool) (*tools.Discovery, error)

// Server holds the HTTP surface. Build one with New and serve its Handler.
type Server struct {
	store    store.Store
	orch     *orchestrator.Orchestrator
	discover discoverFunc
	router   chi.Router
}

func New(st store.Store, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		store:    st,
		orch:     orch,
		discover: tools.Discover,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Put("/sessions/{id}", s.handleRenameSession)
			r.Delete("/sessions/{id}", s.handleDeleteSession)
			r.Post("/sessions/{id}/messages", s.handleSubmitMessage)
			r.Get("/sessions/{id}/messages", s.handleListMessages)
			r.Get("/agents/{id}/sessions", s.handleAgentSessions)
		})
		r.Post("/tools/{id}/discover", s.handleDiscoverTool)
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func username(r *http.Request) string {
	if u := r.Header.Get("x-username"); u != "" {
		return u
	}
	return defaultUsername
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Error("Failed to encode response", "error", err)
		}
	}
}

// writeError maps classified failures onto {"detail": ...} bodies.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindConfigurationInvalid:
		status = http.StatusBadRequest
	case fault.KindToolUnavailable:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func badRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"detail": detail})
}

type createSessionRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type sessionResponse struct {
	Session  *store.ChatSession  `json:"session"`
	Messages []store.ChatMessage `json:"messages"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Message == "" {
		badRequest(w, "agent_id and message are required")
		return
	}

	session, outcome, err := s.orch.StartSession(r.Context(), req.AgentID, req.Message, username(r))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(turnStatusHeader, outcome.Status.String())
	writeJSON(w, http.StatusCreated, sessionResponse{
		Session:  session,
		Messages: []store.ChatMessage{outcome.UserMessage, outcome.Message},
	})
}

type submitMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Message == "" {
		badRequest(w, "message is required")
		return
	}

	outcome, err := s.orch.SubmitMessage(r.Context(), chi.URLParam(r, "id"), req.Message, username(r))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(turnStatusHeader, outcome.Status.String())
	writeJSON(w, http.StatusCreated, map[string][]store.ChatMessage{
		"messages": {outcome.UserMessage, outcome.Message},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.listSessions(w, r, r.URL.Query().Get("agent_id"))
}

func (s *Server) handleAgentSessions(w http.ResponseWriter, r *http.Request) {
	s.listSessions(w, r, chi.URLParam(r, "id"))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request, agentID string) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)

	sessions, err := s.store.ListSessions(r.Context(), agentID, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.RenameSession(r.Context(), id, req.Name, username(r)); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type discoverResponse struct {
	FunctionCount int                  `json:"function_count"`
	Functions     []tools.FunctionInfo `json:"functions"`
}

// handleDiscoverTool probes the tool's MCP server and refreshes its cached
// function count.
func (s *Server) handleDiscoverTool(w http.ResponseWriter, r *http.Request) {
	tool, err := s.store.GetTool(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	discovery, err := s.discover(r.Context(), *tool)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.UpdateToolFunctionCount(r.Context(), tool.ID, discovery.FunctionCount); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, discoverResponse{
		FunctionCount: discovery.FunctionCount,
		Functions:     discovery.Functions,
	})
}

// ListenAndServe runs the server until ctx is canceled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
