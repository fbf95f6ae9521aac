package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/protocol"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on database/sql. Supports PostgreSQL, MySQL and
// SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres", "mysql" or "sqlite"
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS llm_configs (
    id VARCHAR(80) PRIMARY KEY,
    provider_type VARCHAR(80) NOT NULL,
    model VARCHAR(240) NOT NULL,
    endpoint_url VARCHAR(4000),
    api_key VARCHAR(240),
    config_file VARCHAR(4000),
    proxy_required BOOLEAN DEFAULT FALSE,
    streaming BOOLEAN DEFAULT FALSE,
    created_by VARCHAR(80),
    updated_by VARCHAR(80),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(80) PRIMARY KEY,
    name VARCHAR(240) NOT NULL,
    description VARCHAR(4000),
    llm_config_id VARCHAR(80) NOT NULL,
    system_prompt VARCHAR(4000),
    created_by VARCHAR(80),
    updated_by VARCHAR(80),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
    id VARCHAR(80) PRIMARY KEY,
    name VARCHAR(240) NOT NULL,
    description VARCHAR(4000),
    mcp_command VARCHAR(240) NOT NULL,
    function_count INTEGER DEFAULT 0,
    env_vars TEXT,
    resources TEXT,
    created_by VARCHAR(80),
    updated_by VARCHAR(80),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_bases (
    id VARCHAR(80) PRIMARY KEY,
    name VARCHAR(240) NOT NULL,
    description VARCHAR(4000),
    document_ids TEXT,
    created_by VARCHAR(80),
    updated_by VARCHAR(80),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_tools (
    agent_id VARCHAR(80) NOT NULL,
    tool_id VARCHAR(80) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (agent_id, tool_id)
);

CREATE TABLE IF NOT EXISTS agent_knowledge_bases (
    agent_id VARCHAR(80) NOT NULL,
    knowledge_base_id VARCHAR(80) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (agent_id, knowledge_base_id)
);

CREATE TABLE IF NOT EXISTS chat_sessions (
    id VARCHAR(80) PRIMARY KEY,
    name VARCHAR(240) NOT NULL,
    agent_id VARCHAR(80) NOT NULL,
    created_by VARCHAR(80),
    updated_by VARCHAR(80),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id VARCHAR(80) PRIMARY KEY,
    session_id VARCHAR(80) NOT NULL,
    seq BIGINT NOT NULL,
    speaker_name VARCHAR(240) NOT NULL,
    role VARCHAR(30) NOT NULL,
    content TEXT NOT NULL,
    created_by VARCHAR(80),
    updated_by VARCHAR(80),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent ON chat_sessions(agent_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq);
`

// NewSQLStore opens a connection and bootstraps the schema.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	dialect := driver
	driverName := driver
	// Config uses "sqlite" but go-sqlite3 registers as "sqlite3".
	if driver == "sqlite" {
		driverName = "sqlite3"
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind converts ?-placeholders to the dialect's format.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ----------------------------------------------------------------------------
// AgentStore
// ----------------------------------------------------------------------------

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := s.rebind(`
SELECT id, name, description, llm_config_id, system_prompt, created_by, updated_by, created_at, updated_at
FROM agents WHERE id = ?`)

	agent := &Agent{}
	var description, systemPrompt sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&agent.ID, &agent.Name, &description, &agent.LLMConfigID, &systemPrompt,
		&agent.CreatedBy, &agent.UpdatedBy, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("agent %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	agent.Description = description.String
	agent.SystemPrompt = systemPrompt.String

	agent.ToolIDs, err = s.listJoin(ctx, "agent_tools", "tool_id", id)
	if err != nil {
		return nil, err
	}
	agent.KnowledgeBaseIDs, err = s.listJoin(ctx, "agent_knowledge_bases", "knowledge_base_id", id)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *SQLStore) listJoin(ctx context.Context, table, column, agentID string) ([]string, error) {
	query := s.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE agent_id = ? ORDER BY created_at", column, table))

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) GetLLMConfig(ctx context.Context, id string) (*LLMConfig, error) {
	query := s.rebind(`
SELECT id, provider_type, model, endpoint_url, api_key, config_file, proxy_required, streaming,
       created_by, updated_by, created_at, updated_at
FROM llm_configs WHERE id = ?`)

	cfg := &LLMConfig{}
	var endpoint, apiKey, configFile sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&cfg.ID, &cfg.ProviderType, &cfg.Model, &endpoint, &apiKey, &configFile,
		&cfg.ProxyRequired, &cfg.Streaming,
		&cfg.CreatedBy, &cfg.UpdatedBy, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("LLM configuration %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load LLM config %s: %w", id, err)
	}
	cfg.EndpointURL = endpoint.String
	cfg.APIKey = apiKey.String
	cfg.ConfigFile = configFile.String
	return cfg, nil
}

func (s *SQLStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	query := s.rebind(`
SELECT id, name, description, mcp_command, function_count, env_vars, resources,
       created_by, updated_by, created_at, updated_at
FROM tools WHERE id = ?`)

	tool := &Tool{}
	var description, envVars, resources sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tool.ID, &tool.Name, &description, &tool.MCPCommand, &tool.FunctionCount,
		&envVars, &resources,
		&tool.CreatedBy, &tool.UpdatedBy, &tool.CreatedAt, &tool.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("tool %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool %s: %w", id, err)
	}
	tool.Description = description.String
	if envVars.String != "" {
		if err := json.Unmarshal([]byte(envVars.String), &tool.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to decode env vars for tool %s: %w", id, err)
		}
	}
	if resources.String != "" {
		if err := json.Unmarshal([]byte(resources.String), &tool.Resources); err != nil {
			return nil, fmt.Errorf("failed to decode resources for tool %s: %w", id, err)
		}
	}
	return tool, nil
}

func (s *SQLStore) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error) {
	query := s.rebind(`
SELECT id, name, description, document_ids, created_by, updated_by, created_at, updated_at
FROM knowledge_bases WHERE id = ?`)

	kb := &KnowledgeBase{}
	var description, documentIDs sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&kb.ID, &kb.Name, &description, &documentIDs,
		&kb.CreatedBy, &kb.UpdatedBy, &kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("knowledge base %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base %s: %w", id, err)
	}
	kb.Description = description.String
	if documentIDs.String != "" {
		if err := json.Unmarshal([]byte(documentIDs.String), &kb.DocumentIDs); err != nil {
			return nil, fmt.Errorf("failed to decode document ids for knowledge base %s: %w", id, err)
		}
	}
	return kb, nil
}

func (s *SQLStore) UpdateToolFunctionCount(ctx context.Context, toolID string, count int) error {
	query := s.rebind(`UPDATE tools SET function_count = ?, updated_at = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, count, time.Now().UTC(), toolID)
	if err != nil {
		return fmt.Errorf("failed to update function count for tool %s: %w", toolID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fault.NotFound("tool %q not found", toolID)
	}
	return nil
}

// ----------------------------------------------------------------------------
// ConversationStore
// ----------------------------------------------------------------------------

func (s *SQLStore) CreateSession(ctx context.Context, session *ChatSession) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	query := s.rebind(`
INSERT INTO chat_sessions (id, name, agent_id, created_by, updated_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Name, session.AgentID,
		session.CreatedBy, session.UpdatedBy, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	query := s.rebind(`
SELECT id, name, agent_id, created_by, updated_by, created_at, updated_at
FROM chat_sessions WHERE id = ?`)

	session := &ChatSession{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.Name, &session.AgentID,
		&session.CreatedBy, &session.UpdatedBy, &session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("chat session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat session %s: %w", id, err)
	}
	return session, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, agentID string, offset, limit int) ([]ChatSession, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT id, name, agent_id, created_by, updated_by, created_at, updated_at
FROM chat_sessions`
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		var session ChatSession
		if err := rows.Scan(
			&session.ID, &session.Name, &session.AgentID,
			&session.CreatedBy, &session.UpdatedBy, &session.CreatedAt, &session.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) RenameSession(ctx context.Context, id, name, updatedBy string) error {
	query := s.rebind(`UPDATE chat_sessions SET name = ?, updated_by = ?, updated_at = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, name, updatedBy, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rename chat session %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fault.NotFound("chat session %q not found", id)
	}
	return nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM chat_sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete chat session %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fault.NotFound("chat session %q not found", id)
	}
	// Messages cascade in the application layer since SQLite foreign keys
	// are off by default.
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM chat_messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete messages for session %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, message *ChatMessage) error {
	if !message.Role.Valid() {
		return fmt.Errorf("invalid message role %q", message.Role)
	}

	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	content, err := json.Marshal(message.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}

	// The per-session sequence carries the ordering; timestamps are too
	// coarse on MySQL, where TIMESTAMP has second precision and a fast turn
	// writes both of its messages within the same tick. Turns on a session
	// are serialized upstream, so MAX(seq)+1 inside one transaction is safe.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin message append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?`),
		message.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to allocate message sequence: %w", err)
	}

	query := s.rebind(`
INSERT INTO chat_messages (id, session_id, seq, speaker_name, role, content, created_by, updated_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, query,
		message.ID, message.SessionID, seq, message.SpeakerName, string(message.Role), string(content),
		message.CreatedBy, message.UpdatedBy, message.CreatedAt, message.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	query := s.rebind(`
SELECT id, session_id, speaker_name, role, content, created_by, updated_by, created_at, updated_at
FROM chat_messages WHERE session_id = ? ORDER BY seq`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var message ChatMessage
		var role, content string
		if err := rows.Scan(
			&message.ID, &message.SessionID, &message.SpeakerName, &role, &content,
			&message.CreatedBy, &message.UpdatedBy, &message.CreatedAt, &message.UpdatedAt,
		); err != nil {
			return nil, err
		}
		message.Role = protocol.Role(role)
		if err := json.Unmarshal([]byte(content), &message.Content); err != nil {
			return nil, fmt.Errorf("failed to decode content of message %s: %w", message.ID, err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}
