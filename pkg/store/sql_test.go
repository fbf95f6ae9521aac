package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/protocol"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	s := &SQLStore{dialect: "postgres"}
	assert.Equal(t,
		"SELECT id FROM tools WHERE id = $1 AND name = $2",
		s.rebind("SELECT id FROM tools WHERE id = ? AND name = ?"),
	)

	s = &SQLStore{dialect: "sqlite"}
	assert.Equal(t,
		"SELECT id FROM tools WHERE id = ?",
		s.rebind("SELECT id FROM tools WHERE id = ?"),
	)
}

func TestSQLStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLStore("oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestSQLStoreMessageRoundTrip(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &ChatSession{ID: "s1", Name: "chat", AgentID: "a1"}))

	content := protocol.ToolCallContent("let me check", []protocol.ToolCall{
		{ID: "call_1", Name: "lookup", Arguments: map[string]any{"q": "go"}},
	})
	require.NoError(t, s.AppendMessage(ctx, &ChatMessage{
		ID:          "m1",
		SessionID:   "s1",
		SpeakerName: "helper",
		Role:        protocol.RoleAI,
		Content:     content,
	}))

	messages, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, protocol.RoleAI, messages[0].Role)
	assert.Equal(t, "let me check", messages[0].Content.Text())
	require.Len(t, messages[0].Content.ToolCalls(), 1)
}

// A fast turn writes both of its messages within the same clock tick, and
// MySQL TIMESTAMP columns only keep whole seconds. Ordering must survive
// identical created_at values regardless of how the message ids sort.
func TestSQLStoreMessageOrderSurvivesEqualTimestamps(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &ChatSession{ID: "s1", Name: "chat", AgentID: "a1"}))

	at := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ids := []string{"zzz", "mmm", "aaa"} // descending, to catch id tiebreaks
	for i, id := range ids {
		require.NoError(t, s.AppendMessage(ctx, &ChatMessage{
			ID:          id,
			SessionID:   "s1",
			SpeakerName: "alice",
			Role:        protocol.RoleUser,
			Content:     protocol.TextContent(fmt.Sprintf("message %d", i)),
			Audit:       Audit{CreatedAt: at},
		}))
	}

	messages, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i, msg := range messages {
		assert.Equal(t, ids[i], msg.ID)
		assert.Equal(t, fmt.Sprintf("message %d", i), msg.Content.Text())
	}
}

func TestSQLStoreDeleteSessionCascades(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &ChatSession{ID: "s1", Name: "chat", AgentID: "a1"}))
	require.NoError(t, s.AppendMessage(ctx, &ChatMessage{
		ID: "m1", SessionID: "s1", SpeakerName: "helper",
		Role: protocol.RoleUser, Content: protocol.TextContent("hi"),
	}))

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err := s.GetSession(ctx, "s1")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	messages, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSQLStoreNotFoundClassification(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.GetAgent(ctx, "nope")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = s.GetLLMConfig(ctx, "nope")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = s.GetTool(ctx, "nope")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}
