package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentRoundTrip(t *testing.T) {
	content := ToolCallContent("checking the weather", []ToolCall{
		{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "Berlin"}},
	})

	data, err := json.Marshal(content)
	require.NoError(t, err)

	var decoded Content
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "checking the weather", decoded.Text())
	calls := decoded.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, "Berlin", calls[0].Arguments["city"])
}

func TestUnmarshalRejectsUnknownPartType(t *testing.T) {
	var content Content
	err := json.Unmarshal([]byte(`[{"type":"image"}]`), &content)
	assert.ErrorContains(t, err, "unknown part type")
}

func TestUnmarshalRejectsMissingPayload(t *testing.T) {
	var content Content
	err := json.Unmarshal([]byte(`[{"type":"tool_call"}]`), &content)
	assert.ErrorContains(t, err, "without tool_call payload")
}

func TestToolResultContentPreservesErrors(t *testing.T) {
	content := ToolResultContent([]ToolResult{
		{ToolCallID: "call_1", ToolName: "get_weather", Content: "sunny"},
		{ToolCallID: "call_2", ToolName: "get_weather", Content: "unknown city", IsError: true},
	})

	results := content.ToolResults()
	require.Len(t, results, 2)
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAI.Valid())
	assert.False(t, Role("assistant").Valid())
	assert.False(t, Role("").Valid())
}
