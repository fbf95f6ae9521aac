package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/httpclient"
	"github.com/viki-ai/viki/pkg/protocol"
)

const openaiDefaultHost = "https://api.openai.com"

// OpenAIProvider speaks the OpenAI chat completions protocol. The same
// adapter serves every compatible gateway (Groq, OpenRouter, Cerebras,
// Azure AI, HuggingFace) with a different host; providerType is kept for
// error attribution.
type OpenAIProvider struct {
	providerType string
	model        string
	apiKey       string
	endpoint     string
	httpClient   *httpclient.Client
}

type openaiFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func NewOpenAIProvider(providerType, model, apiKey, host string, timeout time.Duration, extraOpts ...httpclient.Option) *OpenAIProvider {
	if host == "" {
		host = openaiDefaultHost
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	}
	opts = append(opts, extraOpts...)

	// Azure AI inference endpoints mount chat completions at the root, not
	// under /v1.
	path := "/v1/chat/completions"
	if providerType == "azure" {
		path = "/chat/completions"
	}

	return &OpenAIProvider{
		providerType: providerType,
		model:        model,
		apiKey:       apiKey,
		endpoint:     host + path,
		httpClient:   httpclient.New(opts...),
	}
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*TurnResult, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", p.providerType, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", p.providerType, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(p.providerType, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(p.providerType, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(p.providerType, p.model, resp.StatusCode,
			extractErrorMessage(respBody), httpclient.ParseOpenAIHeaders(resp.Header))
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fault.Unknown(fmt.Sprintf("failed to decode %s response", p.providerType), err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.Unknown(fmt.Sprintf("%s returned no choices", p.providerType), nil)
	}

	choice := parsed.Choices[0].Message
	result := &TurnResult{
		Text:   choice.Content,
		Tokens: parsed.Usage.TotalTokens,
	}
	for _, call := range choice.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, fault.Unknown(fmt.Sprintf("malformed tool call arguments from %s", p.providerType), err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openaiRequest {
	out := openaiRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case MessageRoleUser:
			out.Messages = append(out.Messages, openaiMessage{Role: "user", Content: msg.Content})

		case MessageRoleAssistant:
			entry := openaiMessage{Role: "assistant", Content: msg.Content}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				tc := openaiToolCall{ID: call.ID, Type: "function"}
				tc.Function.Name = call.Name
				tc.Function.Arguments = string(args)
				entry.ToolCalls = append(entry.ToolCalls, tc)
			}
			out.Messages = append(out.Messages, entry)

		case MessageRoleTool:
			// One tool-role message per result, keyed by the call id.
			for _, result := range msg.ToolResults {
				out.Messages = append(out.Messages, openaiMessage{
					Role:       "tool",
					Content:    result.Content,
					ToolCallID: result.ToolCallID,
				})
			}
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return out
}
