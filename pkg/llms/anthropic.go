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

const (
	anthropicDefaultHost = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	model      string
	apiKey     string
	host       string
	maxTokens  int
	httpClient *httpclient.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicProvider builds the adapter. Options configure the shared
// retrying HTTP client; callers pass TLS options when the LLM configuration
// carries a certificate bundle.
func NewAnthropicProvider(model, apiKey, host string, timeout time.Duration, extraOpts ...httpclient.Option) *AnthropicProvider {
	if host == "" {
		host = anthropicDefaultHost
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	}
	opts = append(opts, extraOpts...)

	return &AnthropicProvider{
		model:      model,
		apiKey:     apiKey,
		host:       host,
		maxTokens:  4096,
		httpClient: httpclient.New(opts...),
	}
}

func (p *AnthropicProvider) Model() string {
	return p.model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*TurnResult, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("anthropic", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport("anthropic", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("anthropic", p.model, resp.StatusCode,
			extractErrorMessage(respBody), httpclient.ParseAnthropicHeaders(resp.Header))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fault.Unknown("failed to decode anthropic response", err)
	}

	result := &TurnResult{Tokens: parsed.Usage.InputTokens + parsed.Usage.OutputTokens}
	for _, content := range parsed.Content {
		switch content.Type {
		case "text":
			result.Text += content.Text
		case "tool_use":
			var args map[string]any
			if content.Input != nil {
				args = *content.Input
			}
			result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: args,
			})
		}
	}
	return result, nil
}

func (p *AnthropicProvider) buildRequest(req *Request) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	out := anthropicRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		System:    req.System,
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case MessageRoleUser:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})

		case MessageRoleAssistant:
			contents := []anthropicContent{}
			if msg.Content != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input := call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: &input,
				})
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: contents})

		case MessageRoleTool:
			// Tool results go back as user-role tool_result blocks.
			contents := make([]anthropicContent, 0, len(msg.ToolResults))
			for _, result := range msg.ToolResults {
				contents = append(contents, anthropicContent{
					Type:      "tool_result",
					ToolUseID: result.ToolCallID,
					Content:   result.Content,
					IsError:   result.IsError,
				})
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: contents})
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	return out
}
