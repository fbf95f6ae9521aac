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

const ollamaDefaultHost = "http://localhost:11434"

// OllamaProvider talks to a local Ollama server. No API key, no rate-limit
// headers; tool call ids are synthesized because Ollama does not assign any.
type OllamaProvider struct {
	model      string
	host       string
	httpClient *httpclient.Client
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func NewOllamaProvider(model, host string, timeout time.Duration, extraOpts ...httpclient.Option) *OllamaProvider {
	if host == "" {
		host = ollamaDefaultHost
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	opts = append(opts, extraOpts...)

	return &OllamaProvider{
		model:      model,
		host:       host,
		httpClient: httpclient.New(opts...),
	}
}

func (p *OllamaProvider) Model() string {
	return p.model
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) Generate(ctx context.Context, req *Request) (*TurnResult, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("ollama", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport("ollama", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("ollama", p.model, resp.StatusCode,
			extractErrorMessage(respBody), httpclient.RateLimitInfo{})
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fault.Unknown("failed to decode ollama response", err)
	}

	result := &TurnResult{
		Text:   parsed.Message.Content,
		Tokens: parsed.PromptEvalCount + parsed.EvalCount,
	}
	for i, call := range parsed.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return result, nil
}

func (p *OllamaProvider) buildRequest(req *Request) ollamaRequest {
	out := ollamaRequest{
		Model:  p.model,
		Stream: false,
	}
	if req.Temperature != 0 {
		out.Options = map[string]any{"temperature": req.Temperature}
	}

	if req.System != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case MessageRoleUser:
			out.Messages = append(out.Messages, ollamaMessage{Role: "user", Content: msg.Content})

		case MessageRoleAssistant:
			entry := ollamaMessage{Role: "assistant", Content: msg.Content}
			for _, call := range msg.ToolCalls {
				var tc ollamaToolCall
				tc.Function.Name = call.Name
				tc.Function.Arguments = call.Arguments
				entry.ToolCalls = append(entry.ToolCalls, tc)
			}
			out.Messages = append(out.Messages, entry)

		case MessageRoleTool:
			for _, result := range msg.ToolResults {
				out.Messages = append(out.Messages, ollamaMessage{Role: "tool", Content: result.Content})
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
