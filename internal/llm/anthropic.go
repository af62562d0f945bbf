package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relay/internal/model"
)

const (
	defaultClaudeModel = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic Messages API directly over
// net/http + SSE — there is no official Go SDK dependency here, matching
// the teacher's own choice.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.defaultModel = model }
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// NewAnthropicProvider constructs a provider for apiKey.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultClaudeModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string        { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Complete(ctx context.Context, req model.LLMRequest) (*model.LLMCompletion, error) {
	body := p.buildRequestBody(req, false)

	return RetryDo(ctx, p.retryConfig, func() (*model.LLMCompletion, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return parseResponse(&resp), nil
	})
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	if _, hasThinking := body["thinking"]; hasThinking {
		httpReq.Header.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// buildRequestBody translates an LLMRequest into the Anthropic Messages API
// wire format: participants collapse to the two API roles (assistant for
// Participant == "assistant", user otherwise), adjacent same-role messages
// merge into one API message so roles strictly alternate, and per-message
// CacheControl becomes a cache_control marker on that message's last block.
func (p *AnthropicProvider) buildRequestBody(req model.LLMRequest, stream bool) map[string]any {
	messages := buildAPIMessages(req.Messages)

	modelName := req.Config.Model
	if modelName == "" {
		modelName = p.defaultModel
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      modelName,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if req.SystemPrompt != "" {
		body["system"] = []map[string]any{{"type": "text", "text": req.SystemPrompt}}
	}

	stopSeqs := append([]string{}, req.StopSequences...)
	if req.Config.TurnEndToken != "" {
		stopSeqs = append(stopSeqs, req.Config.TurnEndToken)
	}
	if len(stopSeqs) > 0 {
		body["stop_sequences"] = stopSeqs
	}

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.InputSchema),
			})
		}
		body["tools"] = tools
	}

	if req.Config.TopP > 0 {
		body["top_p"] = req.Config.TopP
	}
	if req.Config.Temperature > 0 {
		body["temperature"] = req.Config.Temperature
	}

	if req.Config.ThinkingLevel != "" && req.Config.ThinkingLevel != "off" {
		budget := anthropicThinkingBudget(req.Config.ThinkingLevel)
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
		delete(body, "temperature")
		if body["max_tokens"].(int) < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}

	return body
}

func buildAPIMessages(msgs []model.ParticipantMessage) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		role := "user"
		if m.Participant == "assistant" {
			role = "assistant"
		}

		blocks := contentBlocksToAPI(m.Content, m.CacheControl)

		if len(out) > 0 && out[len(out)-1]["role"] == role {
			prev := out[len(out)-1]["content"].([]map[string]any)
			out[len(out)-1]["content"] = append(prev, blocks...)
			continue
		}
		out = append(out, map[string]any{"role": role, "content": blocks})
	}
	return out
}

func contentBlocksToAPI(blocks []model.ContentBlock, cache *model.CacheControl) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		var block map[string]any
		switch b.Type {
		case model.BlockText:
			block = map[string]any{"type": "text", "text": b.Text}
		case model.BlockImage:
			block = map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": b.ImageMimeType,
					"data":       b.ImageData,
				},
			}
		case model.BlockToolUse:
			var input any = map[string]any{}
			if len(b.ToolInput) > 0 {
				_ = json.Unmarshal(b.ToolInput, &input)
			}
			block = map[string]any{"type": "tool_use", "id": b.ToolUseID, "name": b.ToolName, "input": input}
		case model.BlockToolResult:
			block = toolResultBlock(b)
		default:
			continue
		}
		out = append(out, block)
	}
	if cache != nil && len(out) > 0 {
		out[len(out)-1]["cache_control"] = map[string]any{"type": cache.Type}
	}
	return out
}

func toolResultBlock(b model.ContentBlock) map[string]any {
	if len(b.ToolImages) == 0 {
		return map[string]any{"type": "tool_result", "tool_use_id": b.ToolUseID, "content": b.ToolResult}
	}
	var content []map[string]any
	if b.ToolResult != "" {
		content = append(content, map[string]any{"type": "text", "text": b.ToolResult})
	}
	for _, img := range b.ToolImages {
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Data,
			},
		})
	}
	return map[string]any{"type": "tool_result", "tool_use_id": b.ToolUseID, "content": content}
}

// anthropicThinkingBudget maps a thinking effort level to a token budget.
func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "high":
		return 32000
	default:
		return 10000
	}
}

func parseResponse(resp *anthropicResponse) *model.LLMCompletion {
	var content []model.ContentBlock
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content = append(content, model.ContentBlock{Type: model.BlockText, Text: block.Text})
		case "tool_use":
			content = append(content, model.ContentBlock{
				Type:      model.BlockToolUse,
				ToolUseID: block.ID,
				ToolName:  strings.TrimSpace(block.Name),
				ToolInput: block.Input,
			})
		}
	}

	return &model.LLMCompletion{
		Content:    content,
		StopReason: mapStopReason(resp.StopReason),
		Model:      resp.Model,
		Usage: model.Usage{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
		},
	}
}

func mapStopReason(reason string) model.StopReason {
	switch reason {
	case "tool_use":
		return model.StopToolUse
	case "max_tokens":
		return model.StopMaxTokens
	case "stop_sequence":
		return model.StopSequenceHit
	case "refusal":
		return model.StopRefusal
	default:
		return model.StopEndTurn
	}
}

// --- Anthropic API wire types ---

type anthropicResponse struct {
	Content      []anthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason"`
	StopSequence string                  `json:"stop_sequence"`
	Model        string                  `json:"model"`
	Usage        anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}
