package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// Stream sends req and scans the Anthropic SSE response, invoking onChunk
// for each text/thinking delta as it arrives. Only the connection phase is
// retried (RetryDo); once the stream has started, a mid-stream error is
// returned as-is.
func (p *AnthropicProvider) Stream(ctx context.Context, req model.LLMRequest, onChunk func(StreamChunk)) (*model.LLMCompletion, error) {
	body := p.buildRequestBody(req, true)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &model.LLMCompletion{StopReason: model.StopEndTurn}
	toolCallJSON := make(map[int]string) // accumulated input_json_delta fragments, by content-block index
	var textByBlock []string
	var blockTypes []string

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				result.Usage.InputTokens = ev.Message.Usage.InputTokens
				result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
				result.Model = ev.Message.Model
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				blockTypes = append(blockTypes, ev.ContentBlock.Type)
				textByBlock = append(textByBlock, "")
				if ev.ContentBlock.Type == "tool_use" {
					result.Content = append(result.Content, model.ContentBlock{
						Type:      model.BlockToolUse,
						ToolUseID: ev.ContentBlock.ID,
						ToolName:  strings.TrimSpace(ev.ContentBlock.Name),
					})
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				idx := len(blockTypes) - 1
				switch ev.Delta.Type {
				case "text_delta":
					if idx >= 0 {
						textByBlock[idx] += ev.Delta.Text
					}
					if onChunk != nil {
						onChunk(StreamChunk{Text: ev.Delta.Text})
					}
				case "thinking_delta":
					if onChunk != nil {
						onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
					}
				case "input_json_delta":
					toolIdx := len(result.Content) - 1
					if toolIdx >= 0 && result.Content[toolIdx].Type == model.BlockToolUse {
						toolCallJSON[toolIdx] += ev.Delta.PartialJSON
					}
				}
			}

		case "content_block_stop":
			idx := len(blockTypes) - 1
			if idx >= 0 && blockTypes[idx] == "text" {
				result.Content = append(result.Content, model.ContentBlock{Type: model.BlockText, Text: textByBlock[idx]})
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				if ev.Delta.StopReason != "" {
					result.StopReason = mapStopReason(ev.Delta.StopReason)
					result.StopSequence = ev.Delta.StopSequence
				}
				if ev.Usage.OutputTokens > 0 {
					result.Usage.OutputTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
		}
	}

	for idx, raw := range toolCallJSON {
		if raw == "" || idx >= len(result.Content) {
			continue
		}
		result.Content[idx].ToolInput = json.RawMessage(raw)
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

type anthropicMessageStartEvent struct {
	Message struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason   string `json:"stop_reason,omitempty"`
		StopSequence string `json:"stop_sequence,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
