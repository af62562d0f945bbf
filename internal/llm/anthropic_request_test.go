package llm

import (
	"testing"

	"github.com/nextlevelbuilder/relay/internal/model"
)

func TestBuildAPIMessagesMergesAdjacentSameRoleParticipants(t *testing.T) {
	msgs := []model.ParticipantMessage{
		{Participant: "alice", Content: model.TextContent("hi")},
		{Participant: "bob", Content: model.TextContent("yo")},
		{Participant: "assistant", Content: model.TextContent("hello")},
	}
	out := buildAPIMessages(msgs)
	if len(out) != 2 {
		t.Fatalf("expected alice+bob merged into one user message, got %d messages: %+v", len(out), out)
	}
	if out[0]["role"] != "user" {
		t.Fatalf("expected first merged message to be user role, got %v", out[0]["role"])
	}
	blocks := out[0]["content"].([]map[string]any)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 merged text blocks, got %d", len(blocks))
	}
	if out[1]["role"] != "assistant" {
		t.Fatalf("expected second message assistant role, got %v", out[1]["role"])
	}
}

func TestContentBlocksToAPIAttachesCacheControlToLastBlock(t *testing.T) {
	blocks := model.TextContent("hello")
	out := contentBlocksToAPI(blocks, &model.CacheControl{Type: "ephemeral"})
	if _, ok := out[len(out)-1]["cache_control"]; !ok {
		t.Fatalf("expected cache_control on last block, got %+v", out)
	}
}

func TestBuildRequestBodyIncludesTurnEndTokenInStopSequences(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	req := model.LLMRequest{
		Messages:      []model.ParticipantMessage{{Participant: "assistant", Content: model.TextContent("x")}},
		StopSequences: []string{"</function_calls>"},
		Config:        model.RequestConfig{TurnEndToken: "<<END>>"},
	}
	body := p.buildRequestBody(req, false)
	stops, ok := body["stop_sequences"].([]string)
	if !ok || len(stops) != 2 || stops[1] != "<<END>>" {
		t.Fatalf("got %v", body["stop_sequences"])
	}
}

func TestBuildRequestBodyEnablesThinkingAndDropsTemperature(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	req := model.LLMRequest{
		Messages: []model.ParticipantMessage{{Participant: "assistant", Content: model.TextContent("x")}},
		Config:   model.RequestConfig{Temperature: 0.7, ThinkingLevel: "high"},
	}
	body := p.buildRequestBody(req, false)
	if _, ok := body["temperature"]; ok {
		t.Fatalf("expected temperature dropped when thinking enabled")
	}
	thinking, ok := body["thinking"].(map[string]any)
	if !ok || thinking["budget_tokens"] != 32000 {
		t.Fatalf("got %v", body["thinking"])
	}
}

func TestBuildRequestBodyCleansToolSchemas(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	req := model.LLMRequest{
		Messages: []model.ParticipantMessage{{Participant: "assistant", Content: model.TextContent("x")}},
		Tools: []model.ToolSpec{{
			Name:        "search",
			InputSchema: map[string]any{"$schema": "draft-07", "type": "object"},
		}},
	}
	body := p.buildRequestBody(req, false)
	tools := body["tools"].([]map[string]any)
	schema := tools[0]["input_schema"].(map[string]any)
	if _, ok := schema["$schema"]; ok {
		t.Fatalf("expected tool schema cleaned")
	}
}
