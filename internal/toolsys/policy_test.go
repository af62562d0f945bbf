package toolsys

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/model"
)

func newTestRegistry(names ...string) *Registry {
	r := NewRegistry()
	for _, n := range names {
		r.Register(Tool{
			Spec: model.ToolSpec{Name: n},
			Execute: func(_ context.Context, _ json.RawMessage) model.ToolResult {
				return model.ToolResult{Output: "ok"}
			},
		})
	}
	return r
}

func names(specs []model.ToolSpec) map[string]bool {
	m := make(map[string]bool, len(specs))
	for _, s := range specs {
		m[s.Name] = true
	}
	return m
}

func TestFilterToolsFullProfileAllowsEverything(t *testing.T) {
	r := newTestRegistry("search", "memory_get")
	pe := NewPolicyEngine(&config.ToolsConfig{Profile: "full"})

	got := names(pe.FilterTools(r, "bot1", "anthropic", nil))
	if len(got) != 2 {
		t.Fatalf("expected both tools allowed, got %v", got)
	}
}

func TestFilterToolsGlobalDeny(t *testing.T) {
	r := newTestRegistry("search", "memory_get")
	pe := NewPolicyEngine(&config.ToolsConfig{Deny: []string{"memory_get"}})

	got := names(pe.FilterTools(r, "bot1", "anthropic", nil))
	if got["memory_get"] {
		t.Fatalf("expected memory_get denied, got %v", got)
	}
	if !got["search"] {
		t.Fatalf("expected search allowed, got %v", got)
	}
}

func TestFilterToolsAgentAllowRestricts(t *testing.T) {
	r := newTestRegistry("search", "memory_get")
	pe := NewPolicyEngine(&config.ToolsConfig{})

	got := names(pe.FilterTools(r, "bot1", "anthropic", &config.AgentToolPolicy{Allow: []string{"search"}}))
	if len(got) != 1 || !got["search"] {
		t.Fatalf("expected only search allowed, got %v", got)
	}
}

func TestFilterToolsGroupExpansion(t *testing.T) {
	r := newTestRegistry("tool_a", "tool_b", "tool_c")
	pe := NewPolicyEngine(&config.ToolsConfig{Allow: []string{"group:mygroup"}})
	pe.RegisterGroup("mygroup", []string{"tool_a", "tool_b"})

	got := names(pe.FilterTools(r, "bot1", "anthropic", nil))
	if len(got) != 2 || !got["tool_a"] || !got["tool_b"] {
		t.Fatalf("expected group members only, got %v", got)
	}
}

func TestFilterToolsAlsoAllowIsAdditive(t *testing.T) {
	r := newTestRegistry("search", "memory_get", "extra")
	pe := NewPolicyEngine(&config.ToolsConfig{
		Allow:     []string{"search"},
		AlsoAllow: []string{"extra"},
	})

	got := names(pe.FilterTools(r, "bot1", "anthropic", nil))
	if len(got) != 2 || !got["search"] || !got["extra"] {
		t.Fatalf("expected search+extra, got %v", got)
	}
}

func TestRegistryExecuteUnknownToolFailsClosed(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), model.ToolCall{Name: "nope"})
	if res.Error == "" {
		t.Fatalf("expected an error result for unknown tool")
	}
}
