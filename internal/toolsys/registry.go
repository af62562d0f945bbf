// Package toolsys implements the Tool System (§4.7): a registry of local and
// MCP-bridged tools, a layered policy engine deciding which tools a given
// (bot, provider) pair may call, and the executor dispatch the inline
// tool-execution loop invokes for each parsed <invoke>.
package toolsys

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// Executor runs one tool call and returns its result. Implementations must
// respect ctx cancellation; a tool that never returns blocks the whole
// activation.
type Executor func(ctx context.Context, input json.RawMessage) model.ToolResult

// Tool pairs a spec (what the LLM sees) with its executor.
type Tool struct {
	Spec    model.ToolSpec
	Execute Executor
}

// Registry holds every tool available to the core, local and MCP-bridged.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Spec.Name] = t
}

// Unregister removes a tool, used when an MCP server disconnects.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Specs returns the model.ToolSpec for every tool name in names, skipping
// names that aren't registered.
func (r *Registry) Specs(names []string) []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]model.ToolSpec, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			specs = append(specs, t.Spec)
		}
	}
	return specs
}

// Execute dispatches call to its registered tool, failing closed with an
// error ToolResult if the tool is unknown — the loop still needs a
// function_result to keep the turn well-formed.
func (r *Registry) Execute(ctx context.Context, call model.ToolCall) model.ToolResult {
	t, ok := r.Get(call.Name)
	if !ok {
		return model.ToolResult{Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	return t.Execute(ctx, call.Input)
}
