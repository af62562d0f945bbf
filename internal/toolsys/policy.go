package toolsys

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/model"
)

// groups maps a group name to its member tool names. "mcp" and
// "mcp:{serverName}" groups are registered dynamically as MCP servers
// connect (internal/toolsys/mcp).
type groupTable struct {
	mu     sync.RWMutex
	groups map[string][]string
}

func newGroupTable() *groupTable {
	return &groupTable{groups: make(map[string][]string)}
}

func (g *groupTable) register(name string, members []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups[name] = members
}

func (g *groupTable) unregister(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.groups, name)
}

func (g *groupTable) members(name string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.groups[name]
	return m, ok
}

// toolProfiles define preset allow sets, named in config.ToolsConfig.Profile.
var toolProfiles = map[string][]string{
	"minimal": {},
	"full":    {}, // empty = no restrictions (every profile check below treats "" and "full" as unrestricted)
}

// PolicyEngine evaluates tool access based on the layered config policies
// from config.ToolsConfig / config.AgentToolPolicy.
type PolicyEngine struct {
	global *config.ToolsConfig
	groups *groupTable
}

// NewPolicyEngine creates a policy engine from the global tool policy.
func NewPolicyEngine(global *config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{global: global, groups: newGroupTable()}
}

// RegisterGroup adds or replaces a dynamic tool group, used by the MCP
// manager to register "mcp" and "mcp:{serverName}" groups as servers
// connect.
func (pe *PolicyEngine) RegisterGroup(name string, members []string) {
	pe.groups.register(name, members)
}

// UnregisterGroup removes a dynamic tool group as an MCP server disconnects.
func (pe *PolicyEngine) UnregisterGroup(name string) {
	pe.groups.unregister(name)
}

// FilterTools runs the evaluate pipeline and returns the ToolSpecs
// the given bot may call against providerName.
func (pe *PolicyEngine) FilterTools(registry *Registry, bot, providerName string, agentPolicy *config.AgentToolPolicy) []model.ToolSpec {
	allTools := registry.List()
	allowed := pe.evaluate(allTools, providerName, agentPolicy)

	specs := registry.Specs(allowed)
	slog.Debug("tool policy applied", "bot", bot, "provider", providerName, "total_tools", len(allTools), "allowed", len(specs))
	return specs
}

// evaluate runs the layered policy pipeline:
//  1. global profile
//  2. provider profile override
//  3. global allow
//  4. provider allow
//  5. per-agent allow
//  6. per-agent-provider allow
//
// then global deny, agent deny, and finally the additive alsoAllow lists.
// A "group:NAME" entry expands to that group's members in whichever list
// names it.
func (pe *PolicyEngine) evaluate(allTools []string, providerName string, agentPolicy *config.AgentToolPolicy) []string {
	g := pe.global
	if g == nil {
		g = &config.ToolsConfig{}
	}

	allowed := pe.applyProfile(allTools, g.Profile)

	if pp, ok := g.ByProvider[providerName]; ok && pp.Profile != "" {
		allowed = pe.applyProfile(allTools, pp.Profile)
	}

	if len(g.Allow) > 0 {
		allowed = pe.intersect(allowed, g.Allow)
	}

	if pp, ok := g.ByProvider[providerName]; ok && len(pp.Allow) > 0 {
		allowed = pe.intersect(allowed, pp.Allow)
	}

	if agentPolicy != nil && len(agentPolicy.Allow) > 0 {
		allowed = pe.intersect(allowed, agentPolicy.Allow)
	}

	if agentPolicy != nil {
		if pp, ok := agentPolicy.ByProvider[providerName]; ok && len(pp.Allow) > 0 {
			allowed = pe.intersect(allowed, pp.Allow)
		}
	}

	if len(g.Deny) > 0 {
		allowed = pe.subtract(allowed, g.Deny)
	}
	if agentPolicy != nil && len(agentPolicy.Deny) > 0 {
		allowed = pe.subtract(allowed, agentPolicy.Deny)
	}

	if len(g.AlsoAllow) > 0 {
		allowed = pe.union(allowed, allTools, g.AlsoAllow)
	}
	if agentPolicy != nil && len(agentPolicy.AlsoAllow) > 0 {
		allowed = pe.union(allowed, allTools, agentPolicy.AlsoAllow)
	}

	return allowed
}

func (pe *PolicyEngine) applyProfile(allTools []string, profile string) []string {
	if profile == "" || profile == "full" {
		return copySlice(allTools)
	}
	spec, ok := toolProfiles[profile]
	if !ok {
		slog.Warn("unknown tool profile, using full", "profile", profile)
		return copySlice(allTools)
	}
	return pe.expand(allTools, spec)
}

// expand turns a spec (tool names, or "group:name") into the subset of
// available present in both.
func (pe *PolicyEngine) expand(available []string, spec []string) []string {
	set := pe.expandSet(spec)
	var result []string
	for _, t := range available {
		if set[t] {
			result = append(result, t)
		}
	}
	return result
}

func (pe *PolicyEngine) expandSet(spec []string) map[string]bool {
	set := make(map[string]bool, len(spec))
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := pe.groups.members(strings.TrimPrefix(s, "group:")); ok {
				for _, m := range members {
					set[m] = true
				}
			}
			continue
		}
		set[s] = true
	}
	return set
}

func (pe *PolicyEngine) intersect(current, spec []string) []string {
	set := pe.expandSet(spec)
	var result []string
	for _, t := range current {
		if set[t] {
			result = append(result, t)
		}
	}
	return result
}

func (pe *PolicyEngine) subtract(current, spec []string) []string {
	set := pe.expandSet(spec)
	var result []string
	for _, t := range current {
		if !set[t] {
			result = append(result, t)
		}
	}
	return result
}

func (pe *PolicyEngine) union(current, allTools, spec []string) []string {
	existing := make(map[string]bool, len(current))
	for _, t := range current {
		existing[t] = true
	}
	for _, t := range pe.expand(allTools, spec) {
		if !existing[t] {
			current = append(current, t)
			existing[t] = true
		}
	}
	return current
}

func copySlice(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
