// Package config loads and holds the typed configuration for the activation
// core: per-bot Discord identity, context-builder budgets, credit-system
// wiring, and the tool policy. Loading follows the teacher's JSON5 +
// environment-override convention (see config_load.go).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// Config is the root configuration for the activation core.
type Config struct {
	Discord  DiscordConfig              `json:"discord"`
	Bots     []BotConfig                `json:"bots"`
	Provider ProviderConfig             `json:"provider"`
	Context  ContextConfig              `json:"context"`
	Credits  CreditsConfig              `json:"credits,omitempty"`
	Tools    ToolsConfig                `json:"tools,omitempty"`
	MCP      map[string]MCPServerConfig `json:"mcp,omitempty"`
	Database DatabaseConfig             `json:"database,omitempty"`
	Paths    PathsConfig                `json:"paths"`

	mu sync.RWMutex
}

// DiscordConfig holds the transport-level secret shared across bots.
// Populated from environment only; see applyEnvOverrides.
type DiscordConfig struct {
	Token string `json:"-"`
}

// BotConfig configures one activation identity.
type BotConfig struct {
	ID                   string   `json:"id"`
	ParticipantName      string   `json:"participant_name"`
	TransportUsername    string   `json:"transport_username"`
	SystemPrompt         string   `json:"system_prompt"`
	OwnerIDs             []string `json:"owner_ids,omitempty"`
	APIOnly              bool     `json:"api_only"`
	MaxToolDepth         int      `json:"max_tool_depth"`
	ReplyOnRandom        int      `json:"reply_on_random,omitempty"` // 1/N chance per batch, 0 = disabled
	BotReplyChainLimit   int      `json:"bot_reply_chain_limit"`
	ChainLimitReaction   string   `json:"chain_limit_reaction"`
	ConfigNeededReaction string   `json:"config_needed_reaction"`
	RefusalReaction      string   `json:"refusal_reaction"`
	MCommandPrefix       string   `json:"m_command_prefix"` // default "m "
}

// ProviderConfig configures the Anthropic LLM provider.
type ProviderConfig struct {
	APIKey      string  `json:"-"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// ContextConfig configures the §4.2 context-builder pipeline.
type ContextConfig struct {
	PreserveThinkingContext bool `json:"preserve_thinking_context"`

	CacheImages          bool `json:"cache_images"`
	MaxImages            int  `json:"max_images"`
	MaxEphemeralImages   int  `json:"max_ephemeral_images"`
	MaxMCPImages         int  `json:"max_mcp_images"`
	MaxImageBase64Total  int  `json:"max_image_base64_total"`  // bytes, default 15 MiB
	MaxImageBase64Single int  `json:"max_image_base64_single"` // bytes, default 5 MiB
	AttachmentTextCap    int  `json:"attachment_text_cap"`     // bytes

	RecencyWindowCharacters int `json:"recency_window_characters"`
	RecencyWindowMessages   int `json:"recency_window_messages"`
	HardMaxCharacters       int `json:"hard_max_characters"`
	RollingThreshold        int `json:"rolling_threshold"`

	TurnEndToken       string   `json:"turn_end_token,omitempty"`
	MessageDelimiter   string   `json:"message_delimiter,omitempty"`
	UserStopSequences  []string `json:"user_stop_sequences,omitempty"`
	RecentParticipants int      `json:"recent_participant_count"` // floor 10 applied at build time

	MaxToolHistoryWindow int `json:"max_tool_history_window"`

	// ToolOutputVisible posts a dotted debug webhook for every executed tool
	// call, showing its input and (flattened, truncated) output (§4.3 step 8).
	ToolOutputVisible bool `json:"tool_output_visible"`
	// ThinkingDebugVisible posts a dotted debug webhook (or .md attachment
	// for long blocks) with the raw <thinking> content before the visible
	// reply is sent (§4.3.2 step 3).
	ThinkingDebugVisible bool `json:"thinking_debug_visible"`
}

// CreditsConfig configures the optional external credit system.
type CreditsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"-"`
}

// ProviderToolPolicy restricts tools for one provider name.
type ProviderToolPolicy struct {
	Profile string   `json:"profile,omitempty"`
	Allow   []string `json:"allow,omitempty"`
}

// AgentToolPolicy is a per-agent tool policy override.
type AgentToolPolicy struct {
	Allow      []string                      `json:"allow,omitempty"`
	Deny       []string                      `json:"deny,omitempty"`
	AlsoAllow  []string                      `json:"also_allow,omitempty"`
	ByProvider map[string]ProviderToolPolicy `json:"by_provider,omitempty"`
}

// ToolsConfig is the global tool policy, matching the teacher's layered
// profile/allow/deny/alsoAllow shape (internal/tools/policy.go).
type ToolsConfig struct {
	Profile    string                        `json:"profile,omitempty"`
	Allow      []string                      `json:"allow,omitempty"`
	Deny       []string                      `json:"deny,omitempty"`
	AlsoAllow  []string                      `json:"also_allow,omitempty"`
	ByProvider map[string]ProviderToolPolicy `json:"by_provider,omitempty"`
}

// MCPServerConfig configures one standalone MCP server connection.
type MCPServerConfig struct {
	Enabled    bool              `json:"enabled"`
	Transport  string            `json:"transport"` // "stdio" | "sse" | "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

func (c *MCPServerConfig) IsEnabled() bool { return c != nil && c.Enabled }

// DatabaseConfig configures optional Postgres-backed persistence for
// channel state, tool cache, and activation store. Empty DSN means the
// in-memory reference implementation is used instead.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

func (d DatabaseConfig) IsManagedMode() bool { return d.PostgresDSN != "" }

// PathsConfig locates the durable, non-database state the core writes.
type PathsConfig struct {
	CacheDir  string `json:"cache_dir"`
	LogDir    string `json:"log_dir"`
	TracesDir string `json:"traces_dir"`
}

// Hash returns a short content hash of the config, for cheap
// optimistic-concurrency comparisons across reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Lock/Unlock expose the config's mutex to callers that need to read or
// mutate several fields atomically (e.g. applying an env override batch).
func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }

// BotByID returns the bot config with the given id, or nil.
func (c *Config) BotByID(id string) *BotConfig {
	for i := range c.Bots {
		if c.Bots[i].ID == id {
			return &c.Bots[i]
		}
	}
	return nil
}
