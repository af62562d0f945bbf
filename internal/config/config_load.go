package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns the baseline configuration before file load or env
// overrides are applied.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:       "claude-sonnet-4-5-20250929",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Context: ContextConfig{
			CacheImages:             true,
			MaxImages:               8,
			MaxEphemeralImages:      4,
			MaxMCPImages:            4,
			MaxImageBase64Total:     15 * 1024 * 1024,
			MaxImageBase64Single:    5 * 1024 * 1024,
			AttachmentTextCap:       64 * 1024,
			RecencyWindowCharacters: 60000,
			RecencyWindowMessages:   120,
			HardMaxCharacters:       90000,
			RollingThreshold:        20,
			RecentParticipants:      10,
			MaxToolHistoryWindow:    40,
		},
		Tools: ToolsConfig{Profile: "full"},
		Paths: PathsConfig{
			CacheDir:  "~/.relay/cache",
			LogDir:    "~/.relay/logs",
			TracesDir: "~/.relay/traces",
		},
	}
}

// Load reads the JSON5 config file at path, falling back to Default() plus
// environment overrides if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	for i := range cfg.Paths.CacheDir {
		_ = i
		break
	}
	cfg.Paths.CacheDir = ExpandHome(cfg.Paths.CacheDir)
	cfg.Paths.LogDir = ExpandHome(cfg.Paths.LogDir)
	cfg.Paths.TracesDir = ExpandHome(cfg.Paths.TracesDir)

	return cfg, nil
}

// applyEnvOverrides layers RELAY_*-prefixed environment variables over the
// loaded config, matching the teacher's convention of never persisting
// secrets back to the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_DISCORD_TOKEN"); v != "" {
		cfg.Discord.Token = v
	}
	if v := os.Getenv("RELAY_ANTHROPIC_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("RELAY_ANTHROPIC_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("RELAY_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("RELAY_CREDITS_ENDPOINT"); v != "" {
		cfg.Credits.Endpoint = v
		cfg.Credits.Enabled = true
	}
	if v := os.Getenv("RELAY_CREDITS_API_KEY"); v != "" {
		cfg.Credits.APIKey = v
	}
	if v := os.Getenv("RELAY_DATABASE_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("RELAY_CACHE_DIR"); v != "" {
		cfg.Paths.CacheDir = v
	}
	if v := os.Getenv("RELAY_OWNER_IDS"); v != "" && len(cfg.Bots) > 0 {
		ids := strings.Split(v, ",")
		for i := range ids {
			ids[i] = strings.TrimSpace(ids[i])
		}
		cfg.Bots[0].OwnerIDs = ids
	}
	if v := os.Getenv("RELAY_MAX_TOOL_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			for i := range cfg.Bots {
				cfg.Bots[i].MaxToolDepth = n
			}
		}
	}
}

// Save writes the config back to path as indented JSON (secrets excluded
// via `json:"-"` tags), creating the parent directory if needed.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
