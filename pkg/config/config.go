package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Enabled   bool            `env:"MMCLAW_ENABLED"  json:"enabled"`
	Server    ServerConfig    `json:"server"`
	Routing   RoutingConfig   `json:"routing"`
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
}

type ServerConfig struct {
	// URL is the Mattermost base URL (http or https); the websocket scheme
	// is derived from it.
	URL   string `env:"MMCLAW_SERVER_URL"   json:"url"`
	Token string `env:"MMCLAW_SERVER_TOKEN" json:"token"`
}

// ChannelRule is one entry in the per-channel allowlist table, keyed by
// channel id.
type ChannelRule struct {
	Allow          bool `json:"allow"`
	RequireMention bool `json:"require_mention"`
}

type RoutingConfig struct {
	DMPolicy      string                 `env:"MMCLAW_ROUTING_DM_POLICY"      json:"dm_policy"`      // open | pairing | closed
	GroupPolicy   string                 `env:"MMCLAW_ROUTING_GROUP_POLICY"   json:"group_policy"`   // open | allowlist | disabled
	Channels      map[string]ChannelRule `json:"channels,omitempty"`
	CommandPrefix string                 `env:"MMCLAW_ROUTING_COMMAND_PREFIX" json:"command_prefix"`
	ReplyMode     string                 `env:"MMCLAW_ROUTING_REPLY_MODE"     json:"reply_mode"` // off | thread | always-thread
}

type AgentConfig struct {
	Provider     string `env:"MMCLAW_AGENT_PROVIDER"      json:"provider"` // anthropic | openai
	Model        string `env:"MMCLAW_AGENT_MODEL"         json:"model"`
	SystemPrompt string `env:"MMCLAW_AGENT_SYSTEM_PROMPT" json:"system_prompt,omitempty"`
	MaxTokens    int    `env:"MMCLAW_AGENT_MAX_TOKENS"    json:"max_tokens"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Routing: RoutingConfig{
			DMPolicy:      "open",
			GroupPolicy:   "open",
			CommandPrefix: "!",
			ReplyMode:     "thread",
		},
		Agent: AgentConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4.6",
			MaxTokens: 4096,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file is fine; env vars may still carry everything.
			return applyEnv(cfg)
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return applyEnv(cfg)
}

func applyEnv(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects enum values the routing engine does not understand.
// A missing server URL or token is not a validation error: the gateway
// treats it as "never connect" rather than refusing to start.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"open", "pairing", "closed"}, c.Routing.DMPolicy) {
		return fmt.Errorf("routing.dm_policy: unknown value %q", c.Routing.DMPolicy)
	}
	if !slices.Contains([]string{"open", "allowlist", "disabled"}, c.Routing.GroupPolicy) {
		return fmt.Errorf("routing.group_policy: unknown value %q", c.Routing.GroupPolicy)
	}
	if !slices.Contains([]string{"off", "thread", "always-thread"}, c.Routing.ReplyMode) {
		return fmt.Errorf("routing.reply_mode: unknown value %q", c.Routing.ReplyMode)
	}
	if c.Agent.Provider != "anthropic" && c.Agent.Provider != "openai" {
		return fmt.Errorf("agent.provider: unknown value %q", c.Agent.Provider)
	}
	return nil
}

// ProviderAPIKey returns the API key for the configured agent provider.
func (c *Config) ProviderAPIKey() string {
	switch c.Agent.Provider {
	case "openai":
		return c.Providers.OpenAI.APIKey
	default:
		return c.Providers.Anthropic.APIKey
	}
}
