package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Parley configuration.
type Config struct {
	// BotUsername is the assistant's display name in prompts and stored
	// messages.
	BotUsername string `json:"bot_username" mapstructure:"bot_username"`

	// LLM provider settings
	LLMProvider string `json:"llm_provider" mapstructure:"llm_provider"` // anthropic, openai
	APIKey      string `json:"api_key" mapstructure:"api_key"`
	Model       string `json:"model" mapstructure:"model"`
	LLMBaseURL  string `json:"llm_base_url" mapstructure:"llm_base_url"`

	// Agent loop tunables
	MaxTokens          int64 `json:"max_tokens" mapstructure:"max_tokens"`
	MaxToolIterations  int   `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MaxHistoryMessages int   `json:"max_history_messages" mapstructure:"max_history_messages"`
	MaxSessionMessages int   `json:"max_session_messages" mapstructure:"max_session_messages"`
	CompactKeepRecent  int   `json:"compact_keep_recent" mapstructure:"compact_keep_recent"`
	ShowThinking       bool  `json:"show_thinking" mapstructure:"show_thinking"`

	// Per-call bounds inside the agent loop. Zero disables a bound.
	LLMTimeoutSeconds  int `json:"llm_timeout_seconds" mapstructure:"llm_timeout_seconds"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`

	// Timezone anchors cron evaluation (IANA name).
	Timezone string `json:"timezone" mapstructure:"timezone"`

	// ControlChatIDs may act on any chat through tools.
	ControlChatIDs []string `json:"control_chat_ids" mapstructure:"control_chat_ids"`

	// DefaultChannel is used for chats without a routing row.
	DefaultChannel string `json:"default_channel" mapstructure:"default_channel"`

	// DataDir holds the database, archives and context files.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// GatewayConfig holds gateway server configuration.
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	File  string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		BotUsername:        "parley",
		LLMProvider:        "anthropic",
		MaxTokens:          8192,
		MaxToolIterations:  100,
		MaxHistoryMessages: 50,
		MaxSessionMessages: 40,
		CompactKeepRecent:  20,
		LLMTimeoutSeconds:  120,
		ToolTimeoutSeconds: 60,
		Timezone:           "UTC",
		DefaultChannel:     "telegram",
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// String returns a JSON representation of the config with the API key
// masked.
func (c *Config) String() string {
	masked := *c
	if masked.APIKey != "" {
		masked.APIKey = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.LLMProvider != "" && c.LLMProvider != "anthropic" && c.LLMProvider != "openai" {
		return fmt.Errorf("invalid llm_provider %s (must be: anthropic, openai)", c.LLMProvider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if c.MaxToolIterations <= 0 {
		return fmt.Errorf("max_tool_iterations must be positive")
	}
	if c.MaxSessionMessages > 0 && c.CompactKeepRecent >= c.MaxSessionMessages {
		return fmt.Errorf("compact_keep_recent must be below max_session_messages")
	}
	if c.LLMTimeoutSeconds < 0 {
		return fmt.Errorf("llm_timeout_seconds must not be negative")
	}
	if c.ToolTimeoutSeconds < 0 {
		return fmt.Errorf("tool_timeout_seconds must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 {
			return fmt.Errorf("gateway port must be positive when the gateway is enabled")
		}
		if c.Gateway.AuthToken == "" {
			return fmt.Errorf("gateway auth_token is required when the gateway is enabled")
		}
	}
	return nil
}
