package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.APIKey = "sk-test"
	cfg.Model = "claude-sonnet-4-20250514"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Run("should carry sane loop defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, int64(8192), cfg.MaxTokens)
		assert.Equal(t, 100, cfg.MaxToolIterations)
		assert.Equal(t, 50, cfg.MaxHistoryMessages)
		assert.Equal(t, 40, cfg.MaxSessionMessages)
		assert.Equal(t, 20, cfg.CompactKeepRecent)
		assert.Equal(t, 120, cfg.LLMTimeoutSeconds)
		assert.Equal(t, 60, cfg.ToolTimeoutSeconds)
		assert.Equal(t, "telegram", cfg.DefaultChannel)
		assert.Equal(t, "anthropic", cfg.LLMProvider)
		assert.False(t, cfg.Gateway.Enabled)
	})
}

func TestValidate(t *testing.T) {
	t.Run("should accept a valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("should require an api key", func(t *testing.T) {
		cfg := validConfig()
		cfg.APIKey = ""
		assert.ErrorContains(t, cfg.Validate(), "api_key is required")
	})

	t.Run("should require a model", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model = ""
		assert.ErrorContains(t, cfg.Validate(), "model is required")
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		cfg := validConfig()
		cfg.LLMProvider = "bard"
		assert.ErrorContains(t, cfg.Validate(), "invalid llm_provider")
	})

	t.Run("should reject compact threshold at or above session cap", func(t *testing.T) {
		cfg := validConfig()
		cfg.CompactKeepRecent = cfg.MaxSessionMessages
		assert.ErrorContains(t, cfg.Validate(), "compact_keep_recent")
	})

	t.Run("should reject negative timeouts", func(t *testing.T) {
		cfg := validConfig()
		cfg.LLMTimeoutSeconds = -1
		assert.ErrorContains(t, cfg.Validate(), "llm_timeout_seconds")

		cfg = validConfig()
		cfg.ToolTimeoutSeconds = -1
		assert.ErrorContains(t, cfg.Validate(), "tool_timeout_seconds")
	})

	t.Run("should reject invalid timezones", func(t *testing.T) {
		cfg := validConfig()
		cfg.Timezone = "Mars/Olympus_Mons"
		assert.ErrorContains(t, cfg.Validate(), "invalid timezone")
	})

	t.Run("should require gateway token when enabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "auth_token")

		cfg.Gateway.AuthToken = "secret"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLocation(t *testing.T) {
	t.Run("should default to UTC", func(t *testing.T) {
		cfg := validConfig()
		cfg.Timezone = ""
		loc, err := cfg.Location()
		require.NoError(t, err)
		assert.Equal(t, "UTC", loc.String())
	})

	t.Run("should load IANA names", func(t *testing.T) {
		cfg := validConfig()
		cfg.Timezone = "Europe/Berlin"
		loc, err := cfg.Location()
		require.NoError(t, err)
		assert.Equal(t, "Europe/Berlin", loc.String())
	})
}

func TestString(t *testing.T) {
	t.Run("should mask the api key", func(t *testing.T) {
		cfg := validConfig()
		out := cfg.String()
		assert.NotContains(t, out, "sk-test")
		assert.Contains(t, out, "***")
	})
}
