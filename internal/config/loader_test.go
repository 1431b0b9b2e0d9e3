package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	t.Run("should return defaults when file is missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)
		assert.Equal(t, "parley", cfg.BotUsername)
		assert.Equal(t, int64(8192), cfg.MaxTokens)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("should layer file values over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"api_key": "sk-file",
			"model": "claude-sonnet-4-20250514",
			"max_tool_iterations": 25,
			"timezone": "Asia/Tokyo"
		}`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "sk-file", cfg.APIKey)
		assert.Equal(t, 25, cfg.MaxToolIterations)
		assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
		// untouched defaults survive
		assert.Equal(t, 40, cfg.MaxSessionMessages)
	})

	t.Run("should reject malformed files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("should default logging file under the data dir", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`"}`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "parley.log"), cfg.Logging.File)
	})

	t.Run("should round trip through save", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "parley.json")
		loader := NewLoader(path)

		cfg := validConfig()
		cfg.DataDir = t.TempDir()
		cfg.ControlChatIDs = []string{"100", "200"}
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, cfg.APIKey, loaded.APIKey)
		assert.Equal(t, cfg.ControlChatIDs, loaded.ControlChatIDs)
	})
}
