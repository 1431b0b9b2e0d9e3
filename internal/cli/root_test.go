package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	t.Run("should print version", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "parley version "+version)
	})

	t.Run("should register subcommands", func(t *testing.T) {
		names := make(map[string]bool)
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		assert.True(t, names["start"])
		assert.True(t, names["config"])
	})
}

func TestConfigCommand(t *testing.T) {
	t.Run("should print effective config with masked key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"api_key": "sk-supersecret",
			"model": "claude-sonnet-4-20250514"
		}`), 0o600))

		out, err := execute(t, "--config", path, "config")
		require.NoError(t, err)
		assert.Contains(t, out, "claude-sonnet-4-20250514")
		assert.Contains(t, out, "***")
		assert.NotContains(t, out, "sk-supersecret")
	})
}

func TestStartCommand(t *testing.T) {
	t.Run("should refuse to start without credentials", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"model": "claude-sonnet-4-20250514"}`), 0o600))

		_, err := execute(t, "--config", path, "start")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api_key is required")
	})
}
