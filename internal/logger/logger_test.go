package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("should write to a log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "parley.log")
		l, err := New(Config{Level: "info", File: path})
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })

		zl := l.Zerolog()
		zl.Info().Str("component", "test").Msg("hello from the logger")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello from the logger")
		assert.Contains(t, string(data), `"component":"test"`)
	})

	t.Run("should fall back to info on bogus level", func(t *testing.T) {
		l, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		assert.Equal(t, "info", l.Zerolog().GetLevel().String())
	})

	t.Run("should suppress levels below the threshold", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.log")
		l, err := New(Config{Level: "warn", File: path})
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })

		zl := l.Zerolog()
		zl.Info().Msg("quiet")
		zl.Warn().Msg("loud")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "quiet")
		assert.Contains(t, string(data), "loud")
	})

	t.Run("should redact credentials when enabled", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parley.log")
		l, err := New(Config{Level: "info", File: path, Redaction: true})
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })

		zl := l.Zerolog()
		zl.Info().Msg("key is sk-abcdefghijklmnopqrstuvwxyz123456")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "sk-abcdefghijklmnopqrstuvwxyz123456")
		assert.Contains(t, string(data), "[REDACTED]")
	})
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	t.Run("should scrub api keys and tokens", func(t *testing.T) {
		cases := []string{
			"sk-abcdefghijklmnopqrstuvwxyz",
			"Bearer eyJhbGciOiJIUzI1NiJ9.payload.sig",
			"123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1",
			`password: hunter2hunter2`,
		}
		for _, c := range cases {
			assert.NotContains(t, r.Redact("before "+c+" after"), c)
		}
	})

	t.Run("should leave ordinary text alone", func(t *testing.T) {
		s := "scheduled task 42 completed in 120ms"
		assert.Equal(t, s, r.Redact(s))
	})

	t.Run("should accept custom patterns", func(t *testing.T) {
		custom := NewRedactor()
		require.NoError(t, custom.AddPattern(`corp-[0-9]+`))
		assert.Equal(t, "id [REDACTED]", custom.Redact("id corp-991"))

		assert.Error(t, custom.AddPattern("(unclosed"))
	})

	t.Run("should redact through the writer wrapper", func(t *testing.T) {
		var buf strings.Builder
		w := r.Wrap(&buf)
		n, err := w.Write([]byte("secret=topsecretvalue end"))
		require.NoError(t, err)
		assert.Equal(t, len("secret=topsecretvalue end"), n)
		assert.Contains(t, buf.String(), "[REDACTED]")
	})
}
