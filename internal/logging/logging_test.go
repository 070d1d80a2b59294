package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogging_New(t *testing.T) {
	t.Run("success - level parsed from options", func(t *testing.T) {
		logger := New(Options{Level: "debug"})
		assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
	})
	t.Run("success - invalid level falls back to info", func(t *testing.T) {
		logger := New(Options{Level: "chatty"})
		assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	})
	t.Run("success - log file receives entries", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "simplecd.log")
		logger := New(Options{Level: "info", File: path})

		// act
		logger.Info().Str("target", "docs").Msg("run triggered")

		// assert
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(b), `"target":"docs"`)
	})
}
