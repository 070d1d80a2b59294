package internal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_UnmarshalJSON(t *testing.T) {
	t.Run("success - unmarshal json works as expected", func(t *testing.T) {
		// arrange
		jsonInput := []byte(`{"lease_ttl_seconds": 90, "artifact_retention_hours": 24, "keep_releases": 3}`)
		var config Configuration

		// act
		err := json.Unmarshal(jsonInput, &config)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, 90*time.Second, config.LeaseTTL())
		assert.Equal(t, 24*time.Hour, config.ArtifactRetention())
		assert.Equal(t, 3, config.KeepReleases)
	})
}

func TestConfig_MarshalJSON(t *testing.T) {
	t.Run("success - marshal json works as expected", func(t *testing.T) {
		// arrange
		config := Configuration{
			LeaseTTLSeconds:        NewSecondsDuration(120),
			ArtifactRetentionHours: NewHoursDuration(24),
			KeepReleases:           5,
		}

		// act
		b, err := json.Marshal(config)

		// assert
		assert.NoError(t, err)
		assert.Contains(t, string(b), `"lease_ttl_seconds":120`)
		assert.Contains(t, string(b), `"artifact_retention_hours":24`)
		assert.Contains(t, string(b), `"keep_releases":5`)
	})
}

func TestConfig_InitializeConfiguration(t *testing.T) {
	t.Run("success - defaults written when file is missing", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "config.json")

		// act
		err := InitializeConfiguration(path)

		// assert
		require.NoError(t, err)
		assert.Equal(t, DefaultConfiguration(), Config)
		_, statErr := os.Stat(path)
		assert.NoError(t, statErr)
	})
	t.Run("success - existing file overrides defaults", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"stage_timeout_seconds": 60}`), 0o644))

		// act
		err := InitializeConfiguration(path)

		// assert
		require.NoError(t, err)
		assert.Equal(t, time.Minute, Config.StageTimeout())
		assert.Equal(t, DefaultConfiguration().LeaseTTL(), Config.LeaseTTL())
	})
	t.Run("failure - invalid json", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))

		// act
		err := InitializeConfiguration(path)

		// assert
		assert.Error(t, err)
	})
}
