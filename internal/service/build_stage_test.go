package service

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStage_Build(t *testing.T) {
	t.Run("success - generator writes to the output directory", func(t *testing.T) {
		// arrange
		src := t.TempDir()
		writeSiteFiles(t, src, map[string]string{"index.md": "# docs"})
		out := filepath.Join(t.TempDir(), "build-1")
		var log bytes.Buffer
		opts := BuildOptions{
			Generator: GeneratorConfig{
				Command: "sh",
				Args:    []string{"-c", `mkdir -p "$1" && cp index.md "$1/index.html" && echo built`, "gen", "{{output}}"},
			},
			OutputDir: out,
			Name:      "site-public",
			RunID:     7,
			Output:    &log,
		}

		// act
		a, err := NewBuildStage().Build(context.Background(), src, opts)

		// assert
		require.NoError(t, err)
		assert.Equal(t, ArtifactRef{RunID: 7, Name: "site-public"}, a.Ref)
		assert.Equal(t, out, a.Dir)
		assert.Equal(t, int64(1), a.Files)
		assert.Equal(t, int64(len("# docs")), a.Size)
		assert.Equal(t, map[string]string{"index.html": "# docs"}, readSiteFiles(t, out))
		assert.Contains(t, log.String(), "built")
	})

	t.Run("success - generator output directory is moved into place", func(t *testing.T) {
		// arrange
		src := t.TempDir()
		out := filepath.Join(t.TempDir(), "build-1")
		opts := BuildOptions{
			Generator: GeneratorConfig{
				Command: "sh",
				Args:    []string{"-c", "mkdir -p public/css && echo ok > public/index.html && echo body > public/css/site.css"},
				Output:  "public",
			},
			OutputDir: out,
			Name:      "site-public",
			RunID:     1,
		}

		// act
		a, err := NewBuildStage().Build(context.Background(), src, opts)

		// assert
		require.NoError(t, err)
		assert.Equal(t, int64(2), a.Files)
		assert.Equal(t, map[string]string{
			"index.html":   "ok\n",
			"css/site.css": "body\n",
		}, readSiteFiles(t, out))
		assert.NoDirExists(t, filepath.Join(src, "public"))
	})

	t.Run("success - generator environment is passed through", func(t *testing.T) {
		// arrange
		src := t.TempDir()
		out := filepath.Join(t.TempDir(), "build-1")
		opts := BuildOptions{
			Generator: GeneratorConfig{
				Command: "sh",
				Args:    []string{"-c", `mkdir -p "$1" && printf %s "$SITE_ENV" > "$1/env.txt"`, "gen", "{{output}}"},
				Env:     []string{"SITE_ENV=production"},
			},
			OutputDir: out,
		}

		// act
		_, err := NewBuildStage().Build(context.Background(), src, opts)

		// assert
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"env.txt": "production"}, readSiteFiles(t, out))
	})

	t.Run("failure - non-zero exit", func(t *testing.T) {
		// arrange
		src := t.TempDir()
		opts := BuildOptions{
			Generator: GeneratorConfig{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}},
			OutputDir: filepath.Join(t.TempDir(), "build-1"),
		}

		// act
		a, err := NewBuildStage().Build(context.Background(), src, opts)

		// assert
		assert.Nil(t, a)
		var be *BuildError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, StageBuild, be.Stage)
		assert.Contains(t, err.Error(), "exit status 3")
	})

	t.Run("failure - generator produced no output", func(t *testing.T) {
		// arrange
		src := t.TempDir()
		opts := BuildOptions{
			Generator: GeneratorConfig{Command: "sh", Args: []string{"-c", "true"}},
			OutputDir: filepath.Join(t.TempDir(), "build-1"),
		}

		// act
		_, err := NewBuildStage().Build(context.Background(), src, opts)

		// assert
		var be *BuildError
		require.True(t, errors.As(err, &be))
		assert.Contains(t, err.Error(), "generator produced no output")
	})

	t.Run("failure - configured output directory missing", func(t *testing.T) {
		// arrange
		src := t.TempDir()
		opts := BuildOptions{
			Generator: GeneratorConfig{Command: "sh", Args: []string{"-c", "true"}, Output: "public"},
			OutputDir: filepath.Join(t.TempDir(), "build-1"),
		}

		// act
		_, err := NewBuildStage().Build(context.Background(), src, opts)

		// assert
		var be *BuildError
		require.True(t, errors.As(err, &be))
		assert.Contains(t, err.Error(), "no output directory public")
	})

	t.Run("failure - no generator configured", func(t *testing.T) {
		// act
		_, err := NewBuildStage().Build(context.Background(), t.TempDir(), BuildOptions{})

		// assert
		var be *BuildError
		assert.True(t, errors.As(err, &be))
	})

	t.Run("failure - interrupted generator", func(t *testing.T) {
		// arrange
		ctx, cancel := context.WithTimeoutCause(context.Background(), 100*time.Millisecond, errors.New("too slow"))
		defer cancel()
		opts := BuildOptions{
			Generator: GeneratorConfig{Command: "sh", Args: []string{"-c", "sleep 10"}},
			OutputDir: filepath.Join(t.TempDir(), "build-1"),
		}

		// act
		start := time.Now()
		_, err := NewBuildStage().Build(ctx, t.TempDir(), opts)

		// assert
		var be *BuildError
		require.True(t, errors.As(err, &be))
		assert.Contains(t, err.Error(), "interrupted: too slow")
		assert.Less(t, time.Since(start), 8*time.Second)
	})
}
