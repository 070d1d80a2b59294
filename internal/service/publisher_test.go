package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func newTestArtifact(t *testing.T, runID int64, files map[string]string) *Artifact {
	t.Helper()
	dir := t.TempDir()
	writeSiteFiles(t, dir, files)
	return &Artifact{Ref: ArtifactRef{RunID: runID, Name: "site-public"}, Dir: dir}
}

func TestDirectoryPublisher_Publish(t *testing.T) {
	t.Run("success - release published and current swapped", func(t *testing.T) {
		// arrange
		root := t.TempDir()
		p := NewDirectoryPublisher()
		first := newTestArtifact(t, 1, map[string]string{"index.html": "v1"})
		second := newTestArtifact(t, 2, map[string]string{"index.html": "v2"})

		// act
		url1, err1 := p.Publish(context.Background(), PublishRequest{
			Artifact: first, Hosting: HostingConfig{Path: root}, Release: "00000001",
		})
		url2, err2 := p.Publish(context.Background(), PublishRequest{
			Artifact: second, Hosting: HostingConfig{Path: root, URL: "https://docs.example.com/"}, Release: "00000002",
		})

		// assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(root, "current")), url1)
		assert.Equal(t, "https://docs.example.com/", url2)
		link, err := os.Readlink(filepath.Join(root, "current"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("releases", "00000002"), link)
		assert.Equal(t, map[string]string{"index.html": "v2"}, readSiteFiles(t, filepath.Join(root, "current")))
		assert.NoDirExists(t, filepath.Join(root, "releases", "00000002.partial"))
	})

	t.Run("success - releases beyond keep are pruned", func(t *testing.T) {
		// arrange
		root := t.TempDir()
		p := NewDirectoryPublisher()

		// act
		for id := int64(1); id <= 4; id++ {
			_, err := p.Publish(context.Background(), PublishRequest{
				Artifact:     newTestArtifact(t, id, map[string]string{"index.html": "v"}),
				Hosting:      HostingConfig{Path: root},
				Release:      fmt.Sprintf("%08d", id),
				KeepReleases: 2,
			})
			require.NoError(t, err)
		}

		// assert
		entries, err := os.ReadDir(filepath.Join(root, "releases"))
		require.NoError(t, err)
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		assert.Equal(t, []string{"00000003", "00000004"}, names)
	})

	t.Run("failure - existing document root that is not a symlink", func(t *testing.T) {
		// arrange
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "current"), 0o755))

		// act
		_, err := NewDirectoryPublisher().Publish(context.Background(), PublishRequest{
			Artifact: newTestArtifact(t, 1, map[string]string{"index.html": "v1"}),
			Hosting:  HostingConfig{Path: root},
			Release:  "00000001",
		})

		// assert
		assert.ErrorContains(t, err, "not a symlink")
		assert.DirExists(t, filepath.Join(root, "current"))
	})

	t.Run("failure - live release is never replaced", func(t *testing.T) {
		// arrange
		root := t.TempDir()
		p := NewDirectoryPublisher()
		live := newTestArtifact(t, 5, map[string]string{"index.html": "v5"})
		_, err := p.Publish(context.Background(), PublishRequest{
			Artifact: live, Hosting: HostingConfig{Path: root}, Release: "00000005",
		})
		require.NoError(t, err)
		broken := &Artifact{Ref: live.Ref, Dir: filepath.Join(t.TempDir(), "missing")}

		// act
		_, err = p.Publish(context.Background(), PublishRequest{
			Artifact: broken, Hosting: HostingConfig{Path: root}, Release: "00000005",
		})

		// assert
		assert.ErrorContains(t, err, "is live")
		assert.Equal(t, map[string]string{"index.html": "v5"}, readSiteFiles(t, filepath.Join(root, "current")))
	})

	t.Run("success - redeploying the live artifact keeps serving it", func(t *testing.T) {
		// arrange
		root := t.TempDir()
		ds := NewDeployStage(5)
		ds.Register(HostingDirectory, NewDirectoryPublisher())
		target := &Target{Name: "docs", Hosting: HostingConfig{Kind: HostingDirectory, Path: root, URL: "https://docs.example.com/"}}
		artifact := newTestArtifact(t, 5, map[string]string{"index.html": "v5"})
		_, err := ds.Deploy(context.Background(), artifact, target)
		require.NoError(t, err)
		first, err := os.Readlink(filepath.Join(root, "current"))
		require.NoError(t, err)

		// act
		_, err = ds.Deploy(context.Background(), artifact, target)

		// assert
		require.NoError(t, err)
		second, err := os.Readlink(filepath.Join(root, "current"))
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
		assert.DirExists(t, filepath.Join(root, first))
		assert.Equal(t, map[string]string{"index.html": "v5"}, readSiteFiles(t, filepath.Join(root, "current")))
	})
}

func TestReleaseName(t *testing.T) {
	t.Run("success - names are unique and sort by publish time", func(t *testing.T) {
		// arrange
		t1 := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
		t2 := t1.Add(time.Minute)

		// act
		a := releaseName(t1, 7)
		b := releaseName(t1, 7)
		c := releaseName(t2, 3)

		// assert
		assert.NotEqual(t, a, b)
		assert.Less(t, a, c)
		assert.Empty(t, filepath.Ext(a))
		assert.Equal(t, []string{a}, releasesToPrune([]string{c, a}, c, 1))
	})
}

func TestReleasesToPrune(t *testing.T) {
	t.Run("success - oldest releases beyond keep", func(t *testing.T) {
		assert.Equal(t,
			[]string{"00000001", "00000002"},
			releasesToPrune([]string{"00000003", "00000001", "00000004", "00000002"}, "00000004", 2),
		)
	})
	t.Run("success - current is never pruned", func(t *testing.T) {
		assert.Empty(t, releasesToPrune([]string{"00000009"}, "00000009", 1))
	})
	t.Run("success - keep disabled", func(t *testing.T) {
		assert.Nil(t, releasesToPrune([]string{"00000001", "00000002"}, "00000002", 0))
	})
}

func TestDeployStage_Deploy(t *testing.T) {
	target := &Target{Name: "docs", Hosting: HostingConfig{Kind: HostingDirectory}}
	artifact := &Artifact{Ref: ArtifactRef{RunID: 12, Name: "site-public"}}

	t.Run("success - publisher selected by hosting kind", func(t *testing.T) {
		// arrange
		p := new(MockPublisher)
		p.On("Publish", mock.Anything, mock.MatchedBy(func(req PublishRequest) bool {
			return strings.HasPrefix(req.Release, "20261017T080000Z-00000012-") && req.KeepReleases == 5
		})).Return("https://docs.example.com/", nil)
		ds := NewDeployStage(5)
		ds.now = func() time.Time { return time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC) }
		ds.Register(HostingDirectory, p)

		// act
		url, err := ds.Deploy(context.Background(), artifact, target)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "https://docs.example.com/", url)
		p.AssertExpectations(t)
	})

	t.Run("failure - publisher error wrapped as deploy error", func(t *testing.T) {
		// arrange
		p := new(MockPublisher)
		p.On("Publish", mock.Anything, mock.Anything).Return("", errors.New("disk full"))
		ds := NewDeployStage(5)
		ds.Register(HostingDirectory, p)

		// act
		_, err := ds.Deploy(context.Background(), artifact, target)

		// assert
		var de *DeployError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "docs", de.Target)
		assert.ErrorContains(t, err, "disk full")
	})

	t.Run("failure - empty url", func(t *testing.T) {
		// arrange
		p := new(MockPublisher)
		p.On("Publish", mock.Anything, mock.Anything).Return("", nil)
		ds := NewDeployStage(5)
		ds.Register(HostingDirectory, p)

		// act
		_, err := ds.Deploy(context.Background(), artifact, target)

		// assert
		assert.ErrorContains(t, err, "no public URL")
	})

	t.Run("failure - unknown hosting kind", func(t *testing.T) {
		// act
		_, err := NewDeployStage(5).Deploy(context.Background(), artifact, target)

		// assert
		var de *DeployError
		require.True(t, errors.As(err, &de))
		assert.ErrorContains(t, err, `no publisher for hosting kind "directory"`)
	})
}
