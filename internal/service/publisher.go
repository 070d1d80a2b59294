package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/util"
)

type PublishRequest struct {
	Artifact     *Artifact
	Hosting      HostingConfig
	Release      string
	KeepReleases int
}

// Publisher replaces the content served by one kind of hosting target and
// returns its public URL.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// DeployStage publishes artifacts through the publisher registered for a
// target's hosting kind.
type DeployStage struct {
	publishers   map[string]Publisher
	keepReleases int
	now          func() time.Time
}

func NewDeployStage(keepReleases int) *DeployStage {
	return &DeployStage{
		publishers:   make(map[string]Publisher),
		keepReleases: keepReleases,
		now:          time.Now,
	}
}

func (ds *DeployStage) Register(kind string, p Publisher) {
	ds.publishers[kind] = p
}

// Deploy publishes artifact to target and returns the public URL. Every
// failure is reported as *DeployError.
func (ds *DeployStage) Deploy(ctx context.Context, artifact *Artifact, target *Target) (string, error) {
	p, ok := ds.publishers[target.Hosting.Kind]
	if !ok {
		return "", &DeployError{
			Stage:  StageDeploy,
			Target: target.Name,
			Err:    fmt.Errorf("no publisher for hosting kind %q", target.Hosting.Kind),
		}
	}
	keep := target.Hosting.KeepReleases
	if keep <= 0 {
		keep = ds.keepReleases
	}

	url, err := p.Publish(ctx, PublishRequest{
		Artifact:     artifact,
		Hosting:      target.Hosting,
		Release:      releaseName(ds.now(), artifact.Ref.RunID),
		KeepReleases: keep,
	})
	if err != nil {
		var de *DeployError
		if errors.As(err, &de) {
			return "", err
		}
		return "", &DeployError{Stage: StageDeploy, Target: target.Name, Err: err}
	}
	if url == "" {
		return "", &DeployError{Stage: StageDeploy, Target: target.Name, Err: errors.New("hosting returned no public URL")}
	}
	return url, nil
}

// releaseName returns a release directory name unique to one publish.
// Names sort by publish time.
func releaseName(now time.Time, runID int64) string {
	return fmt.Sprintf("%s-%08d-%s", now.UTC().Format(releaseTimeLayout), runID, uuid.NewString()[:8])
}

const releaseTimeLayout = "20060102T150405Z"

// releasesToPrune returns the oldest releases beyond keep, never including
// current. Release names sort chronologically.
func releasesToPrune(names []string, current string, keep int) []string {
	if keep <= 0 {
		return nil
	}
	names = slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == current })
	slices.Sort(names)
	excess := len(names) + 1 - keep
	if excess <= 0 {
		return nil
	}
	return names[:excess]
}

// DirectoryPublisher serves releases from a local document root. Each
// release is copied into releases/<name> and the current symlink is swapped
// to it with a single rename.
type DirectoryPublisher struct{}

func NewDirectoryPublisher() *DirectoryPublisher {
	return &DirectoryPublisher{}
}

func (p *DirectoryPublisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	root, err := filepath.Abs(req.Hosting.Path)
	if err != nil {
		return "", err
	}
	releases := filepath.Join(root, "releases")
	dst := filepath.Join(releases, req.Release)
	partial := dst + ".partial"
	current := filepath.Join(root, "current")

	if live, err := os.Readlink(current); err == nil && filepath.Base(live) == req.Release {
		return "", fmt.Errorf("release %s is live and cannot be replaced", req.Release)
	}
	for _, p := range []string{dst, partial} {
		if err := os.RemoveAll(p); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(releases, 0o755); err != nil {
		return "", err
	}
	if err := util.CopyDir(req.Artifact.Dir, partial); err != nil {
		return "", fmt.Errorf("err copying release: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.RemoveAll(partial)
		return "", err
	}
	if err := os.Rename(partial, dst); err != nil {
		return "", err
	}

	if err := swapSymlink(filepath.Join("releases", req.Release), current); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(releases)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && filepath.Ext(e.Name()) == "" {
			names = append(names, e.Name())
		}
	}
	for _, name := range releasesToPrune(names, req.Release, req.KeepReleases) {
		if err := os.RemoveAll(filepath.Join(releases, name)); err != nil {
			return "", err
		}
	}

	if req.Hosting.URL != "" {
		return req.Hosting.URL, nil
	}
	return "file://" + filepath.ToSlash(current), nil
}

// swapSymlink points link at target atomically. An existing link that is
// not a symlink is never replaced.
func swapSymlink(target, link string) error {
	if info, err := os.Lstat(link); err == nil && info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("refusing to replace %s: not a symlink", link)
	}
	tmp := link + ".swap-" + uuid.NewString()[:8]
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
