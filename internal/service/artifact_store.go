package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ArtifactRef addresses one artifact by its producing run and logical name.
type ArtifactRef struct {
	RunID int64
	Name  string
}

func (ref ArtifactRef) String() string {
	return fmt.Sprintf("%d/%s", ref.RunID, ref.Name)
}

// ParseArtifactRef parses the "<run id>/<name>" form produced by String.
func ParseArtifactRef(s string) (ArtifactRef, error) {
	runID, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return ArtifactRef{}, fmt.Errorf("invalid artifact reference %q: expected <run id>/<name>", s)
	}
	id, err := strconv.ParseInt(runID, 10, 64)
	if err != nil || id <= 0 {
		return ArtifactRef{}, fmt.Errorf("invalid artifact reference %q: bad run id", s)
	}
	return ArtifactRef{RunID: id, Name: name}, nil
}

// Artifact is a materialized bundle of static files on local disk.
type Artifact struct {
	Ref       ArtifactRef
	Dir       string
	Files     int64
	Size      int64
	SHA256    string
	ExpiresOn time.Time
}

// ArtifactStore hands build output over between stages that may run in
// different processes. Get never observes a partially written artifact and
// fails with ErrArtifactNotFound for unknown or expired references.
type ArtifactStore interface {
	Put(ctx context.Context, name string, runID int64, dir string) (ArtifactRef, error)
	Get(ctx context.Context, ref ArtifactRef, dest string) (*Artifact, error)
	Delete(ctx context.Context, ref ArtifactRef) error
	PruneExpired(ctx context.Context) (int, error)
}
