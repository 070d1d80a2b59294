package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/rs/zerolog"
)

type ArtifactRecordStore interface {
	UpsertArtifact(context.Context, *store.ArtifactRecord) error
	ReadArtifact(context.Context, int64, string) (*store.ArtifactRecord, error)
	ListExpiredArtifacts(context.Context, time.Time) ([]store.ArtifactRecord, error)
	DeleteArtifact(context.Context, int64) error
}

// FileArtifactStore keeps artifact archives on local disk and their metadata
// in sqlite. An archive becomes visible only once its metadata row is
// written, which happens after the archive has been fully renamed into place.
type FileArtifactStore struct {
	root      string
	retention time.Duration
	records   ArtifactRecordStore
	logger    zerolog.Logger
	now       func() time.Time
}

func NewFileArtifactStore(
	root string,
	retention time.Duration,
	records ArtifactRecordStore,
	logger zerolog.Logger,
) *FileArtifactStore {
	return &FileArtifactStore{
		root:      root,
		retention: retention,
		records:   records,
		logger:    logger.With().Str("component", "artifact_store").Logger(),
		now:       time.Now,
	}
}

func (fas *FileArtifactStore) Put(
	ctx context.Context,
	name string,
	runID int64,
	dir string,
) (ArtifactRef, error) {
	ref := ArtifactRef{RunID: runID, Name: name}
	runDir := filepath.Join(fas.root, fmt.Sprint(runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return ref, err
	}

	tmp, err := os.CreateTemp(runDir, ".put-*")
	if err != nil {
		return ref, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	stats, err := writeArchive(io.MultiWriter(tmp, h), dir)
	if err != nil {
		tmp.Close()
		return ref, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ref, err
	}
	if err := tmp.Close(); err != nil {
		return ref, err
	}

	// every put gets its own file so a retried build never rewrites an
	// archive a concurrent reader may hold open
	location := filepath.Join(runDir, fmt.Sprintf("%s-%s.tar.gz", name, uuid.NewString()[:8]))
	if err := os.Rename(tmp.Name(), location); err != nil {
		return ref, err
	}

	previous, err := fas.records.ReadArtifact(ctx, runID, name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		os.Remove(location)
		return ref, err
	}

	now := fas.now().UTC()
	record := &store.ArtifactRecord{
		ArtifactRunID: runID,
		Name:          name,
		Location:      location,
		SHA256:        hex.EncodeToString(h.Sum(nil)),
		Size:          stats.Size,
		Files:         stats.Files,
		CreatedOn:     now,
		ExpiresOn:     now.Add(fas.retention),
	}
	if err := fas.records.UpsertArtifact(ctx, record); err != nil {
		os.Remove(location)
		return ref, err
	}
	if previous != nil && previous.Location != location {
		os.Remove(previous.Location)
	}

	fas.logger.Info().
		Str("artifact", ref.String()).
		Int64("files", stats.Files).
		Str("size", humanize.Bytes(uint64(stats.Size))).
		Msg("artifact stored")
	return ref, nil
}

func (fas *FileArtifactStore) Get(
	ctx context.Context,
	ref ArtifactRef,
	dest string,
) (*Artifact, error) {
	record, f, err := fas.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tmpDest := dest + ".tmp"
	if err := os.RemoveAll(tmpDest); err != nil {
		return nil, err
	}

	h := sha256.New()
	r := io.TeeReader(f, h)
	stats, err := extractArchive(r, tmpDest)
	if err == nil {
		_, err = io.Copy(io.Discard, r)
	}
	if err != nil {
		os.RemoveAll(tmpDest)
		return nil, fmt.Errorf("err extracting artifact %s: %w", ref, err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != record.SHA256 {
		os.RemoveAll(tmpDest)
		return nil, fmt.Errorf("artifact %s checksum mismatch: expected %s, got %s", ref, record.SHA256, sum)
	}

	if err := os.RemoveAll(dest); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDest, dest); err != nil {
		return nil, err
	}

	return &Artifact{
		Ref:       ref,
		Dir:       dest,
		Files:     stats.Files,
		Size:      stats.Size,
		SHA256:    record.SHA256,
		ExpiresOn: record.ExpiresOn,
	}, nil
}

// open resolves ref to its current archive. A put that replaced the archive
// between reading the metadata and opening the file is retried once.
func (fas *FileArtifactStore) open(
	ctx context.Context,
	ref ArtifactRef,
) (*store.ArtifactRecord, *os.File, error) {
	for attempt := 0; ; attempt++ {
		record, err := fas.records.ReadArtifact(ctx, ref.RunID, ref.Name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}
		if err != nil {
			return nil, nil, err
		}
		if !fas.now().Before(record.ExpiresOn) {
			return nil, nil, fmt.Errorf("%w: %s expired on %s", ErrArtifactNotFound, ref, record.ExpiresOn.Format(time.RFC3339))
		}

		f, err := os.Open(record.Location)
		if errors.Is(err, os.ErrNotExist) {
			if attempt == 0 {
				continue
			}
			return nil, nil, fmt.Errorf("%w: %s archive missing", ErrArtifactNotFound, ref)
		}
		if err != nil {
			return nil, nil, err
		}
		return record, f, nil
	}
}

func (fas *FileArtifactStore) Delete(ctx context.Context, ref ArtifactRef) error {
	record, err := fas.records.ReadArtifact(ctx, ref.RunID, ref.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return err
	}
	return fas.remove(ctx, record)
}

func (fas *FileArtifactStore) PruneExpired(ctx context.Context) (int, error) {
	expired, err := fas.records.ListExpiredArtifacts(ctx, fas.now().UTC())
	if err != nil {
		return 0, err
	}
	pruned := 0
	for i := range expired {
		if err := fas.remove(ctx, &expired[i]); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		fas.logger.Info().Int("count", pruned).Msg("pruned expired artifacts")
	}
	return pruned, nil
}

func (fas *FileArtifactStore) remove(ctx context.Context, record *store.ArtifactRecord) error {
	if err := fas.records.DeleteArtifact(ctx, record.ArtifactID); err != nil {
		return err
	}
	if err := os.Remove(record.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
