package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

const s3ChecksumMetaKey = "Sha256"

// S3ArtifactStore keeps artifact archives as single objects in a bucket.
// Object uploads are atomic, so readers see either no artifact or a complete
// one. Expiry is derived from the object's last modification time.
type S3ArtifactStore struct {
	client    *minio.Client
	bucket    string
	prefix    string
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewS3ArtifactStore(
	client *minio.Client,
	bucket string,
	retention time.Duration,
	logger zerolog.Logger,
) *S3ArtifactStore {
	return &S3ArtifactStore{
		client:    client,
		bucket:    bucket,
		prefix:    "artifacts",
		retention: retention,
		logger:    logger.With().Str("component", "artifact_store").Str("bucket", bucket).Logger(),
		now:       time.Now,
	}
}

func (s *S3ArtifactStore) objectKey(ref ArtifactRef) string {
	return path.Join(s.prefix, fmt.Sprint(ref.RunID), ref.Name+".tar.gz")
}

func (s *S3ArtifactStore) refFromKey(key string) (ArtifactRef, bool) {
	rel := strings.TrimPrefix(key, s.prefix+"/")
	name, ok := strings.CutSuffix(rel, ".tar.gz")
	if !ok {
		return ArtifactRef{}, false
	}
	ref, err := ParseArtifactRef(name)
	return ref, err == nil
}

func (s *S3ArtifactStore) Put(
	ctx context.Context,
	name string,
	runID int64,
	dir string,
) (ArtifactRef, error) {
	ref := ArtifactRef{RunID: runID, Name: name}

	tmp, err := os.CreateTemp("", "simplecd-artifact-*.tar.gz")
	if err != nil {
		return ref, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	stats, err := writeArchive(io.MultiWriter(tmp, h), dir)
	if err != nil {
		return ref, err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return ref, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return ref, err
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(ref), tmp, size, minio.PutObjectOptions{
		ContentType:  "application/gzip",
		UserMetadata: map[string]string{s3ChecksumMetaKey: hex.EncodeToString(h.Sum(nil))},
	})
	if err != nil {
		return ref, fmt.Errorf("err uploading artifact %s: %w", ref, err)
	}

	s.logger.Info().
		Str("artifact", ref.String()).
		Int64("files", stats.Files).
		Str("size", humanize.Bytes(uint64(size))).
		Msg("artifact stored")
	return ref, nil
}

func (s *S3ArtifactStore) Get(
	ctx context.Context,
	ref ArtifactRef,
	dest string,
) (*Artifact, error) {
	key := s.objectKey(ref)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	expiresOn := info.LastModified.Add(s.retention)
	if !s.now().Before(expiresOn) {
		return nil, fmt.Errorf("%w: %s expired on %s", ErrArtifactNotFound, ref, expiresOn.Format(time.RFC3339))
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	tmpDest := dest + ".tmp"
	if err := os.RemoveAll(tmpDest); err != nil {
		return nil, err
	}
	h := sha256.New()
	r := io.TeeReader(obj, h)
	stats, err := extractArchive(r, tmpDest)
	if err == nil {
		_, err = io.Copy(io.Discard, r)
	}
	if isNoSuchKey(err) {
		os.RemoveAll(tmpDest)
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		os.RemoveAll(tmpDest)
		return nil, fmt.Errorf("err extracting artifact %s: %w", ref, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if expected := metaValue(info.UserMetadata, s3ChecksumMetaKey); expected != "" && expected != sum {
		os.RemoveAll(tmpDest)
		return nil, fmt.Errorf("artifact %s checksum mismatch: expected %s, got %s", ref, expected, sum)
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
		SHA256:    sum,
		ExpiresOn: expiresOn,
	}, nil
}

func (s *S3ArtifactStore) Delete(ctx context.Context, ref ArtifactRef) error {
	key := s.objectKey(ref)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}
		return err
	}
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func (s *S3ArtifactStore) PruneExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	pruned := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return pruned, obj.Err
		}
		if _, ok := s.refFromKey(obj.Key); !ok || obj.LastModified.After(cutoff) {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Info().Int("count", pruned).Msg("pruned expired artifacts")
	}
	return pruned, nil
}

func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return ""
}
