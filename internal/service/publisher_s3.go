package service

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const s3UploadConcurrency = 8

// S3Publisher serves a site straight from a bucket prefix.
//
// Object stores have no atomic multi-object swap, so publishing is not atomic:
// while a deploy runs, viewers may see new assets next to old pages. Pages
// are uploaded after every other asset and stale objects are removed last,
// which keeps each page consistent with the assets it references.
type S3Publisher struct {
	client BucketClient
	logger zerolog.Logger
}

// BucketClient is the part of *minio.Client the S3 publisher uses.
type BucketClient interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

func NewS3Publisher(client BucketClient, logger zerolog.Logger) *S3Publisher {
	return &S3Publisher{
		client: client,
		logger: logger.With().Str("component", "s3_publisher").Logger(),
	}
}

func (p *S3Publisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	bucket := req.Hosting.Bucket
	prefix := strings.Trim(req.Hosting.Path, "/")

	assets, pages, err := splitPages(req.Artifact.Dir)
	if err != nil {
		return "", err
	}
	uploaded := make(map[string]struct{}, len(assets)+len(pages))
	for _, batch := range [][]string{assets, pages} {
		if err := p.upload(ctx, bucket, prefix, req.Artifact.Dir, batch); err != nil {
			return "", err
		}
		for _, rel := range batch {
			uploaded[path.Join(prefix, rel)] = struct{}{}
		}
	}

	if err := p.removeStale(ctx, bucket, prefix, uploaded); err != nil {
		p.logger.Warn().Err(err).Str("bucket", bucket).Msg("err removing stale objects")
	}

	if req.Hosting.URL != "" {
		return req.Hosting.URL, nil
	}
	return fmt.Sprintf("s3://%s/%s", bucket, prefix), nil
}

func (p *S3Publisher) upload(ctx context.Context, bucket, prefix, dir string, files []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s3UploadConcurrency)
	for _, rel := range files {
		g.Go(func() error {
			contentType := mime.TypeByExtension(path.Ext(rel))
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			_, err := p.client.FPutObject(
				ctx, bucket, path.Join(prefix, rel),
				filepath.Join(dir, filepath.FromSlash(rel)),
				minio.PutObjectOptions{ContentType: contentType},
			)
			return err
		})
	}
	return g.Wait()
}

func (p *S3Publisher) removeStale(
	ctx context.Context,
	bucket, prefix string,
	keep map[string]struct{},
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listPrefix := ""
	if prefix != "" {
		listPrefix = prefix + "/"
	}
	for obj := range p.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}
		if _, ok := keep[obj.Key]; ok {
			continue
		}
		if err := p.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// splitPages lists the files below dir as slash separated relative paths,
// with HTML pages separated from every other asset.
func splitPages(dir string) (assets, pages []string, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".html") || strings.HasSuffix(rel, ".htm") {
			pages = append(pages, rel)
		} else {
			assets = append(assets, rel)
		}
		return nil
	})
	return assets, pages, err
}
