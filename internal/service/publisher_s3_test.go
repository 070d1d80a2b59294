package service

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	mu           sync.Mutex
	objects      map[string]string
	contentTypes map[string]string
	ops          []string
	failPut      string
}

func newFakeBucket(keys ...string) *fakeBucket {
	f := &fakeBucket{
		objects:      make(map[string]string),
		contentTypes: make(map[string]string),
	}
	for _, k := range keys {
		f.objects[k] = "old"
	}
	return f
}

func (f *fakeBucket) FPutObject(
	ctx context.Context,
	bucket, object, filePath string,
	opts minio.PutObjectOptions,
) (minio.UploadInfo, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if object == f.failPut {
		return minio.UploadInfo{}, errors.New("access denied")
	}
	f.objects[object] = string(b)
	f.contentTypes[object] = opts.ContentType
	f.ops = append(f.ops, "put:"+object)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(b))}, nil
}

func (f *fakeBucket) ListObjects(
	ctx context.Context,
	bucket string,
	opts minio.ListObjectsOptions,
) <-chan minio.ObjectInfo {
	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	slices.Sort(keys)

	ch := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		ch <- minio.ObjectInfo{Key: k}
	}
	close(ch)
	return ch
}

func (f *fakeBucket) RemoveObject(
	ctx context.Context,
	bucket, object string,
	opts minio.RemoveObjectOptions,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, object)
	f.ops = append(f.ops, "remove:"+object)
	return nil
}

func (f *fakeBucket) opIndexes(match func(op string) bool) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := make([]int, 0)
	for i, op := range f.ops {
		if match(op) {
			idx = append(idx, i)
		}
	}
	return idx
}

func isPagePut(op string) bool {
	return strings.HasPrefix(op, "put:") && strings.HasSuffix(op, ".html")
}

func isAssetPut(op string) bool {
	return strings.HasPrefix(op, "put:") && !strings.HasSuffix(op, ".html")
}

func isRemove(op string) bool {
	return strings.HasPrefix(op, "remove:")
}

func testSiteArtifact(t *testing.T) *Artifact {
	return newTestArtifact(t, 3, map[string]string{
		"index.html":       "home",
		"about/index.html": "about",
		"css/site.css":     "body{}",
		"img/logo.png":     "png",
	})
}

func TestS3Publisher_Publish(t *testing.T) {
	t.Run("success - assets before pages and stale objects last", func(t *testing.T) {
		// arrange
		bucket := newFakeBucket("docs/old.html", "docs/css/old.css", "other/keep.html")
		p := NewS3Publisher(bucket, testLogger())

		// act
		url, err := p.Publish(context.Background(), PublishRequest{
			Artifact: testSiteArtifact(t),
			Hosting:  HostingConfig{Kind: HostingS3, Bucket: "site", Path: "/docs/", URL: "https://docs.example.com/"},
		})

		// assert
		require.NoError(t, err)
		assert.Equal(t, "https://docs.example.com/", url)

		assets := bucket.opIndexes(isAssetPut)
		pages := bucket.opIndexes(isPagePut)
		removes := bucket.opIndexes(isRemove)
		require.Len(t, assets, 2)
		require.Len(t, pages, 2)
		require.Len(t, removes, 2)
		assert.Less(t, slices.Max(assets), slices.Min(pages))
		assert.Less(t, slices.Max(pages), slices.Min(removes))

		assert.Equal(t, "home", bucket.objects["docs/index.html"])
		assert.Equal(t, "about", bucket.objects["docs/about/index.html"])
		assert.NotContains(t, bucket.objects, "docs/old.html")
		assert.NotContains(t, bucket.objects, "docs/css/old.css")
		assert.Contains(t, bucket.objects, "other/keep.html")
		assert.Contains(t, bucket.contentTypes["docs/css/site.css"], "text/css")
		assert.Equal(t, "image/png", bucket.contentTypes["docs/img/logo.png"])
	})

	t.Run("success - bucket url when no public url configured", func(t *testing.T) {
		// arrange
		bucket := newFakeBucket()
		p := NewS3Publisher(bucket, testLogger())

		// act
		url, err := p.Publish(context.Background(), PublishRequest{
			Artifact: testSiteArtifact(t),
			Hosting:  HostingConfig{Kind: HostingS3, Bucket: "site", Path: "docs"},
		})

		// assert
		require.NoError(t, err)
		assert.Equal(t, "s3://site/docs", url)
	})

	t.Run("failure - failed asset upload leaves pages and old objects alone", func(t *testing.T) {
		// arrange
		bucket := newFakeBucket("docs/index.html", "docs/old.html")
		bucket.failPut = "docs/css/site.css"
		p := NewS3Publisher(bucket, testLogger())

		// act
		_, err := p.Publish(context.Background(), PublishRequest{
			Artifact: testSiteArtifact(t),
			Hosting:  HostingConfig{Kind: HostingS3, Bucket: "site", Path: "docs"},
		})

		// assert
		assert.ErrorContains(t, err, "access denied")
		assert.Empty(t, bucket.opIndexes(isPagePut))
		assert.Empty(t, bucket.opIndexes(isRemove))
		assert.Equal(t, "old", bucket.objects["docs/index.html"])
		assert.Contains(t, bucket.objects, "docs/old.html")
	})
}

func TestSplitPages(t *testing.T) {
	t.Run("success - html pages separated from assets", func(t *testing.T) {
		// arrange
		a := testSiteArtifact(t)

		// act
		assets, pages, err := splitPages(a.Dir)

		// assert
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"css/site.css", "img/logo.png"}, assets)
		assert.ElementsMatch(t, []string{"index.html", "about/index.html"}, pages)
	})
}
