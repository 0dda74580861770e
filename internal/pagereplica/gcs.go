package pagereplica

import (
	"context"

	gcs "cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"
)

// GCSObjectGetter fetches objects from a Google Cloud Storage bucket.
type GCSObjectGetter struct {
	Bucket    *gcs.BucketHandle
	ChunkSize int
}

// NewGCSObjectGetter wraps an already-authenticated bucket handle.
func NewGCSObjectGetter(bucket *gcs.BucketHandle) *GCSObjectGetter {
	return &GCSObjectGetter{Bucket: bucket}
}

// Get opens a streaming reader for the named object.
func (g *GCSObjectGetter) Get(ctx context.Context, key string) (ResponseMeta, ChunkSource, error) {
	r, err := g.Bucket.Object(key).NewReader(ctx)
	if err != nil {
		return ResponseMeta{}, nil, errors.Wrapf(err, "pagereplica: opening gs object %q", key)
	}
	meta := ResponseMeta{ContentLength: r.Attrs.Size}
	return meta, newReaderChunkSource(r, g.ChunkSize), nil
}
