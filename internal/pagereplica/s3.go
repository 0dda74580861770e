package pagereplica

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
)

// S3ObjectGetter fetches objects from an S3-compatible bucket.
type S3ObjectGetter struct {
	Client    *s3.Client
	Bucket    string
	ChunkSize int
}

// NewS3ObjectGetter wraps an already-authenticated client.
func NewS3ObjectGetter(client *s3.Client, bucket string) *S3ObjectGetter {
	return &S3ObjectGetter{Client: client, Bucket: bucket}
}

// Get opens a streaming download of the named object.
func (s *S3ObjectGetter) Get(ctx context.Context, key string) (ResponseMeta, ChunkSource, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.Bucket,
		Key:    &key,
	})
	if err != nil {
		return ResponseMeta{}, nil, errors.Wrapf(err, "pagereplica: opening s3 object %q", key)
	}
	meta := ResponseMeta{ContentLength: out.ContentLength}
	return meta, newReaderChunkSource(out.Body, s.ChunkSize), nil
}
