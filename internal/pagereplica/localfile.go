package pagereplica

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// LocalFileObjectGetter reads objects directly from a local directory,
// mirroring the teacher's nodelocal test backend. It exists so the
// replication pipeline can be exercised without live cloud credentials,
// both in tests and in the cmd/replicadrive demo.
type LocalFileObjectGetter struct {
	Root      string
	ChunkSize int
}

// NewLocalFileObjectGetter roots object keys at dir.
func NewLocalFileObjectGetter(dir string) *LocalFileObjectGetter {
	return &LocalFileObjectGetter{Root: dir}
}

// Get opens key (interpreted relative to Root) for streaming read.
func (l *LocalFileObjectGetter) Get(ctx context.Context, key string) (ResponseMeta, ChunkSource, error) {
	path := key
	if l.Root != "" {
		path = filepath.Join(l.Root, key)
	}
	f, err := os.Open(path)
	if err != nil {
		return ResponseMeta{}, nil, errors.Wrapf(err, "pagereplica: opening local object %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return ResponseMeta{}, nil, errors.Wrapf(err, "pagereplica: statting local object %q", path)
	}
	meta := ResponseMeta{ContentLength: info.Size()}
	return meta, newReaderChunkSource(f, l.ChunkSize), nil
}
