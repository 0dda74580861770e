package pagereplica

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
)

// ObjectGetter opens a remote object for streaming download, returning
// the handshake metadata and a ChunkSource that will deliver the body.
// Concrete implementations wrap a specific blob store SDK.
type ObjectGetter interface {
	Get(ctx context.Context, key string) (ResponseMeta, ChunkSource, error)
}

// readerChunkSource adapts a plain io.ReadCloser (as returned by every
// blob store SDK's download call) into the back-pressured ChunkSource
// contract: each unit of demand reads one buffer's worth of bytes from
// the underlying stream on its own goroutine, so the replicator never
// blocks a goroutine on network I/O directly.
type readerChunkSource struct {
	r         io.ReadCloser
	chunkSize int
	demand    chan struct{}
	sub       ChunkSubscriber
	closeOnce chan struct{}
}

const defaultChunkSize = 64 * 1024

func newReaderChunkSource(r io.ReadCloser, chunkSize int) *readerChunkSource {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &readerChunkSource{
		r:         r,
		chunkSize: chunkSize,
		demand:    make(chan struct{}, 1),
		closeOnce: make(chan struct{}),
	}
}

func (s *readerChunkSource) Subscribe(sub ChunkSubscriber) {
	s.sub = sub
	go s.pump()
}

// Request signals readiness for n more chunks; this source only ever
// keeps one outstanding, matching the replicator's own demand of 1.
func (s *readerChunkSource) Request(n int) {
	for i := 0; i < n; i++ {
		select {
		case s.demand <- struct{}{}:
		default:
		}
	}
}

func (s *readerChunkSource) pump() {
	defer s.r.Close()
	buf := make([]byte, s.chunkSize)
	for {
		select {
		case <-s.demand:
		case <-s.closeOnce:
			return
		}
		n, err := s.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.sub.OnNext(chunk)
		}
		if err != nil {
			if err == io.EOF {
				s.sub.OnComplete()
			} else {
				s.sub.OnError(errors.Wrapf(err, "pagereplica: reading source stream"))
			}
			return
		}
	}
}
