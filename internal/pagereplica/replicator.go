// Package pagereplica streams a remote blob into a local file, mirroring
// the trailing "last page" bytes into an in-memory buffer so the caller
// does not need a second read once the download completes.
//
// The producer side is a single back-pressured publisher of byte chunks
// (ChunkSource); the replicator requests one chunk at a time and keeps a
// single write in flight. A binary-weighted semaphore serializes the
// chunk write, end-of-stream close, and Complete, so Complete always
// observes either "everything is written and the file is closed" or it
// blocks until that becomes true.
package pagereplica

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/entitycore/storagecore/internal/logutil"
	"github.com/entitycore/storagecore/internal/syncutil"
)

// ChunkSource is a single-producer, back-pressured publisher of byte
// chunks. Request(n) signals the source that the subscriber is ready
// for n more chunks; the source must deliver at most the outstanding
// demand.
type ChunkSource interface {
	Request(n int)
	Subscribe(sub ChunkSubscriber)
}

// ChunkSubscriber receives chunks from a ChunkSource. OnNext is called
// at most once per outstanding unit of demand; OnComplete or OnError
// terminates the stream.
type ChunkSubscriber interface {
	OnNext(chunk []byte)
	OnComplete()
	OnError(err error)
}

// ResponseMeta carries the handshake metadata captured before streaming
// begins.
type ResponseMeta struct {
	ContentLength int64
}

// Config describes a single download.
type Config struct {
	// Path is the local destination; it is created exclusively and
	// refuses to overwrite an existing file.
	Path string
	// LastPage, if non-nil, is filled in-band with the bytes at
	// [LastPageStart, LastPageStart+len(LastPage)) of the logical
	// stream as they are written. The caller owns the slice and must
	// not touch it until Complete returns.
	LastPage      []byte
	LastPageStart int64
}

// WriteResult is returned by Complete once the download has settled.
type WriteResult struct {
	BytesWritten          int64
	LastPageBytesCaptured int
}

type state int32

const (
	stateIdle state = iota
	stateWriting
	stateClosing
	stateDone
	stateFailed
)

// Replicator implements the streaming download lifecycle: OnResponse,
// OnStream, OnException, Complete. The zero value is not usable;
// construct with New.
type Replicator struct {
	cfg Config
	sem *semaphore.Weighted

	file *os.File

	position        int64 // atomic: cumulative bytes written
	lastPageWritten int64 // atomic: bytes of cfg.LastPage filled so far

	mu               syncutil.Mutex
	st               state
	contentLength    int64
	closeOnLastWrite bool
	err              error
	src              ChunkSource

	done chan struct{}
}

// New constructs a Replicator for a single download described by cfg.
func New(cfg Config) *Replicator {
	return &Replicator{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(1),
		done: make(chan struct{}),
	}
}

// OnResponse captures the handshake content length.
func (r *Replicator) OnResponse(meta ResponseMeta) {
	r.mu.Lock()
	r.contentLength = meta.ContentLength
	r.mu.Unlock()
}

// OnStream opens the destination file with create-exclusive semantics
// and subscribes to src with an initial demand of one chunk.
func (r *Replicator) OnStream(ctx context.Context, src ChunkSource) error {
	r.mu.Lock()
	if r.st != stateIdle {
		r.mu.Unlock()
		return errors.AssertionFailedf("pagereplica: OnStream called in state %d, want idle", r.st)
	}
	f, err := os.OpenFile(r.cfg.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		r.mu.Unlock()
		return errors.Wrapf(err, "pagereplica: opening %s exclusively", r.cfg.Path)
	}
	r.file = f
	r.st = stateWriting
	r.src = src
	r.mu.Unlock()

	src.Subscribe(r)
	src.Request(1)
	return nil
}

// OnNext writes the next chunk, advances position, and mirrors any
// bytes that fall within the last-page window. It is the replicator's
// single in-flight write and runs under the mutual-exclusion token.
func (r *Replicator) OnNext(chunk []byte) {
	ctx := context.Background()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.fail(errors.Wrapf(err, "pagereplica: acquiring write token"))
		return
	}

	start := atomic.LoadInt64(&r.position)
	w := int64(len(chunk))

	if _, err := r.file.Write(chunk); err != nil {
		r.fail(errors.Wrapf(err, "pagereplica: writing chunk at offset %d", start))
		r.sem.Release(1)
		return
	}
	atomic.AddInt64(&r.position, w)
	end := start + w

	if err := r.captureLastPage(start, end, chunk); err != nil {
		r.fail(err)
		r.sem.Release(1)
		return
	}

	r.mu.Lock()
	closeNow := r.closeOnLastWrite
	r.mu.Unlock()

	if closeNow {
		r.finish()
		r.sem.Release(1)
		return
	}
	r.sem.Release(1)
	r.src.Request(1)
}

// captureLastPage mirrors the portion of [start, end) that intersects
// the configured last-page window into cfg.LastPage.
func (r *Replicator) captureLastPage(start, end int64, chunk []byte) error {
	lp := r.cfg.LastPage
	if lp == nil || end < r.cfg.LastPageStart {
		return nil
	}
	w := end - start
	lastPageLen := int64(len(lp))

	offset := start - r.cfg.LastPageStart
	if offset < 0 {
		offset = 0
	}
	bytesBefore := r.cfg.LastPageStart - start
	if bytesBefore < 0 {
		bytesBefore = 0
	}
	if bytesBefore > w {
		return errors.AssertionFailedf(
			"pagereplica: invariant breach, bytesBefore=%d exceeds chunk length %d", bytesBefore, w)
	}

	length := lastPageLen - offset
	if remaining := w - bytesBefore; remaining < length {
		length = remaining
	}
	if length <= 0 {
		return nil
	}
	if bytesBefore+length > int64(len(chunk)) || offset+length > lastPageLen {
		return errors.AssertionFailedf("pagereplica: invariant breach, last-page copy out of range")
	}

	copy(lp[offset:offset+length], chunk[bytesBefore:bytesBefore+length])
	atomic.AddInt64(&r.lastPageWritten, length)
	return nil
}

// OnComplete signals end-of-input. If no write is currently in flight
// it performs the sync+close immediately; otherwise it defers to the
// in-flight write's completion handler.
func (r *Replicator) OnComplete() {
	if r.sem.TryAcquire(1) {
		r.finish()
		r.sem.Release(1)
		return
	}
	r.mu.Lock()
	r.closeOnLastWrite = true
	r.mu.Unlock()
}

// OnError cancels the subscription (by simply stopping further demand)
// and routes into the same cleanup path as OnException, per this
// package's choice to treat OnError as equivalent to an explicit
// exception report rather than a silent no-op.
func (r *Replicator) OnError(err error) {
	r.OnException(err)
}

// OnException force-syncs are skipped, the file is closed and removed,
// and the error is recorded for Complete to surface.
func (r *Replicator) OnException(err error) {
	_ = r.sem.Acquire(context.Background(), 1)
	r.fail(err)
	r.sem.Release(1)
}

// finish force-syncs and closes the file, marking the download done.
// Called while holding the mutual-exclusion token.
func (r *Replicator) finish() {
	r.mu.Lock()
	if r.st == stateDone || r.st == stateFailed {
		r.mu.Unlock()
		return
	}
	r.st = stateClosing
	r.mu.Unlock()

	var syncErr, closeErr error
	if r.file != nil {
		syncErr = r.file.Sync()
		closeErr = r.file.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if syncErr != nil {
		r.st = stateFailed
		r.err = errors.Wrapf(syncErr, "pagereplica: syncing %s", r.cfg.Path)
		close(r.done)
		return
	}
	if closeErr != nil {
		r.st = stateFailed
		r.err = errors.Wrapf(closeErr, "pagereplica: closing %s", r.cfg.Path)
		close(r.done)
		return
	}
	r.st = stateDone
	close(r.done)
}

// fail moves the replicator into the failed state, closing and
// deleting the partial file. Safe to call whether or not the caller
// currently holds the write token.
func (r *Replicator) fail(err error) {
	r.mu.Lock()
	if r.st == stateDone || r.st == stateFailed {
		r.mu.Unlock()
		return
	}
	r.st = stateFailed
	r.err = err
	path := r.cfg.Path
	f := r.file
	r.mu.Unlock()

	if f != nil {
		_ = f.Close()
	}
	if path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			logutil.Warningf(context.Background(), "pagereplica: removing partial file %s: %v", path, rmErr)
		}
	}
	close(r.done)
}

// Complete blocks until the pending write settles (the stream has
// ended and the file has been closed, or the download failed), then
// returns the final result.
func (r *Replicator) Complete(ctx context.Context) (WriteResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return WriteResult{}, errors.Wrapf(err, "pagereplica: interrupted waiting to complete")
	}
	r.sem.Release(1)

	select {
	case <-r.done:
	case <-ctx.Done():
		return WriteResult{}, errors.Wrapf(ctx.Err(), "pagereplica: interrupted waiting for completion")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == stateFailed {
		return WriteResult{}, r.err
	}
	return WriteResult{
		BytesWritten:          atomic.LoadInt64(&r.position),
		LastPageBytesCaptured: int(atomic.LoadInt64(&r.lastPageWritten)),
	}, nil
}
