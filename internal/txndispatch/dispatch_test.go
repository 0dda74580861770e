package txndispatch

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// leakCheck runs fn and fails the test if the live goroutine count is
// still elevated afterward, guarding against a waiter or watcher
// goroutine left parked by a mis-woken cond.Wait.
func leakCheck(t *testing.T, fn func()) {
	t.Helper()
	before := runtime.NumGoroutine()
	fn()
	var after int
	for i := 0; i < 50; i++ {
		after = runtime.NumGoroutine()
		if after <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutine leak: started with %d, ended with %d", before, after)
}

type fakeTxn struct {
	thread        Token
	exclusive     bool
	wasExclusive  bool
	gc            bool
	acquired      int
}

func (f *fakeTxn) CreatingThread() Token      { return f.thread }
func (f *fakeTxn) IsExclusive() bool          { return f.exclusive }
func (f *fakeTxn) SetExclusive(v bool)        { f.exclusive = v }
func (f *fakeTxn) WasCreatedExclusive() bool  { return f.wasExclusive }
func (f *fakeTxn) IsGCTransaction() bool      { return f.gc }
func (f *fakeTxn) SetAcquiredPermits(n int)   { f.acquired = n }

func TestAvailablePermitsTracksAcquireRelease(t *testing.T) {
	d, err := New(4, nil)
	require.NoError(t, err)
	require.Equal(t, 4, d.AvailablePermits())

	ctx := context.Background()
	require.NoError(t, d.AcquireShared(ctx, Token(1)))
	require.Equal(t, 3, d.AvailablePermits())
	require.NoError(t, d.Release(Token(1), 1))
	require.Equal(t, 4, d.AvailablePermits())
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(0, nil)
	require.Error(t, err)
}

// Scenario 1: capacity 4, three threads each hold one shared permit, a
// fourth thread's exclusive acquire blocks until all three release, at
// which point it is granted all 4 permits.
func TestScenarioFourthExclusiveWaitsForThreeShared(t *testing.T) {
	d, err := New(4, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := Token(1); i <= 3; i++ {
		require.NoError(t, d.AcquireShared(ctx, i))
	}

	var permits int
	var acquireErr error
	done := make(chan struct{})
	go func() {
		permits, acquireErr = d.AcquireExclusive(ctx, Token(4))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("exclusive acquire should not complete before shared permits are released")
	case <-time.After(50 * time.Millisecond):
	}

	for i := Token(1); i <= 3; i++ {
		require.NoError(t, d.Release(i, 1))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("exclusive acquire never completed")
	}
	require.NoError(t, acquireErr)
	require.Equal(t, 4, permits)
}

// Scenario 2: capacity 2, thread T holds 1 shared permit, then calls
// acquireExclusive on the same thread: succeeds reentrantly with
// permitsGranted = 1 (the remaining budget).
func TestScenarioReentrantExclusiveAfterShared(t *testing.T) {
	d, err := New(2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.AcquireShared(ctx, Token(1)))
	permits, err := d.AcquireExclusive(ctx, Token(1))
	require.NoError(t, err)
	require.Equal(t, 1, permits)
	require.Equal(t, 0, d.AvailablePermits())
}

// Scenario 3: tryAcquireExclusive while another exclusive is already
// queued returns 0 without waiting out its (here 300ms) timeout.
func TestScenarioTryAcquireRefusesSecondExclusiveWaiter(t *testing.T) {
	d, err := New(1, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// Hold the single permit so the incoming exclusive attempt must
	// queue, and seed the exclusive queue as if an earlier
	// tryAcquireExclusive had already promoted there.
	require.NoError(t, d.AcquireShared(ctx, Token(99)))
	d.mu.Lock()
	d.exclusiveQueue.PushBack(&waiter{ticket: -1})
	d.mu.Unlock()

	// Nudge the waiter to recheck its queue state promptly instead of
	// waiting out the full timeout, so the test exercises the
	// contention rule rather than the deadline path.
	go func() {
		time.Sleep(5 * time.Millisecond)
		d.mu.Lock()
		d.cond.broadcast()
		d.mu.Unlock()
	}()

	start := time.Now()
	permits, err := d.TryAcquireExclusive(ctx, Token(2), 300*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, permits)
	require.Less(t, time.Since(start), 150*time.Millisecond)
}

// A real context with a live Done channel exercises the watcher
// goroutine's race between <-stop and <-ctx.Done(), unlike
// context.Background() used everywhere else in this file.
func TestAcquireSharedHonorsContextCancellation(t *testing.T) {
	d, err := New(1, nil)
	require.NoError(t, err)
	require.NoError(t, d.AcquireShared(context.Background(), Token(99)))

	leakCheck(t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		require.Error(t, d.AcquireShared(ctx, Token(1)))
	})

	require.NoError(t, d.Release(Token(99), 1))
}

func TestTryAcquireExclusiveHonorsContextCancellation(t *testing.T) {
	d, err := New(1, nil)
	require.NoError(t, err)
	require.NoError(t, d.AcquireShared(context.Background(), Token(99)))

	leakCheck(t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		permits, err := d.TryAcquireExclusive(ctx, Token(1), time.Second)
		require.Error(t, err)
		require.Equal(t, 0, permits)
	})

	require.NoError(t, d.Release(Token(99), 1))
}

func TestReleaseMoreThanHeldIsAssertionFailure(t *testing.T) {
	d, err := New(2, nil)
	require.NoError(t, err)
	require.NoError(t, d.AcquireShared(context.Background(), Token(1)))
	require.Error(t, d.Release(Token(1), 2))
}

func TestAcquireTransactionSharedPath(t *testing.T) {
	d, err := New(2, nil)
	require.NoError(t, err)
	txn := &fakeTxn{thread: Token(1)}
	require.NoError(t, d.AcquireTransaction(context.Background(), txn, EnvConfig{}))
	require.Equal(t, 1, txn.acquired)
}

func TestAcquireTransactionExclusiveCreatedExclusive(t *testing.T) {
	d, err := New(3, nil)
	require.NoError(t, err)
	txn := &fakeTxn{thread: Token(1), exclusive: true, wasExclusive: true}
	require.NoError(t, d.AcquireTransaction(context.Background(), txn, EnvConfig{}))
	require.Equal(t, 3, txn.acquired)
}

func TestAcquireTransactionExclusiveFallsBackToSharedOnTimeout(t *testing.T) {
	d, err := New(1, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.AcquireShared(ctx, Token(99)))

	txn := &fakeTxn{thread: Token(1), exclusive: true, wasExclusive: false}
	cfg := EnvConfig{EnvTxnReplayTimeout: 20 * time.Millisecond}

	done := make(chan error, 1)
	go func() {
		done <- d.AcquireTransaction(ctx, txn, cfg)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
		t.Fatal("should not complete until shared holder releases")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, d.Release(Token(99), 1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire transaction never completed")
	}
	require.False(t, txn.exclusive)
	require.Equal(t, 1, txn.acquired)
}

// Invariant check under concurrent shared traffic: available permits
// stay within [0, capacity] throughout and return to capacity once
// every thread has released.
func TestInvariantAcquiredNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	d, err := New(capacity, nil)
	require.NoError(t, err)
	ctx := context.Background()

	leakCheck(t, func() {
		var wg sync.WaitGroup
		for i := Token(1); i <= 20; i++ {
			wg.Add(1)
			go func(thread Token) {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					require.NoError(t, d.AcquireShared(ctx, thread))
					require.LessOrEqual(t, d.AvailablePermits(), capacity)
					require.GreaterOrEqual(t, d.AvailablePermits(), 0)
					require.NoError(t, d.Release(thread, 1))
				}
			}(i)
		}
		wg.Wait()
	})
	require.Equal(t, capacity, d.AvailablePermits())
}

func TestFIFOWithinRegularQueue(t *testing.T) {
	d, err := New(1, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.AcquireShared(ctx, Token(0)))

	var order []int
	var mu sync.Mutex
	leakCheck(t, func() {
		var wg sync.WaitGroup
		for i := 1; i <= 5; i++ {
			wg.Add(1)
			i := i
			go func() {
				defer wg.Done()
				// Stagger enqueue order deterministically.
				time.Sleep(time.Duration(i) * 5 * time.Millisecond)
				require.NoError(t, d.AcquireShared(ctx, Token(i)))
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				require.NoError(t, d.Release(Token(i), 1))
			}()
		}
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, d.Release(Token(0), 1))
		wg.Wait()
	})
	require.Equal(t, []int{1, 2, 3, 4, 5}, order)
}
