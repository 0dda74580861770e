package txndispatch

import (
	"context"
	"sync"
	"time"

	"github.com/entitycore/storagecore/internal/syncutil"
)

// interruptibleCond adapts sync.Cond to honor context cancellation.
// sync.Cond has no native context support, so a background goroutine
// watches ctx.Done() (and, for waitTimeout, a timer) and broadcasts so
// the parked waiter wakes and observes ctx.Err() or the timeout instead
// of blocking forever.
type interruptibleCond struct {
	cond *sync.Cond
	mu   *syncutil.Mutex
}

func newInterruptibleCond(mu *syncutil.Mutex) *interruptibleCond {
	return &interruptibleCond{cond: sync.NewCond(mu), mu: mu}
}

func (c *interruptibleCond) broadcast() {
	c.cond.Broadcast()
}

// wait blocks on the condition exactly as sync.Cond.Wait does (the
// caller must hold mu), returning ctx.Err() if ctx is cancelled while
// parked.
func (c *interruptibleCond) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()

	c.cond.Wait()
	close(stop)
	// The watcher may be about to call c.mu.Lock() (it raced close(stop)
	// against ctx.Done() and lost). Drop the lock before waiting for it
	// to finish, or it deadlocks against us holding mu here.
	c.mu.Unlock()
	<-done
	c.mu.Lock()
	return ctx.Err()
}

// waitTimeout blocks on the condition for at most timeout, returning
// (true, nil) if the timeout elapsed before a wake-up, (false, nil) on
// an ordinary wake-up, and (false, err) if ctx was cancelled.
func (c *interruptibleCond) waitTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-timer.C:
			timedOut = true
		case <-stop:
			return
		}
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	c.cond.Wait()
	close(stop)
	// Same reasoning as wait: the watcher may still need c.mu.Lock() to
	// deliver its broadcast, so release before joining it.
	c.mu.Unlock()
	<-done
	c.mu.Lock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	return timedOut, nil
}
