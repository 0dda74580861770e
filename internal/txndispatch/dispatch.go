// Package txndispatch implements a fair, reentrant permit arbiter that
// gates admission of shared and exclusive transactions onto the engine
// under a fixed concurrency budget.
//
// The protocol mirrors a two-queue ticket scheme: every waiter draws a
// monotonic ticket while holding the dispatcher's lock and is admitted
// only once it is both at the head of its queue and the permit budget
// can satisfy its request. An exclusive waiter that reaches the head of
// the regular queue but cannot yet be admitted "promotes" itself into a
// dedicated exclusive queue (behind any exclusive waiter already
// promoted there), which lets shared traffic keep
// draining against it instead of blocking behind it.
package txndispatch

import (
	"container/list"
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/entitycore/storagecore/internal/logutil"
	"github.com/entitycore/storagecore/internal/syncutil"
)

// Token identifies the logical caller ("thread") that acquires and
// releases permits. Go has no native thread handle, so the engine mints
// one per unit of work, typically a goroutine-scoped counter.
type Token int64

// TxnDescriptor is the subset of a transaction the dispatcher needs to
// decide and record admission. It never interprets the transaction
// itself.
type TxnDescriptor interface {
	CreatingThread() Token
	IsExclusive() bool
	SetExclusive(bool)
	WasCreatedExclusive() bool
	IsGCTransaction() bool
	SetAcquiredPermits(int)
}

// EnvConfig carries the read-only environment knobs the admission policy
// consults.
type EnvConfig struct {
	GCTransactionAcquireTimeout time.Duration
	EnvTxnReplayTimeout         time.Duration
	MaxSimultaneousTransactions int
}

// Metrics are the Prometheus collectors a Dispatcher reports through.
// A nil *Metrics is valid; every method is a no-op in that case.
type Metrics struct {
	Acquired   prometheus.Gauge
	Promotions prometheus.Counter
	Timeouts   prometheus.Counter
	Waits      prometheus.Counter
}

// NewMetrics builds a Metrics whose collectors are named under the
// given namespace, suitable for a single Dispatcher instance. It does
// not register them with any Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Acquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_acquired_permits",
			Help:      "Permits currently held across all threads.",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_exclusive_promotions_total",
			Help:      "Exclusive waiters promoted from the regular to the exclusive queue.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_try_acquire_timeouts_total",
			Help:      "tryAcquireExclusive calls that returned zero permits.",
		}),
		Waits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_waits_total",
			Help:      "Acquire calls that had to block at least once.",
		}),
	}
}

func (m *Metrics) setAcquired(v int) {
	if m != nil && m.Acquired != nil {
		m.Acquired.Set(float64(v))
	}
}

func (m *Metrics) incPromotions() {
	if m != nil && m.Promotions != nil {
		m.Promotions.Inc()
	}
}

func (m *Metrics) incTimeouts() {
	if m != nil && m.Timeouts != nil {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) incWaits() {
	if m != nil && m.Waits != nil {
		m.Waits.Inc()
	}
}

// waiter is a single entry in one of the dispatcher's ticket queues.
type waiter struct {
	ticket int64
}

// Dispatcher is a fair, reentrant shared/exclusive permit arbiter. The
// zero value is not usable; construct with New.
type Dispatcher struct {
	mu   syncutil.Mutex
	cond *interruptibleCond

	capacity int
	acquired int
	ticket   int64

	threadPermits  map[Token]int
	regularQueue   *list.List // of *waiter, ticket ascending
	exclusiveQueue *list.List // of *waiter, ticket ascending

	metrics *Metrics
}

// New constructs a Dispatcher admitting at most capacity permits at
// once. capacity must be at least 1.
func New(capacity int, metrics *Metrics) (*Dispatcher, error) {
	if capacity < 1 {
		return nil, errors.AssertionFailedf("txndispatch: capacity %d < 1", capacity)
	}
	d := &Dispatcher{
		capacity:       capacity,
		threadPermits:  make(map[Token]int),
		regularQueue:   list.New(),
		exclusiveQueue: list.New(),
		metrics:        metrics,
	}
	d.cond = newInterruptibleCond(&d.mu)
	return d, nil
}

// AvailablePermits returns capacity - acquired under the lock.
func (d *Dispatcher) AvailablePermits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity - d.acquired
}

func (d *Dispatcher) threadPermitsToAcquire(thread Token) (int, error) {
	current := d.threadPermits[thread]
	if current == d.capacity {
		return 0, errors.AssertionFailedf("txndispatch: thread already holds all %d permits", d.capacity)
	}
	return current, nil
}

// AcquireShared blocks until one permit is available and this thread is
// at the head of the regular queue, then admits it.
func (d *Dispatcher) AcquireShared(ctx context.Context, thread Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.threadPermitsToAcquire(thread)
	if err != nil {
		return err
	}

	if d.acquired == d.capacity || d.regularQueue.Len() > 0 {
		w := d.enqueue(d.regularQueue)
		d.metrics.incWaits()
		for {
			if err := d.cond.wait(ctx); err != nil {
				d.removeFromQueue(d.regularQueue, w)
				d.cond.broadcast()
				return errors.Wrapf(err, "txndispatch: interrupted acquiring shared permit")
			}
			if d.acquired != d.capacity && d.headTicket(d.regularQueue) == w.ticket {
				break
			}
		}
		d.regularQueue.Remove(d.regularQueue.Front())
		// The next regular waiter now heads the queue and may already
		// have a permit available; wake it rather than leave it parked
		// until the next release.
		d.cond.broadcast()
	}

	d.acquired++
	d.threadPermits[thread] = current + 1
	d.metrics.setAcquired(d.acquired)
	return nil
}

// AcquireExclusive blocks until capacity-threadHeld permits can be
// taken, then returns that many.
func (d *Dispatcher) AcquireExclusive(ctx context.Context, thread Token) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.threadPermitsToAcquire(thread)
	if err != nil {
		return 0, err
	}
	toAcquire := d.capacity - current

	if d.acquired > d.capacity-toAcquire || d.regularQueue.Len() > 0 {
		queue := d.regularQueue
		w := d.enqueue(queue)
		d.metrics.incWaits()
		for {
			if err := d.cond.wait(ctx); err != nil {
				d.removeFromQueue(queue, w)
				d.cond.broadcast()
				return 0, errors.Wrapf(err, "txndispatch: interrupted acquiring exclusive permit")
			}
			if d.headTicket(queue) != w.ticket {
				continue
			}
			if d.acquired <= d.capacity-toAcquire {
				break
			}
			if queue == d.regularQueue {
				d.cond.broadcast()
				queue.Remove(queue.Front())
				queue = d.exclusiveQueue
				queue.PushBack(w)
				d.metrics.incPromotions()
				logutil.VEventf(ctx, 2, "txndispatch: promoting waiter ticket %d to exclusive queue", w.ticket)
			}
		}
		queue.Remove(queue.Front())
	}

	d.acquired += toAcquire
	d.threadPermits[thread] = current + toAcquire
	d.metrics.setAcquired(d.acquired)
	return toAcquire, nil
}

// TryAcquireExclusive behaves like AcquireExclusive but is bounded by
// timeout and refuses to promote into an already non-empty exclusive
// queue, returning 0 immediately in that case.
func (d *Dispatcher) TryAcquireExclusive(ctx context.Context, thread Token, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)

	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.threadPermitsToAcquire(thread)
	if err != nil {
		return 0, err
	}
	toAcquire := d.capacity - current

	if d.acquired > d.capacity-toAcquire || d.regularQueue.Len() > 0 {
		queue := d.regularQueue
		w := d.enqueue(queue)
		d.metrics.incWaits()
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				d.cond.broadcast()
				d.removeFromQueue(queue, w)
				d.metrics.incTimeouts()
				return 0, nil
			}
			timedOut, err := d.cond.waitTimeout(ctx, remaining)
			if err != nil {
				d.removeFromQueue(queue, w)
				d.cond.broadcast()
				return 0, errors.Wrapf(err, "txndispatch: interrupted in tryAcquireExclusive")
			}
			if d.headTicket(queue) == w.ticket {
				if d.acquired <= d.capacity-toAcquire {
					break
				}
				if queue == d.regularQueue {
					d.cond.broadcast()
					queue.Remove(queue.Front())
					if d.exclusiveQueue.Len() > 0 {
						d.metrics.incTimeouts()
						return 0, nil
					}
					queue = d.exclusiveQueue
					queue.PushBack(w)
					d.metrics.incPromotions()
				}
			}
			if timedOut {
				d.cond.broadcast()
				d.removeFromQueue(queue, w)
				d.metrics.incTimeouts()
				return 0, nil
			}
		}
		queue.Remove(queue.Front())
	}

	d.acquired += toAcquire
	d.threadPermits[thread] = current + toAcquire
	d.metrics.setAcquired(d.acquired)
	return toAcquire, nil
}

// Release returns permits to the budget, removing the thread's entry
// once it reaches zero. Releasing more than held is a fatal programmer
// error.
func (d *Dispatcher) Release(thread Token, permits int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.threadPermits[thread]
	if permits > current {
		return errors.AssertionFailedf("txndispatch: cannot release %d permits, thread holds %d", permits, current)
	}
	d.acquired -= permits
	current -= permits
	if current == 0 {
		delete(d.threadPermits, thread)
	} else {
		d.threadPermits[thread] = current
	}
	d.metrics.setAcquired(d.acquired)
	d.cond.broadcast()
	return nil
}

// AcquireTransaction implements the admission policy: a blocking
// exclusive acquire for descriptors created exclusive (outside GC), a
// bounded exclusive attempt for other exclusive requests that falls
// back to shared on failure, and a plain shared acquire otherwise.
func (d *Dispatcher) AcquireTransaction(ctx context.Context, desc TxnDescriptor, cfg EnvConfig) error {
	thread := desc.CreatingThread()

	if desc.IsExclusive() {
		isGC := desc.IsGCTransaction()
		if desc.WasCreatedExclusive() && !isGC {
			permits, err := d.AcquireExclusive(ctx, thread)
			if err != nil {
				return err
			}
			desc.SetAcquiredPermits(permits)
			return nil
		}

		timeout := cfg.EnvTxnReplayTimeout
		if isGC {
			timeout = cfg.GCTransactionAcquireTimeout
		}
		permits, err := d.TryAcquireExclusive(ctx, thread, timeout)
		if err != nil {
			return err
		}
		if permits > 0 {
			desc.SetAcquiredPermits(permits)
			return nil
		}
		logutil.Warningf(ctx, "txndispatch: exclusive acquire timed out, falling back to shared")
		desc.SetExclusive(false)
	}

	if err := d.AcquireShared(ctx, thread); err != nil {
		return err
	}
	desc.SetAcquiredPermits(1)
	return nil
}

func (d *Dispatcher) enqueue(queue *list.List) *waiter {
	w := &waiter{ticket: d.ticket}
	d.ticket++
	queue.PushBack(w)
	return w
}

func (d *Dispatcher) headTicket(queue *list.List) int64 {
	front := queue.Front()
	if front == nil {
		return -1
	}
	return front.Value.(*waiter).ticket
}

func (d *Dispatcher) removeFromQueue(queue *list.List, w *waiter) {
	for e := queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter) == w {
			queue.Remove(e)
			return
		}
	}
}

// AcquirerCount returns the number of waiters currently in the regular
// queue. Exposed for tests and diagnostics.
func (d *Dispatcher) AcquirerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regularQueue.Len()
}

// ExclusiveAcquirerCount returns the number of waiters currently in the
// exclusive queue.
func (d *Dispatcher) ExclusiveAcquirerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exclusiveQueue.Len()
}
