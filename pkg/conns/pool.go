package conns

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"
)

// CachedConnectionPool bounds the number of concurrently live connections
// produced by its delegate and reuses released ones. Reuse is LIFO: the most
// recently released connection is handed out first, leaving the oldest idle
// entries for the eviction sweep. The sweep is hybrid: a scheduler task runs
// at half the idle timeout, and every acquisition sweeps lazily first.
//
// A connection handed out by the pool is guaranteed valid at hand-off.
// Closing a handed-out connection releases it back to the pool.
type CachedConnectionPool struct {
	config   PoolConfig
	delegate ConnectionFactory
	logger   *zap.Logger

	scheduler     *Scheduler
	ownsScheduler bool
	sweepTask     *ScheduledTask

	mu         sync.Mutex
	idle       []*poolEntry // oldest first; reuse pops from the end
	checkedOut int
	closed     bool
	waiters    *queue.Queue // FIFO of *poolWaiter, arrival-order fairness

	created uint64
	reused  uint64
	evicted uint64
	failed  uint64
}

// poolEntry is one idle connection, owned exclusively by the pool.
type poolEntry struct {
	conn           Connection
	lastReleasedAt time.Time
}

// poolWaiter is one queued acquisition. A timed-out waiter is compacted out
// of the queue when its timer fires; a cancelled one is skipped lazily at
// hand-off. Neither holds pool capacity while queued.
type poolWaiter struct {
	future *ConnectionFuture
	timer  *time.Timer
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	CheckedOut int
	Idle       int
	Waiting    int64
	Created    uint64
	Reused     uint64
	Evicted    uint64
	Failed     uint64
}

// NewCachedConnectionPool creates a pool over delegate. Misconfiguration is
// rejected here, never deferred to first use. When the config carries no
// scheduler the pool owns one and stops it on Close.
func NewCachedConnectionPool(delegate ConnectionFactory, config *PoolConfig) (*CachedConnectionPool, error) {
	if config == nil {
		config = &PoolConfig{}
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	scheduler := config.Scheduler
	ownsScheduler := false
	if scheduler == nil {
		scheduler = NewScheduler(logger)
		ownsScheduler = true
	}

	p := &CachedConnectionPool{
		config:        *config,
		delegate:      delegate,
		logger:        logger.With(zap.String("component", "connection-pool")),
		scheduler:     scheduler,
		ownsScheduler: ownsScheduler,
		waiters:       queue.New(16),
	}
	p.sweepTask = scheduler.Schedule("pool-sweep", config.SweepInterval(), p.Sweep)

	return p, nil
}

func (p *CachedConnectionPool) GetConnection() (Connection, error) {
	return p.GetConnectionAsync(nil).Wait()
}

// GetConnectionAsync enqueues the acquisition and pumps the pool. The future
// completes from whichever goroutine performs the matching release, create or
// eviction, outside the pool lock.
func (p *CachedConnectionPool) GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture {
	future := NewConnectionFuture(handler)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		future.Complete(nil, ErrConnectionPoolClosed)
		return future
	}

	w := &poolWaiter{future: future}
	if d := p.config.AcquireTimeout(); d > 0 {
		w.timer = time.AfterFunc(d, func() {
			if future.Complete(nil, ErrAcquireTimeout) {
				p.compactWaiters()
			}
		})
	}
	err := p.waiters.Put(w)
	p.mu.Unlock()

	if err != nil {
		future.Complete(nil, ErrConnectionPoolClosed)
		return future
	}

	p.Sweep()
	p.pump()
	return future
}

// pump satisfies queued waiters from the idle stack while entries remain,
// then from fresh capacity. It stops at the cap; every release, discard or
// eviction pumps again.
func (p *CachedConnectionPool) pump() {
	for {
		p.mu.Lock()
		if p.closed || p.waiters.Len() == 0 {
			p.mu.Unlock()
			return
		}

		if n := len(p.idle); n > 0 {
			entry := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkedOut++
			p.mu.Unlock()

			if !entry.conn.IsValid() {
				p.discard(entry.conn)
				continue
			}
			atomic.AddUint64(&p.reused, 1)
			p.deliver(entry.conn)
			continue
		}

		if p.config.MaxPoolSize > 0 && p.checkedOut >= p.config.MaxPoolSize {
			p.mu.Unlock()
			return
		}

		w := p.takeWaiterLocked()
		if w == nil {
			p.mu.Unlock()
			return
		}
		p.checkedOut++
		p.mu.Unlock()

		go p.createFor(w)
	}
}

// deliver hands a validated connection to the first waiter still listening,
// or parks it back on the idle stack.
func (p *CachedConnectionPool) deliver(conn Connection) {
	for {
		p.mu.Lock()
		w := p.takeWaiterLocked()
		if w == nil {
			p.checkedOut--
			p.idle = append(p.idle, &poolEntry{conn: conn, lastReleasedAt: time.Now()})
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if w.timer != nil {
			w.timer.Stop()
		}
		if w.future.Complete(&pooledConnection{Connection: conn, pool: p}, nil) {
			return
		}
		// Waiter timed out or cancelled while queued; skip it.
	}
}

// createFor dials a fresh connection for a reserved slot. On failure the
// waiter gets the delegate's error and the freed capacity goes to the next
// waiter.
func (p *CachedConnectionPool) createFor(w *poolWaiter) {
	conn, err := p.delegate.GetConnection()
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("delegate connection creation failed", zap.Error(err))

		p.mu.Lock()
		p.checkedOut--
		p.mu.Unlock()

		if w.timer != nil {
			w.timer.Stop()
		}
		w.future.Complete(nil, err)
		p.pump()
		return
	}

	atomic.AddUint64(&p.created, 1)

	// A heartbeat (or other) invalidation below this layer evicts the idle
	// entry early instead of waiting for the next validation.
	conn.AddInvalidationListener(func(reason error) {
		p.evict(conn, reason)
	})

	if w.timer != nil {
		w.timer.Stop()
	}
	if !w.future.Complete(&pooledConnection{Connection: conn, pool: p}, nil) {
		// The waiter gave up while we were connecting; keep the connection.
		p.release(conn, nil)
	}
}

// release returns a checked-out connection. Valid connections go back on the
// idle stack (or straight to the next waiter via pump); anything else is
// discarded. Called with the pool lock not held.
func (p *CachedConnectionPool) release(conn Connection, abnormal error) {
	valid := abnormal == nil && conn.IsValid()

	p.mu.Lock()
	p.checkedOut--
	if p.closed || !valid {
		p.mu.Unlock()
		if abnormal != nil {
			_ = conn.Close(abnormal)
		} else {
			_ = conn.Close()
		}
		p.pump()
		return
	}
	p.idle = append(p.idle, &poolEntry{conn: conn, lastReleasedAt: time.Now()})
	p.mu.Unlock()

	p.pump()
}

// discard drops an invalid connection that was counted checked out.
func (p *CachedConnectionPool) discard(conn Connection) {
	p.mu.Lock()
	p.checkedOut--
	p.mu.Unlock()

	_ = conn.Close()
	atomic.AddUint64(&p.evicted, 1)
}

// evict removes conn from the idle stack after an invalidation event. A
// checked-out connection is left to its holder; release discards it.
func (p *CachedConnectionPool) evict(conn Connection, reason error) {
	p.mu.Lock()
	for i, entry := range p.idle {
		if entry.conn == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.mu.Unlock()

			atomic.AddUint64(&p.evicted, 1)
			p.logger.Debug("idle connection evicted after invalidation", zap.Error(reason))
			_ = conn.Close()
			p.pump()
			return
		}
	}
	p.mu.Unlock()
}

// Sweep closes idle entries older than the idle timeout, oldest first, never
// reducing the idle count below CorePoolSize. It runs on the scheduler at
// half the idle timeout and lazily on every acquisition.
func (p *CachedConnectionPool) Sweep() {
	idleTimeout := p.config.IdleTimeout()
	now := time.Now()

	var expired []*poolEntry
	p.mu.Lock()
	for len(p.idle) > p.config.CorePoolSize && now.Sub(p.idle[0].lastReleasedAt) > idleTimeout {
		expired = append(expired, p.idle[0])
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, entry := range expired {
		atomic.AddUint64(&p.evicted, 1)
		_ = entry.conn.Close()
	}
	p.logger.Debug("swept idle connections", zap.Int("count", len(expired)))
	p.pump()
}

// compactWaiters re-queues only the waiters still listening, preserving
// arrival order. Runs after a timeout completion so sustained timeouts with
// no hand-offs cannot grow the queue without bound.
func (p *CachedConnectionPool) compactWaiters() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	n := p.waiters.Len()
	if n == 0 {
		return
	}
	items, err := p.waiters.Get(n)
	if err != nil {
		return
	}
	for _, item := range items {
		w := item.(*poolWaiter)
		select {
		case <-w.future.Done():
		default:
			_ = p.waiters.Put(w)
		}
	}
}

// takeWaiterLocked pops the oldest waiter. Caller holds the pool lock, so
// the length check cannot race another consumer.
func (p *CachedConnectionPool) takeWaiterLocked() *poolWaiter {
	if p.waiters.Len() == 0 {
		return nil
	}
	items, err := p.waiters.Get(1)
	if err != nil || len(items) == 0 {
		return nil
	}
	return items[0].(*poolWaiter)
}

// Stats returns a snapshot of pool activity.
func (p *CachedConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{
		CheckedOut: p.checkedOut,
		Idle:       len(p.idle),
		Waiting:    p.waiters.Len(),
	}
	p.mu.Unlock()

	stats.Created = atomic.LoadUint64(&p.created)
	stats.Reused = atomic.LoadUint64(&p.reused)
	stats.Evicted = atomic.LoadUint64(&p.evicted)
	stats.Failed = atomic.LoadUint64(&p.failed)
	return stats
}

// Close marks the pool closed, fails every queued waiter, closes all idle
// entries, stops the sweep, and closes the delegate. Checked-out connections
// are closed as they are released.
func (p *CachedConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil

	var waiters []*poolWaiter
	for p.waiters.Len() > 0 {
		items, err := p.waiters.Get(p.waiters.Len())
		if err != nil {
			break
		}
		for _, item := range items {
			waiters = append(waiters, item.(*poolWaiter))
		}
	}
	p.waiters.Dispose()
	p.mu.Unlock()

	p.sweepTask.Stop()

	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.future.Complete(nil, ErrConnectionPoolClosed)
	}
	for _, entry := range idle {
		_ = entry.conn.Close()
	}

	if p.ownsScheduler {
		p.scheduler.Stop()
	}
	return p.delegate.Close()
}

func (p *CachedConnectionPool) String() string {
	return fmt.Sprintf("cached-pool(core=%d, max=%d, %v)",
		p.config.CorePoolSize, p.config.MaxPoolSize, p.delegate)
}

// pooledConnection is the hand-out wrapper: Close releases to the pool
// instead of closing the transport. A second Close is a no-op.
type pooledConnection struct {
	Connection
	pool     *CachedConnectionPool
	released atomic.Bool
}

func (pc *pooledConnection) Close(reason ...error) error {
	if pc.released.Swap(true) {
		return nil
	}
	var abnormal error
	if len(reason) > 0 {
		abnormal = reason[0]
	}
	pc.pool.release(pc.Connection, abnormal)
	return nil
}

func (pc *pooledConnection) IsValid() bool {
	if pc.released.Load() {
		return false
	}
	return pc.Connection.IsValid()
}
