package conns_test

import (
	"sync"
	"sync/atomic"

	"github.com/torvane/ldapconns/pkg/conns"
)

// countingFactory wraps a factory, counting successful creations and keeping
// every produced connection so tests can observe closure.
type countingFactory struct {
	inner   conns.ConnectionFactory
	created int32

	mu       sync.Mutex
	produced []conns.Connection
}

func newCountingFactory(inner conns.ConnectionFactory) *countingFactory {
	return &countingFactory{inner: inner}
}

func (f *countingFactory) record(conn conns.Connection) {
	atomic.AddInt32(&f.created, 1)
	f.mu.Lock()
	f.produced = append(f.produced, conn)
	f.mu.Unlock()
}

func (f *countingFactory) GetConnection() (conns.Connection, error) {
	conn, err := f.inner.GetConnection()
	if err == nil {
		f.record(conn)
	}
	return conn, err
}

func (f *countingFactory) GetConnectionAsync(handler conns.ConnectionHandler) *conns.ConnectionFuture {
	return f.inner.GetConnectionAsync(func(conn conns.Connection, err error) {
		if err == nil {
			f.record(conn)
		}
		if handler != nil {
			handler(conn, err)
		}
	})
}

func (f *countingFactory) Close() error {
	return f.inner.Close()
}

func (f *countingFactory) createdCount() int32 {
	return atomic.LoadInt32(&f.created)
}

func (f *countingFactory) producedConnections() []conns.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]conns.Connection, len(f.produced))
	copy(out, f.produced)
	return out
}

// failingFactory fails every acquisition with a fixed error.
type failingFactory struct {
	err      error
	attempts int32
}

func (f *failingFactory) GetConnection() (conns.Connection, error) {
	return f.GetConnectionAsync(nil).Wait()
}

func (f *failingFactory) GetConnectionAsync(handler conns.ConnectionHandler) *conns.ConnectionFuture {
	atomic.AddInt32(&f.attempts, 1)
	future := conns.NewConnectionFuture(handler)
	future.Complete(nil, f.err)
	return future
}

func (f *failingFactory) Close() error { return nil }

func (f *failingFactory) attemptCount() int32 {
	return atomic.LoadInt32(&f.attempts)
}

// memoryFactory returns an internal factory over a fresh MemoryBackend, for
// tests that only need a live-looking connection.
func memoryFactory() *conns.InternalConnectionFactory {
	backend := conns.NewMemoryBackend(nil)
	return conns.NewInternalConnectionFactory(conns.NewServerConnectionFactory(backend), nil)
}
