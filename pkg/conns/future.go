package conns

import (
	"context"
	"sync"
	"time"
)

// ConnectionFuture is the hand-off point of an asynchronous acquisition. It is
// completed exactly once, by whichever goroutine delivers the connection, the
// error, or the cancellation. The optional handler runs on that goroutine,
// never under a factory lock.
type ConnectionFuture struct {
	done    chan struct{}
	once    sync.Once
	handler ConnectionHandler

	conn Connection
	err  error
}

// NewConnectionFuture creates an incomplete future. Custom ConnectionFactory
// implementations hand it to their caller and complete it exactly once.
func NewConnectionFuture(handler ConnectionHandler) *ConnectionFuture {
	return &ConnectionFuture{
		done:    make(chan struct{}),
		handler: handler,
	}
}

// Complete delivers the outcome. The first call wins; it reports whether
// this call was the one that completed the future. A losing delivery of a
// live connection is the completer's responsibility to dispose of. Factories
// producing futures for their callers complete them through this method.
func (f *ConnectionFuture) Complete(conn Connection, err error) bool {
	won := false
	f.once.Do(func() {
		f.conn = conn
		f.err = err
		close(f.done)
		won = true
		if f.handler != nil {
			f.handler(conn, err)
		}
	})
	return won
}

// Cancel completes the future with ErrAcquireCancelled if it has not already
// completed. A connection delivered after cancellation is returned or closed
// by the delivering factory, never leaked.
func (f *ConnectionFuture) Cancel() {
	f.Complete(nil, ErrAcquireCancelled)
}

// Done is closed once the future has completed.
func (f *ConnectionFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes and returns its outcome.
func (f *ConnectionFuture) Wait() (Connection, error) {
	<-f.done
	return f.conn, f.err
}

// WaitTimeout waits up to d. On expiry the future is cancelled; if a real
// outcome raced the cancellation, that outcome is returned instead.
func (f *ConnectionFuture) WaitTimeout(d time.Duration) (Connection, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
		f.Cancel()
		<-f.done
	}
	return f.conn, f.err
}

// WaitContext waits until the future completes or ctx ends. A context end
// cancels the future; a raced real outcome still wins.
func (f *ConnectionFuture) WaitContext(ctx context.Context) (Connection, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel()
		<-f.done
	}
	return f.conn, f.err
}

// responseFuture is the internal single-shot completion used by
// InternalConnection to bridge a handler callback to a synchronous caller.
type responseFuture struct {
	done chan struct{}
	once sync.Once

	response interface{}
	err      error
}

func newResponseFuture() *responseFuture {
	return &responseFuture{done: make(chan struct{})}
}

func (f *responseFuture) complete(response interface{}, err error) {
	f.once.Do(func() {
		f.response = response
		f.err = err
		close(f.done)
	})
}

// wait blocks until the handler delivers its callback. If the handler never
// does, this blocks forever; callback delivery is the handler's contract.
func (f *responseFuture) wait() (interface{}, error) {
	<-f.done
	return f.response, f.err
}
