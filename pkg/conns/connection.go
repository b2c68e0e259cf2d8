package conns

import "sync"

// Connection is the capability every layer of the stack produces and consumes.
// A connection is owned exclusively by whichever caller currently holds it
// (the pool while idle, the application while checked out).
//
// Close takes an optional reason: a non-nil reason marks the close abnormal
// and fires the invalidation listeners before the transport goes away.
type Connection interface {
	Bind(request *BindRequest) (*Result, error)
	Search(request *SearchRequest) (*SearchResult, error)
	Add(request *AddRequest) (*Result, error)
	Delete(request *DeleteRequest) (*Result, error)
	Modify(request *ModifyRequest) (*Result, error)

	// IsValid reports whether the connection is believed usable. A false value
	// is authoritative; a true value is best effort.
	IsValid() bool

	Close(reason ...error) error

	// AddInvalidationListener registers fn to run when the connection becomes
	// invalid (heartbeat timeout, abnormal close). The returned token removes
	// the registration. Listeners run at most once each, outside any lock.
	AddInvalidationListener(fn func(reason error)) int
	RemoveInvalidationListener(token int)
}

// ConnectionHandler receives the outcome of an asynchronous acquisition. It
// runs on the goroutine that completed the acquisition, never under any
// factory-internal lock, so it may safely call back into the factory.
type ConnectionHandler func(conn Connection, err error)

// ConnectionFactory produces connections. Factories are created once at
// configuration time and live until Close; Close cascades to the delegate(s)
// a factory owns. Wrap a shared delegate with UncloseableConnectionFactory to
// opt out of the cascade.
//
// GetConnectionAsync is the primitive; GetConnection is a thin wait over it.
type ConnectionFactory interface {
	GetConnection() (Connection, error)
	GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture
	Close() error
}

// listenerRegistry tracks invalidation listeners keyed by an int token.
// Function values are not comparable, so removal goes through the token.
type listenerRegistry struct {
	mu        sync.Mutex
	nextToken int
	listeners map[int]func(reason error)
	fired     bool
}

func (r *listenerRegistry) add(fn func(reason error)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listeners == nil {
		r.listeners = make(map[int]func(reason error))
	}
	r.nextToken++
	r.listeners[r.nextToken] = fn
	return r.nextToken
}

func (r *listenerRegistry) remove(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, token)
}

// fire invokes every registered listener exactly once, outside the lock.
// Subsequent calls are no-ops.
func (r *listenerRegistry) fire(reason error) {
	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()
		return
	}
	r.fired = true
	snapshot := make([]func(reason error), 0, len(r.listeners))
	for _, fn := range r.listeners {
		snapshot = append(snapshot, fn)
	}
	r.listeners = nil
	r.mu.Unlock()

	for _, fn := range snapshot {
		fn(reason)
	}
}
