package conns

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// requestIDOrigin is the first request identifier assigned on a fresh
// internal connection.
const requestIDOrigin uint64 = 0

// ResultCallback delivers the outcome of one handled request. A handler must
// eventually invoke it exactly once, with either a response (*Result or
// *SearchResult) or an error.
type ResultCallback func(response interface{}, err error)

// RequestHandler processes requests routed over an internal connection. It is
// invoked on the operating goroutine; delivery of the callback is the
// handler's obligation; a synchronous caller blocks until it arrives.
//
// Handlers observe cancellation cooperatively through the RequestContext;
// nothing forcibly interrupts a handler mid-execution.
type RequestHandler interface {
	Handle(reqCtx *RequestContext, request Request, callback ResultCallback)
}

// RequestHandlerFunc adapts a plain function to the RequestHandler interface.
type RequestHandlerFunc func(reqCtx *RequestContext, request Request, callback ResultCallback)

func (f RequestHandlerFunc) Handle(reqCtx *RequestContext, request Request, callback ResultCallback) {
	f(reqCtx, request, callback)
}

// ServerConnectionFactory binds a per-connection handler when an internal
// connection is accepted.
type ServerConnectionFactory interface {
	HandleAccept(clientCtx *ClientContext) (RequestHandler, error)
}

type singleHandlerServerFactory struct {
	handler RequestHandler
}

// NewServerConnectionFactory adapts one handler to serve every accepted
// connection.
func NewServerConnectionFactory(handler RequestHandler) ServerConnectionFactory {
	return &singleHandlerServerFactory{handler: handler}
}

func (s *singleHandlerServerFactory) HandleAccept(_ *ClientContext) (RequestHandler, error) {
	return s.handler, nil
}

// ClientContext identifies one accepted internal connection for diagnostics.
type ClientContext struct {
	ConnectionID uuid.UUID
}

// RequestContext carries the per-operation metadata handed to a handler: the
// request identifier and the cooperative cancellation flag.
type RequestContext struct {
	id        uint64
	cancelled atomic.Bool
}

// RequestID returns the identifier assigned to this operation.
func (rc *RequestContext) RequestID() uint64 {
	return rc.id
}

// Cancel sets the cancellation flag. Handlers poll it at safe points; an
// already-running handler is never preempted.
func (rc *RequestContext) Cancel() {
	rc.cancelled.Store(true)
}

// Cancelled reports whether the operation was cancelled.
func (rc *RequestContext) Cancelled() bool {
	return rc.cancelled.Load()
}

// InternalConnection dispatches operations directly to a request handler
// without any network transport. Request identifiers are assigned from a
// per-connection atomic counter, strictly increasing from the origin, since
// one logical connection may have several operations pipelined concurrently.
type InternalConnection struct {
	clientCtx *ClientContext
	handler   RequestHandler
	logger    *zap.Logger

	nextRequestID uint64
	pending       cmap.ConcurrentMap // request ID -> *RequestContext
	closed        atomic.Bool
	listeners     listenerRegistry
}

// NewInternalConnection routes operations to handler on behalf of clientCtx.
// A nil clientCtx gets a fresh connection ID.
func NewInternalConnection(clientCtx *ClientContext, handler RequestHandler, logger *zap.Logger) *InternalConnection {
	if clientCtx == nil {
		clientCtx = &ClientContext{ConnectionID: uuid.New()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InternalConnection{
		clientCtx:     clientCtx,
		handler:       handler,
		logger:        logger.With(zap.String("component", "internal-connection")),
		nextRequestID: requestIDOrigin,
		pending:       cmap.New(),
	}
}

// ClientContext returns the accept-time context of this connection.
func (ic *InternalConnection) ClientContext() *ClientContext {
	return ic.clientCtx
}

// dispatch assigns the next request ID, registers the in-flight context and
// invokes the handler. The returned future completes when the handler
// delivers its callback.
func (ic *InternalConnection) dispatch(request Request) (*responseFuture, error) {
	if ic.closed.Load() {
		return nil, ErrConnectionClosed
	}

	id := atomic.AddUint64(&ic.nextRequestID, 1) - 1
	key := strconv.FormatUint(id, 10)
	reqCtx := &RequestContext{id: id}
	ic.pending.Set(key, reqCtx)

	future := newResponseFuture()
	ic.handler.Handle(reqCtx, request, func(response interface{}, err error) {
		ic.pending.Remove(key)
		future.complete(response, err)
	})

	return future, nil
}

func (ic *InternalConnection) operate(request Request) (*Result, error) {
	future, err := ic.dispatch(request)
	if err != nil {
		return nil, err
	}

	response, err := future.wait()
	if err != nil {
		return nil, err
	}
	result, ok := response.(*Result)
	if !ok {
		return nil, fmt.Errorf("handler delivered %T for a %s request", response, request.requestName())
	}
	return result, nil
}

func (ic *InternalConnection) Bind(request *BindRequest) (*Result, error) {
	return ic.operate(request)
}

func (ic *InternalConnection) Search(request *SearchRequest) (*SearchResult, error) {
	future, err := ic.dispatch(request)
	if err != nil {
		return nil, err
	}

	response, err := future.wait()
	if err != nil {
		return nil, err
	}
	result, ok := response.(*SearchResult)
	if !ok {
		return nil, fmt.Errorf("handler delivered %T for a search request", response)
	}
	return result, nil
}

func (ic *InternalConnection) Add(request *AddRequest) (*Result, error) {
	return ic.operate(request)
}

func (ic *InternalConnection) Delete(request *DeleteRequest) (*Result, error) {
	return ic.operate(request)
}

func (ic *InternalConnection) Modify(request *ModifyRequest) (*Result, error) {
	return ic.operate(request)
}

// Abandon sets the cancellation flag on the matching in-flight operation.
// Abandoning consumes no request identifier and completes nothing; the
// handler still owns callback delivery.
func (ic *InternalConnection) Abandon(requestID uint64) {
	if value, ok := ic.pending.Get(strconv.FormatUint(requestID, 10)); ok {
		value.(*RequestContext).Cancel()
	}
}

func (ic *InternalConnection) IsValid() bool {
	return !ic.closed.Load()
}

// Close marks the connection closed and cancels every in-flight context
// cooperatively. A non-nil reason fires the invalidation listeners.
func (ic *InternalConnection) Close(reason ...error) error {
	if ic.closed.Swap(true) {
		return nil
	}

	for item := range ic.pending.IterBuffered() {
		item.Val.(*RequestContext).Cancel()
	}

	if len(reason) > 0 && reason[0] != nil {
		ic.logger.Debug("internal connection invalidated",
			zap.String("connectionID", ic.clientCtx.ConnectionID.String()),
			zap.Error(reason[0]))
		ic.listeners.fire(reason[0])
	}

	return nil
}

func (ic *InternalConnection) AddInvalidationListener(fn func(reason error)) int {
	return ic.listeners.add(fn)
}

func (ic *InternalConnection) RemoveInvalidationListener(token int) {
	ic.listeners.remove(token)
}

// InternalConnectionFactory produces internal connections, asking the server
// factory for a handler on each accept.
type InternalConnectionFactory struct {
	server ServerConnectionFactory
	logger *zap.Logger
	closed atomic.Bool
}

// NewInternalConnectionFactory creates a socket-free factory backed by the
// given server factory. A nil logger disables logging.
func NewInternalConnectionFactory(server ServerConnectionFactory, logger *zap.Logger) *InternalConnectionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InternalConnectionFactory{
		server: server,
		logger: logger,
	}
}

func (f *InternalConnectionFactory) GetConnection() (Connection, error) {
	return f.GetConnectionAsync(nil).Wait()
}

// GetConnectionAsync completes immediately; accepting an internal connection
// performs no I/O.
func (f *InternalConnectionFactory) GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture {
	future := NewConnectionFuture(handler)

	if f.closed.Load() {
		future.Complete(nil, ErrFactoryClosed)
		return future
	}

	clientCtx := &ClientContext{ConnectionID: uuid.New()}
	requestHandler, err := f.server.HandleAccept(clientCtx)
	if err != nil {
		future.Complete(nil, err)
		return future
	}

	future.Complete(NewInternalConnection(clientCtx, requestHandler, f.logger), nil)
	return future
}

func (f *InternalConnectionFactory) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *InternalConnectionFactory) String() string {
	return "internal-connection-factory"
}
