package conns_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvane/ldapconns/pkg/conns"
)

func TestInternalConnectionAssignsRequestIDsFromOrigin(t *testing.T) {
	var mu sync.Mutex
	var observed []uint64
	handler := conns.RequestHandlerFunc(func(reqCtx *conns.RequestContext, request conns.Request, callback conns.ResultCallback) {
		mu.Lock()
		observed = append(observed, reqCtx.RequestID())
		mu.Unlock()
		callback(&conns.Result{Code: conns.ResultSuccess}, nil)
	})

	conn := conns.NewInternalConnection(nil, handler, nil)
	defer func() { _ = conn.Close() }()

	for i := 0; i < 3; i++ {
		_, err := conn.Add(&conns.AddRequest{DN: "cn=x"})
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{0, 1, 2}, observed)
}

func TestInternalConnectionAbandonCancelsInFlightOperation(t *testing.T) {
	inFlight := make(chan *conns.RequestContext, 1)
	proceed := make(chan struct{})
	handler := conns.RequestHandlerFunc(func(reqCtx *conns.RequestContext, request conns.Request, callback conns.ResultCallback) {
		inFlight <- reqCtx
		go func() {
			<-proceed
			if reqCtx.Cancelled() {
				callback(nil, &conns.ResultError{Code: conns.ResultCanceled})
				return
			}
			callback(&conns.SearchResult{}, nil)
		}()
	})

	conn := conns.NewInternalConnection(nil, handler, nil)
	defer func() { _ = conn.Close() }()

	searchErr := make(chan error, 1)
	go func() {
		_, err := conn.Search(&conns.SearchRequest{Filter: "(objectClass=*)"})
		searchErr <- err
	}()

	reqCtx := <-inFlight
	require.False(t, reqCtx.Cancelled())

	// Abandon flips the cooperative flag; the handler still owns delivery.
	conn.Abandon(reqCtx.RequestID())
	assert.True(t, reqCtx.Cancelled())

	select {
	case <-searchErr:
		t.Fatal("abandon must not complete the operation by itself")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	err := <-searchErr
	code, ok := conns.ResultCodeFromError(err)
	require.True(t, ok)
	assert.Equal(t, conns.ResultCanceled, code)
}

func TestInternalConnectionAbandonUnknownRequestIsNoOp(t *testing.T) {
	conn := conns.NewInternalConnection(nil, conns.NewMemoryBackend(nil), nil)
	defer func() { _ = conn.Close() }()

	conn.Abandon(42)

	_, err := conn.Add(&conns.AddRequest{DN: "cn=x"})
	assert.NoError(t, err)
}

func TestInternalConnectionRejectsOperationsAfterClose(t *testing.T) {
	conn := conns.NewInternalConnection(nil, conns.NewMemoryBackend(nil), nil)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.False(t, conn.IsValid())
	_, err := conn.Search(&conns.SearchRequest{})
	assert.ErrorIs(t, err, conns.ErrConnectionClosed)
	_, err = conn.Bind(&conns.BindRequest{})
	assert.ErrorIs(t, err, conns.ErrConnectionClosed)
}

func TestInternalConnectionCloseCancelsPendingContexts(t *testing.T) {
	inFlight := make(chan *conns.RequestContext, 1)
	proceed := make(chan struct{})
	handler := conns.RequestHandlerFunc(func(reqCtx *conns.RequestContext, request conns.Request, callback conns.ResultCallback) {
		inFlight <- reqCtx
		go func() {
			<-proceed
			callback(nil, &conns.ResultError{Code: conns.ResultCanceled})
		}()
	})

	conn := conns.NewInternalConnection(nil, handler, nil)

	done := make(chan struct{})
	go func() {
		_, _ = conn.Search(&conns.SearchRequest{})
		close(done)
	}()

	reqCtx := <-inFlight
	require.NoError(t, conn.Close())
	assert.True(t, reqCtx.Cancelled())

	close(proceed)
	<-done
}

func TestInternalConnectionCloseWithReasonWithoutClientContext(t *testing.T) {
	conn := conns.NewInternalConnection(nil, conns.NewMemoryBackend(nil), nil)
	require.NotNil(t, conn.ClientContext())

	var fired error
	conn.AddInvalidationListener(func(reason error) {
		fired = reason
	})

	require.NoError(t, conn.Close(conns.ErrHeartbeatTimeout))
	assert.ErrorIs(t, fired, conns.ErrHeartbeatTimeout)
}

func TestInternalConnectionCloseWithReasonFiresListeners(t *testing.T) {
	conn := conns.NewInternalConnection(
		&conns.ClientContext{}, conns.NewMemoryBackend(nil), nil)

	var fired error
	conn.AddInvalidationListener(func(reason error) {
		fired = reason
	})
	removed := conn.AddInvalidationListener(func(reason error) {
		t.Error("removed listener must not fire")
	})
	conn.RemoveInvalidationListener(removed)

	require.NoError(t, conn.Close(conns.ErrHeartbeatTimeout))
	assert.ErrorIs(t, fired, conns.ErrHeartbeatTimeout)
}

func TestInternalFactoryProducesDistinctConnections(t *testing.T) {
	factory := memoryFactory()
	defer func() { _ = factory.Close() }()

	first, err := factory.GetConnection()
	require.NoError(t, err)
	second, err := factory.GetConnection()
	require.NoError(t, err)

	firstCtx := first.(*conns.InternalConnection).ClientContext()
	secondCtx := second.(*conns.InternalConnection).ClientContext()
	assert.NotEqual(t, firstCtx.ConnectionID, secondCtx.ConnectionID)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
}

func TestInternalFactoryRejectsAcquiresAfterClose(t *testing.T) {
	factory := memoryFactory()
	require.NoError(t, factory.Close())

	_, err := factory.GetConnection()
	assert.ErrorIs(t, err, conns.ErrFactoryClosed)

	future := factory.GetConnectionAsync(nil)
	_, err = future.Wait()
	assert.ErrorIs(t, err, conns.ErrFactoryClosed)
}
