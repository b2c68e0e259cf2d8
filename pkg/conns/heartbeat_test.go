package conns_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvane/ldapconns/pkg/conns"
)

// silentPeer answers everything except searches, which it answers only after
// holdFor, long enough to starve a heartbeat probe.
func silentPeer(holdFor time.Duration) conns.RequestHandler {
	return conns.RequestHandlerFunc(func(reqCtx *conns.RequestContext, request conns.Request, callback conns.ResultCallback) {
		switch request.(type) {
		case *conns.SearchRequest:
			go func() {
				time.Sleep(holdFor)
				callback(&conns.SearchResult{}, nil)
			}()
		default:
			callback(&conns.Result{Code: conns.ResultSuccess}, nil)
		}
	})
}

func TestHeartbeatInvalidatesUnresponsivePeer(t *testing.T) {
	factory := conns.NewHeartBeatConnectionFactory(
		conns.NewInternalConnectionFactory(
			conns.NewServerConnectionFactory(silentPeer(200*time.Millisecond)), nil),
		&conns.HeartbeatConfig{IntervalMillis: 10, TimeoutMillis: 5})
	defer func() { _ = factory.Close() }()

	conn, err := factory.GetConnection()
	require.NoError(t, err)

	var invalidatedWith atomic.Value
	conn.AddInvalidationListener(func(reason error) {
		invalidatedWith.Store(reason)
	})

	// An application operation blocked on the dying connection must be woken
	// with a connectivity failure, not wait out the peer.
	opErr := make(chan error, 1)
	go func() {
		_, err := conn.Search(&conns.SearchRequest{Filter: "(objectClass=*)"})
		opErr <- err
	}()

	assert.Eventually(t, func() bool { return !conn.IsValid() }, 200*time.Millisecond, 2*time.Millisecond)

	select {
	case err := <-opErr:
		assert.ErrorIs(t, err, conns.ErrHeartbeatTimeout)
		assert.True(t, conns.IsConnectivityError(err))
	case <-time.After(200 * time.Millisecond):
		t.Fatal("blocked operation was not woken by the invalidation")
	}

	reason, ok := invalidatedWith.Load().(error)
	require.True(t, ok, "invalidation listener did not fire")
	assert.ErrorIs(t, reason, conns.ErrHeartbeatTimeout)

	// Later operations fail fast with the same connectivity failure.
	_, err = conn.Bind(&conns.BindRequest{})
	assert.ErrorIs(t, err, conns.ErrHeartbeatTimeout)

	// Allow the held probe/operation goroutines to drain.
	time.Sleep(250 * time.Millisecond)
}

func TestHeartbeatProbesKeepHealthyConnectionValid(t *testing.T) {
	var probes int32
	handler := conns.RequestHandlerFunc(func(reqCtx *conns.RequestContext, request conns.Request, callback conns.ResultCallback) {
		if _, ok := request.(*conns.SearchRequest); ok {
			atomic.AddInt32(&probes, 1)
			callback(&conns.SearchResult{}, nil)
			return
		}
		callback(&conns.Result{Code: conns.ResultSuccess}, nil)
	})

	factory := conns.NewHeartBeatConnectionFactory(
		conns.NewInternalConnectionFactory(conns.NewServerConnectionFactory(handler), nil),
		&conns.HeartbeatConfig{IntervalMillis: 5, TimeoutMillis: 50})
	defer func() { _ = factory.Close() }()

	conn, err := factory.GetConnection()
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	assert.True(t, conn.IsValid())
	assert.Greater(t, atomic.LoadInt32(&probes), int32(0))
}

func TestHeartbeatSuppressedByApplicationTraffic(t *testing.T) {
	var probes int32
	handler := conns.RequestHandlerFunc(func(reqCtx *conns.RequestContext, request conns.Request, callback conns.ResultCallback) {
		if _, ok := request.(*conns.SearchRequest); ok {
			atomic.AddInt32(&probes, 1)
			callback(&conns.SearchResult{}, nil)
			return
		}
		callback(&conns.Result{Code: conns.ResultSuccess}, nil)
	})

	factory := conns.NewHeartBeatConnectionFactory(
		conns.NewInternalConnectionFactory(conns.NewServerConnectionFactory(handler), nil),
		&conns.HeartbeatConfig{IntervalMillis: 20, TimeoutMillis: 100})
	defer func() { _ = factory.Close() }()

	conn, err := factory.GetConnection()
	require.NoError(t, err)

	// Constant application traffic: every tick sees the marker set and skips
	// its probe.
	deadline := time.Now().Add(110 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := conn.Add(&conns.AddRequest{DN: "cn=traffic"})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	// Allow one stray probe for scheduling jitter; sustained probing under
	// constant traffic is the bug.
	assert.LessOrEqual(t, atomic.LoadInt32(&probes), int32(1))
	assert.True(t, conn.IsValid())
}

func TestHeartbeatFactoryCloseStopsProbingWithoutClosingHeldConnections(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	factory := conns.NewHeartBeatConnectionFactory(
		memoryFactory(),
		&conns.HeartbeatConfig{IntervalMillis: 5, TimeoutMillis: 50, Probe: &conns.SearchRequest{
			Scope:     conns.ScopeBaseObject,
			Filter:    "(objectClass=*)",
			SizeLimit: 1,
		}})

	conn, err := factory.GetConnection()
	require.NoError(t, err)

	require.NoError(t, factory.Close())

	// The application-held connection keeps working, unmonitored.
	assert.True(t, conn.IsValid())
	_, err = conn.Add(&conns.AddRequest{DN: "cn=after-close"})
	assert.NoError(t, err)
	require.NoError(t, conn.Close())
}
