package conns_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvane/ldapconns/pkg/conns"
)

func TestFutureFirstCompletionWins(t *testing.T) {
	var handled error
	future := conns.NewConnectionFuture(func(conn conns.Connection, err error) {
		handled = err
	})

	assert.True(t, future.Complete(nil, conns.ErrConnectionFailure))
	assert.False(t, future.Complete(nil, conns.ErrFactoryClosed))

	_, err := future.Wait()
	assert.ErrorIs(t, err, conns.ErrConnectionFailure)
	assert.ErrorIs(t, handled, conns.ErrConnectionFailure)

	select {
	case <-future.Done():
	default:
		t.Fatal("Done must be closed after completion")
	}
}

func TestFutureCancelCompletesWithCancellation(t *testing.T) {
	future := conns.NewConnectionFuture(nil)
	future.Cancel()
	future.Cancel()

	_, err := future.Wait()
	assert.ErrorIs(t, err, conns.ErrAcquireCancelled)
	assert.True(t, conns.IsConnectivityError(err))
}

func TestFutureWaitTimeoutCancelsOnExpiry(t *testing.T) {
	future := conns.NewConnectionFuture(nil)

	start := time.Now()
	_, err := future.WaitTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, conns.ErrAcquireCancelled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The expiry cancelled the future for every other waiter too.
	_, err = future.Wait()
	assert.ErrorIs(t, err, conns.ErrAcquireCancelled)
}

func TestFutureWaitTimeoutReturnsRacedOutcome(t *testing.T) {
	factory := memoryFactory()
	defer func() { _ = factory.Close() }()

	future := conns.NewConnectionFuture(nil)
	go func() {
		conn, err := factory.GetConnection()
		future.Complete(conn, err)
	}()

	conn, err := future.WaitTimeout(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NoError(t, conn.Close())
}

func TestFutureWaitContext(t *testing.T) {
	future := conns.NewConnectionFuture(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := future.WaitContext(ctx)
	assert.ErrorIs(t, err, conns.ErrAcquireCancelled)
}
