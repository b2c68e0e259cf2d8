package conns

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailure is the root of the connectivity error family. Every
	// error that means "this transport/session is unusable" wraps it, so callers
	// can classify with a single errors.Is check.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrConnectionClosed is returned when an operation is attempted on a
	// connection that has already been closed.
	// you can check for this error with errors.Is
	ErrConnectionClosed = fmt.Errorf("%w: connection is already closed", ErrConnectionFailure)

	// ErrConnectionPoolClosed is returned when a pool shutdown has been triggered
	// and an acquisition or release is attempted afterwards.
	ErrConnectionPoolClosed = fmt.Errorf("%w: connection pool closed", ErrConnectionFailure)

	// ErrAcquireTimeout is returned when a pool acquisition waited longer than
	// the configured AcquireTimeoutMillis.
	ErrAcquireTimeout = fmt.Errorf("%w: connection acquisition timed out", ErrConnectionFailure)

	// ErrAcquireCancelled is returned from a ConnectionFuture that was cancelled
	// before a connection could be delivered.
	ErrAcquireCancelled = fmt.Errorf("%w: connection acquisition cancelled", ErrConnectionFailure)

	// ErrHeartbeatTimeout is returned when a liveness probe received no response
	// within the configured heartbeat timeout.
	ErrHeartbeatTimeout = fmt.Errorf("%w: heartbeat probe timed out", ErrConnectionFailure)

	// ErrFactoryClosed is returned when a factory is used after Close.
	ErrFactoryClosed = fmt.Errorf("%w: connection factory closed", ErrConnectionFailure)

	// ErrAuthenticationFailure is returned by AuthenticatedConnectionFactory when
	// the post-connect bind fails. The underlying connection is closed first.
	ErrAuthenticationFailure = errors.New("authentication failed")

	// ErrBindNotSupported is returned when a bind is attempted on a connection
	// that was already authenticated by its factory.
	ErrBindNotSupported = errors.New("bind is not supported on a pre-authenticated connection")
)

// IsConnectivityError reports whether err belongs to the connectivity error
// family (heartbeat timeout, remote close, acquisition timeout and friends),
// as opposed to an operation failure local to a single call.
func IsConnectivityError(err error) bool {
	return errors.Is(err, ErrConnectionFailure)
}

// ResultError is a non-success protocol outcome carrying the directory result
// code. Operation failures of this kind do not invalidate the connection.
type ResultError struct {
	Code    ResultCode
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("directory operation failed: %s", e.Code)
	}
	return fmt.Sprintf("directory operation failed: %s: %s", e.Code, e.Message)
}

// ResultCodeFromError extracts the directory result code from err, returning
// ok=false when err is not a *ResultError.
func ResultCodeFromError(err error) (ResultCode, bool) {
	var re *ResultError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return ResultOther, false
}
