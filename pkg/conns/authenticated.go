package conns

import (
	"fmt"

	"go.uber.org/zap"
)

// AuthenticatedConnectionFactory performs exactly one bind on every
// connection produced by its delegate, before hand-off. A caller never
// observes a connected-but-unauthenticated connection: when the bind fails
// the underlying connection is closed and the failure surfaces as the
// factory's failure.
type AuthenticatedConnectionFactory struct {
	delegate ConnectionFactory
	bind     *BindRequest
	logger   *zap.Logger
}

// NewAuthenticatedConnectionFactory wraps delegate with a pre-hand-off bind.
func NewAuthenticatedConnectionFactory(delegate ConnectionFactory, bind *BindRequest, logger *zap.Logger) *AuthenticatedConnectionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthenticatedConnectionFactory{
		delegate: delegate,
		bind:     bind,
		logger:   logger.With(zap.String("component", "authenticated-factory")),
	}
}

func (f *AuthenticatedConnectionFactory) GetConnection() (Connection, error) {
	return f.GetConnectionAsync(nil).Wait()
}

// GetConnectionAsync acquires from the delegate and performs the bind on the
// delegate's completing goroutine before completing the returned future.
func (f *AuthenticatedConnectionFactory) GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture {
	future := NewConnectionFuture(handler)

	f.delegate.GetConnectionAsync(func(conn Connection, err error) {
		if err != nil {
			future.Complete(nil, err)
			return
		}

		if _, bindErr := conn.Bind(f.bind); bindErr != nil {
			_ = conn.Close()
			f.logger.Warn("bind failed, connection closed",
				zap.String("bindDN", f.bind.DN),
				zap.Error(bindErr))
			future.Complete(nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, bindErr))
			return
		}

		authedConn := &authenticatedConnection{Connection: conn}
		if !future.Complete(authedConn, nil) {
			// Acquisition was cancelled while the bind ran.
			_ = authedConn.Connection.Close()
		}
	})

	return future
}

func (f *AuthenticatedConnectionFactory) Close() error {
	return f.delegate.Close()
}

func (f *AuthenticatedConnectionFactory) String() string {
	return fmt.Sprintf("authenticated(%v)", f.delegate)
}

// authenticatedConnection rejects any further bind; everything else passes
// through unchanged.
type authenticatedConnection struct {
	Connection
}

func (ac *authenticatedConnection) Bind(_ *BindRequest) (*Result, error) {
	return nil, ErrBindNotSupported
}
