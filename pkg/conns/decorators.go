package conns

import "fmt"

// UncloseableConnection wraps a connection so that Close becomes a no-op.
// Every other call forwards unchanged. Useful when handing a pooled or shared
// connection to code that insists on closing what it is given.
type UncloseableConnection struct {
	Connection
}

// NewUncloseableConnection returns conn with Close disabled.
func NewUncloseableConnection(conn Connection) *UncloseableConnection {
	return &UncloseableConnection{Connection: conn}
}

// Close does nothing and reports success.
func (uc *UncloseableConnection) Close(_ ...error) error {
	return nil
}

// UncloseableConnectionFactory wraps a factory so that Close becomes a no-op,
// opting the wrapped factory out of a parent factory's close cascade.
type UncloseableConnectionFactory struct {
	ConnectionFactory
}

// NewUncloseableConnectionFactory returns factory with Close disabled.
func NewUncloseableConnectionFactory(factory ConnectionFactory) *UncloseableConnectionFactory {
	return &UncloseableConnectionFactory{ConnectionFactory: factory}
}

// Close does nothing and reports success.
func (uf *UncloseableConnectionFactory) Close() error {
	return nil
}

func (uf *UncloseableConnectionFactory) String() string {
	return fmt.Sprintf("uncloseable(%v)", uf.ConnectionFactory)
}

// NamedConnectionFactory overrides only the factory's textual identity for
// diagnostics; all functional calls forward unchanged.
type NamedConnectionFactory struct {
	ConnectionFactory
	name string
}

// NewNamedConnectionFactory gives factory a fixed diagnostic name.
func NewNamedConnectionFactory(factory ConnectionFactory, name string) *NamedConnectionFactory {
	return &NamedConnectionFactory{ConnectionFactory: factory, name: name}
}

func (nf *NamedConnectionFactory) String() string {
	return nf.name
}
