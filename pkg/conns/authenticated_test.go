package conns_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvane/ldapconns/pkg/conns"
)

func seededDirectoryFactory(t *testing.T) (*countingFactory, *conns.MemoryBackend) {
	t.Helper()

	backend := conns.NewMemoryBackend(nil)
	hashed, err := conns.HashUserPassword("s3cret")
	require.NoError(t, err)
	backend.Seed(&conns.Entry{
		DN: "cn=admin,dc=example,dc=org",
		Attributes: []conns.Attribute{
			{Name: "objectClass", Values: []string{"person"}},
			{Name: "userPassword", Values: []string{hashed}},
		},
	})

	factory := newCountingFactory(
		conns.NewInternalConnectionFactory(conns.NewServerConnectionFactory(backend), nil))
	return factory, backend
}

func TestAuthenticatedFactoryBindsBeforeHandOff(t *testing.T) {
	delegate, _ := seededDirectoryFactory(t)
	factory := conns.NewAuthenticatedConnectionFactory(delegate, &conns.BindRequest{
		DN:       "cn=admin,dc=example,dc=org",
		Password: "s3cret",
	}, nil)
	defer func() { _ = factory.Close() }()

	conn, err := factory.GetConnection()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// The connection arrives already authenticated and usable.
	result, err := conn.Search(&conns.SearchRequest{
		Scope:  conns.ScopeWholeSubtree,
		Filter: "(objectClass=person)",
	})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 1)
}

func TestAuthenticatedFactoryClosesConnectionOnBindFailure(t *testing.T) {
	delegate, _ := seededDirectoryFactory(t)
	factory := conns.NewAuthenticatedConnectionFactory(delegate, &conns.BindRequest{
		DN:       "cn=admin,dc=example,dc=org",
		Password: "wrong",
	}, nil)
	defer func() { _ = factory.Close() }()

	conn, err := factory.GetConnection()
	assert.Nil(t, conn)
	require.ErrorIs(t, err, conns.ErrAuthenticationFailure)

	// The caller never saw the connection, and it did not leak open.
	produced := delegate.producedConnections()
	require.Len(t, produced, 1)
	assert.False(t, produced[0].IsValid())
	assert.Contains(t, err.Error(), conns.ResultInvalidCredentials.String())
}

func TestAuthenticatedConnectionRejectsRebind(t *testing.T) {
	delegate, _ := seededDirectoryFactory(t)
	factory := conns.NewAuthenticatedConnectionFactory(delegate, &conns.BindRequest{
		DN:       "cn=admin,dc=example,dc=org",
		Password: "s3cret",
	}, nil)
	defer func() { _ = factory.Close() }()

	conn, err := factory.GetConnection()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Bind(&conns.BindRequest{DN: "cn=other", Password: "x"})
	assert.ErrorIs(t, err, conns.ErrBindNotSupported)
}

func TestAuthenticatedFactoryPropagatesDelegateFailure(t *testing.T) {
	factory := conns.NewAuthenticatedConnectionFactory(
		&failingFactory{err: conns.ErrConnectionFailure},
		&conns.BindRequest{DN: "cn=admin", Password: "s3cret"}, nil)

	_, err := factory.GetConnection()
	assert.ErrorIs(t, err, conns.ErrConnectionFailure)
	assert.NotErrorIs(t, err, conns.ErrAuthenticationFailure)
}
