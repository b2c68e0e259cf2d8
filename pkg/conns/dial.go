package conns

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// DialConnectionFactory is the leaf of the stack: every GetConnection dials
// one live LDAP connection over github.com/go-ldap/ldap/v3 and adapts it to
// the Connection contract.
type DialConnectionFactory struct {
	uri         string
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	logger      *zap.Logger
	closed      atomic.Bool
}

// NewDialConnectionFactory dials uri per config. A nil config uses transport
// defaults; a nil logger disables logging.
func NewDialConnectionFactory(uri string, config *DialConfig, logger *zap.Logger) *DialConnectionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &DialConnectionFactory{
		uri:    uri,
		logger: logger.With(zap.String("component", "dial-factory"), zap.String("uri", uri)),
	}
	if config != nil {
		f.dialTimeout = time.Duration(config.DialTimeoutMillis) * time.Millisecond
		if config.TLSConfig != nil && config.TLSConfig.EnableTLS {
			f.tlsConfig = &tls.Config{
				ServerName:         config.TLSConfig.CertServerName,
				InsecureSkipVerify: config.TLSConfig.InsecureSkipVerify,
			}
		}
	}
	return f
}

func (f *DialConnectionFactory) GetConnection() (Connection, error) {
	return f.GetConnectionAsync(nil).Wait()
}

func (f *DialConnectionFactory) GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture {
	future := NewConnectionFuture(handler)

	if f.closed.Load() {
		future.Complete(nil, ErrFactoryClosed)
		return future
	}

	go func() {
		opts := make([]ldap.DialOpt, 0, 2)
		if f.dialTimeout > 0 {
			opts = append(opts, ldap.DialWithDialer(&net.Dialer{Timeout: f.dialTimeout}))
		}
		if f.tlsConfig != nil {
			opts = append(opts, ldap.DialWithTLSConfig(f.tlsConfig))
		}

		conn, err := ldap.DialURL(f.uri, opts...)
		if err != nil {
			f.logger.Warn("dial failed", zap.Error(err))
			future.Complete(nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err))
			return
		}

		adapted := &ldapConnection{conn: conn}
		if !future.Complete(adapted, nil) {
			_ = adapted.Close()
		}
	}()

	return future
}

// Close only marks the factory closed; dialed connections are owned by their
// holders.
func (f *DialConnectionFactory) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *DialConnectionFactory) String() string {
	return fmt.Sprintf("dial(%s)", f.uri)
}

// ldapConnection adapts *ldap.Conn to the Connection contract.
type ldapConnection struct {
	conn      *ldap.Conn
	closed    atomic.Bool
	listeners listenerRegistry
}

var ldapScopes = map[Scope]int{
	ScopeBaseObject:   ldap.ScopeBaseObject,
	ScopeSingleLevel:  ldap.ScopeSingleLevel,
	ScopeWholeSubtree: ldap.ScopeWholeSubtree,
}

// mapLDAPError sorts a go-ldap error into the two error families: network
// trouble is a connectivity failure, a protocol result code is a
// *ResultError local to the call.
func mapLDAPError(err error) error {
	if err == nil {
		return nil
	}

	var lerr *ldap.Error
	if errors.As(err, &lerr) {
		if lerr.ResultCode == ldap.ErrorNetwork {
			return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
		}
		message := ""
		if lerr.Err != nil {
			message = lerr.Err.Error()
		}
		return &ResultError{Code: ResultCode(lerr.ResultCode), Message: message}
	}

	return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
}

func (lc *ldapConnection) Bind(request *BindRequest) (*Result, error) {
	if err := lc.conn.Bind(request.DN, request.Password); err != nil {
		return nil, mapLDAPError(err)
	}
	return &Result{Code: ResultSuccess}, nil
}

func (lc *ldapConnection) Search(request *SearchRequest) (*SearchResult, error) {
	ldapRequest := ldap.NewSearchRequest(
		request.BaseDN,
		ldapScopes[request.Scope],
		ldap.NeverDerefAliases,
		request.SizeLimit,
		0,
		false,
		request.Filter,
		request.Attributes,
		nil)

	ldapResult, err := lc.conn.Search(ldapRequest)
	if err != nil {
		return nil, mapLDAPError(err)
	}

	result := &SearchResult{Result: Result{Code: ResultSuccess}}
	for _, ldapEntry := range ldapResult.Entries {
		entry := &Entry{DN: ldapEntry.DN}
		for _, attribute := range ldapEntry.Attributes {
			entry.Attributes = append(entry.Attributes, Attribute{
				Name:   attribute.Name,
				Values: attribute.Values,
			})
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

func (lc *ldapConnection) Add(request *AddRequest) (*Result, error) {
	ldapRequest := ldap.NewAddRequest(request.DN, nil)
	for _, attribute := range request.Attributes {
		ldapRequest.Attribute(attribute.Name, attribute.Values)
	}

	if err := lc.conn.Add(ldapRequest); err != nil {
		return nil, mapLDAPError(err)
	}
	return &Result{Code: ResultSuccess}, nil
}

func (lc *ldapConnection) Delete(request *DeleteRequest) (*Result, error) {
	if err := lc.conn.Del(ldap.NewDelRequest(request.DN, nil)); err != nil {
		return nil, mapLDAPError(err)
	}
	return &Result{Code: ResultSuccess}, nil
}

func (lc *ldapConnection) Modify(request *ModifyRequest) (*Result, error) {
	ldapRequest := ldap.NewModifyRequest(request.DN, nil)
	for _, change := range request.Changes {
		switch change.Op {
		case ChangeAdd:
			ldapRequest.Add(change.Attribute.Name, change.Attribute.Values)
		case ChangeDelete:
			ldapRequest.Delete(change.Attribute.Name, change.Attribute.Values)
		case ChangeReplace:
			ldapRequest.Replace(change.Attribute.Name, change.Attribute.Values)
		}
	}

	if err := lc.conn.Modify(ldapRequest); err != nil {
		return nil, mapLDAPError(err)
	}
	return &Result{Code: ResultSuccess}, nil
}

func (lc *ldapConnection) IsValid() bool {
	return !lc.closed.Load() && !lc.conn.IsClosing()
}

func (lc *ldapConnection) Close(reason ...error) error {
	if lc.closed.Swap(true) {
		return nil
	}
	if len(reason) > 0 && reason[0] != nil {
		lc.listeners.fire(reason[0])
	}
	return lc.conn.Close()
}

func (lc *ldapConnection) AddInvalidationListener(fn func(reason error)) int {
	return lc.listeners.add(fn)
}

func (lc *ldapConnection) RemoveInvalidationListener(token int) {
	lc.listeners.remove(token)
}
