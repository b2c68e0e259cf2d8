package conns

import (
	"strings"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// MemoryBackend is a RequestHandler backed by an in-process map of DN to
// entry. It gives the internal connection path (and tests) a live-looking
// peer without sockets: bind against stored userPassword values, search with
// presence/equality filters, add, delete and modify.
//
// Stored userPassword values may be plaintext or the scheme produced by
// HashUserPassword; both verify in constant time.
type MemoryBackend struct {
	entries cmap.ConcurrentMap // normalized DN -> *Entry
	logger  *zap.Logger
}

// NewMemoryBackend creates an empty backend. A nil logger disables logging.
func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		entries: cmap.New(),
		logger:  logger.With(zap.String("component", "memory-backend")),
	}
}

// normalizeDN lower-cases a DN and strips spaces around its separators. This
// is deliberately not a full DN parser; the data model lives elsewhere.
func normalizeDN(dn string) string {
	parts := strings.Split(strings.ToLower(dn), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}

// Seed loads entries, replacing any existing ones with the same DN.
func (b *MemoryBackend) Seed(entries ...*Entry) {
	for _, entry := range entries {
		b.entries.Set(normalizeDN(entry.DN), entry)
	}
}

// Entries returns a snapshot of every stored entry, in no particular order.
func (b *MemoryBackend) Entries() []*Entry {
	entries := make([]*Entry, 0, b.entries.Count())
	for item := range b.entries.IterBuffered() {
		entries = append(entries, item.Val.(*Entry))
	}
	return entries
}

// ExportSnapshot serializes the backend's entries via CreateSnapshot.
func (b *MemoryBackend) ExportSnapshot(compression *CompressionConfig, encryption *EncryptionConfig) ([]byte, error) {
	return CreateSnapshot(b.Entries(), compression, encryption)
}

// ImportSnapshot seeds the backend from a snapshot produced by
// ExportSnapshot or CreateSnapshot.
func (b *MemoryBackend) ImportSnapshot(data []byte, encryption *EncryptionConfig) error {
	entries, err := ReadSnapshot(data, encryption)
	if err != nil {
		return err
	}
	b.Seed(entries...)
	return nil
}

// Handle dispatches one request and always delivers the callback before
// returning.
func (b *MemoryBackend) Handle(reqCtx *RequestContext, request Request, callback ResultCallback) {
	switch req := request.(type) {
	case *BindRequest:
		callback(b.handleBind(req))
	case *SearchRequest:
		callback(b.handleSearch(reqCtx, req))
	case *AddRequest:
		callback(b.handleAdd(req))
	case *DeleteRequest:
		callback(b.handleDelete(req))
	case *ModifyRequest:
		callback(b.handleModify(req))
	default:
		callback(nil, &ResultError{Code: ResultUnwillingToPerform, Message: "unsupported request"})
	}
}

func (b *MemoryBackend) handleBind(req *BindRequest) (interface{}, error) {
	if req.DN == "" && req.Password == "" {
		// Anonymous bind.
		return &Result{Code: ResultSuccess}, nil
	}

	value, ok := b.entries.Get(normalizeDN(req.DN))
	if !ok {
		return nil, &ResultError{Code: ResultInvalidCredentials}
	}

	entry := value.(*Entry)
	for _, stored := range entry.GetAttributeValues("userPassword") {
		if VerifyUserPassword(stored, req.Password) {
			return &Result{Code: ResultSuccess}, nil
		}
	}
	return nil, &ResultError{Code: ResultInvalidCredentials}
}

func (b *MemoryBackend) handleSearch(reqCtx *RequestContext, req *SearchRequest) (interface{}, error) {
	base := normalizeDN(req.BaseDN)

	matched := make([]*Entry, 0)
	for item := range b.entries.IterBuffered() {
		if reqCtx.Cancelled() {
			return nil, &ResultError{Code: ResultCanceled}
		}

		entry := item.Val.(*Entry)
		if !matchScope(item.Key, base, req.Scope) {
			continue
		}
		ok, err := matchFilter(entry, req.Filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		matched = append(matched, selectAttributes(entry, req.Attributes))
		// Entries beyond the size limit are dropped, not errored.
		if req.SizeLimit > 0 && len(matched) == req.SizeLimit {
			break
		}
	}

	return &SearchResult{Result: Result{Code: ResultSuccess}, Entries: matched}, nil
}

func (b *MemoryBackend) handleAdd(req *AddRequest) (interface{}, error) {
	key := normalizeDN(req.DN)
	entry := &Entry{DN: req.DN, Attributes: req.Attributes}
	if !b.entries.SetIfAbsent(key, entry) {
		return nil, &ResultError{Code: ResultEntryAlreadyExists, Message: req.DN}
	}
	return &Result{Code: ResultSuccess}, nil
}

func (b *MemoryBackend) handleDelete(req *DeleteRequest) (interface{}, error) {
	key := normalizeDN(req.DN)
	if _, ok := b.entries.Get(key); !ok {
		return nil, &ResultError{Code: ResultNoSuchObject, Message: req.DN}
	}
	b.entries.Remove(key)
	return &Result{Code: ResultSuccess}, nil
}

func (b *MemoryBackend) handleModify(req *ModifyRequest) (interface{}, error) {
	key := normalizeDN(req.DN)
	value, ok := b.entries.Get(key)
	if !ok {
		return nil, &ResultError{Code: ResultNoSuchObject, Message: req.DN}
	}

	// Build a fresh entry so concurrent readers never observe a half-applied
	// modification.
	old := value.(*Entry)
	updated := &Entry{DN: old.DN, Attributes: append([]Attribute(nil), old.Attributes...)}

	for _, change := range req.Changes {
		switch change.Op {
		case ChangeAdd:
			applied := false
			for i := range updated.Attributes {
				if strings.EqualFold(updated.Attributes[i].Name, change.Attribute.Name) {
					updated.Attributes[i].Values = append(
						append([]string(nil), updated.Attributes[i].Values...),
						change.Attribute.Values...)
					applied = true
					break
				}
			}
			if !applied {
				updated.Attributes = append(updated.Attributes, change.Attribute)
			}

		case ChangeReplace:
			replaced := false
			for i := range updated.Attributes {
				if strings.EqualFold(updated.Attributes[i].Name, change.Attribute.Name) {
					updated.Attributes[i].Values = change.Attribute.Values
					replaced = true
					break
				}
			}
			if !replaced {
				updated.Attributes = append(updated.Attributes, change.Attribute)
			}

		case ChangeDelete:
			kept := updated.Attributes[:0:0]
			for _, attribute := range updated.Attributes {
				if !strings.EqualFold(attribute.Name, change.Attribute.Name) {
					kept = append(kept, attribute)
				}
			}
			updated.Attributes = kept
		}
	}

	b.entries.Set(key, updated)
	return &Result{Code: ResultSuccess}, nil
}

// matchScope applies base/one/sub scope semantics over normalized DNs.
func matchScope(dn, base string, scope Scope) bool {
	switch scope {
	case ScopeBaseObject:
		return dn == base
	case ScopeSingleLevel:
		if base == "" {
			return !strings.Contains(dn, ",")
		}
		if !strings.HasSuffix(dn, ","+base) {
			return false
		}
		rdn := strings.TrimSuffix(dn, ","+base)
		return !strings.Contains(rdn, ",")
	case ScopeWholeSubtree:
		if base == "" {
			return true
		}
		return dn == base || strings.HasSuffix(dn, ","+base)
	default:
		return false
	}
}

// matchFilter evaluates presence "(attr=*)" and equality "(attr=value)"
// filters. An empty filter matches everything; anything else is rejected.
func matchFilter(entry *Entry, filter string) (bool, error) {
	if filter == "" {
		return true, nil
	}

	inner := strings.TrimSuffix(strings.TrimPrefix(filter, "("), ")")
	name, value, found := strings.Cut(inner, "=")
	if !found || name == "" || strings.ContainsAny(inner, "()&|!") {
		return false, &ResultError{Code: ResultProtocolError, Message: "unsupported filter: " + filter}
	}

	values := entry.GetAttributeValues(name)
	if value == "*" {
		return len(values) > 0, nil
	}
	for _, candidate := range values {
		if strings.EqualFold(candidate, value) {
			return true, nil
		}
	}
	return false, nil
}

// selectAttributes projects an entry onto the requested attribute list.
// An empty list returns all attributes; "1.1" requests none.
func selectAttributes(entry *Entry, attributes []string) *Entry {
	if len(attributes) == 0 {
		return entry
	}

	projected := &Entry{DN: entry.DN}
	for _, name := range attributes {
		if name == "1.1" {
			continue
		}
		if values := entry.GetAttributeValues(name); values != nil {
			projected.Attributes = append(projected.Attributes, Attribute{Name: name, Values: values})
		}
	}
	return projected
}
