package conns

import (
	"strconv"
	"strings"
)

// ResultCode is a standard directory protocol result code.
type ResultCode int

const (
	ResultSuccess                ResultCode = 0
	ResultOperationsError        ResultCode = 1
	ResultProtocolError          ResultCode = 2
	ResultTimeLimitExceeded      ResultCode = 3
	ResultSizeLimitExceeded      ResultCode = 4
	ResultAuthMethodNotSupported ResultCode = 7
	ResultNoSuchObject           ResultCode = 32
	ResultInvalidCredentials     ResultCode = 49
	ResultBusy                   ResultCode = 51
	ResultUnavailable            ResultCode = 52
	ResultUnwillingToPerform     ResultCode = 53
	ResultEntryAlreadyExists     ResultCode = 68
	ResultOther                  ResultCode = 80
	ResultCanceled               ResultCode = 118
)

var resultCodeNames = map[ResultCode]string{
	ResultSuccess:                "success",
	ResultOperationsError:        "operations error",
	ResultProtocolError:          "protocol error",
	ResultTimeLimitExceeded:      "time limit exceeded",
	ResultSizeLimitExceeded:      "size limit exceeded",
	ResultAuthMethodNotSupported: "auth method not supported",
	ResultNoSuchObject:           "no such object",
	ResultInvalidCredentials:     "invalid credentials",
	ResultBusy:                   "busy",
	ResultUnavailable:            "unavailable",
	ResultUnwillingToPerform:     "unwilling to perform",
	ResultEntryAlreadyExists:     "entry already exists",
	ResultOther:                  "other",
	ResultCanceled:               "canceled",
}

func (rc ResultCode) String() string {
	if name, ok := resultCodeNames[rc]; ok {
		return name
	}
	return "result code " + strconv.Itoa(int(rc))
}

// Scope selects how far below the base DN a search descends.
type Scope int

const (
	ScopeBaseObject   Scope = 0
	ScopeSingleLevel  Scope = 1
	ScopeWholeSubtree Scope = 2
)

// ChangeOp is the kind of attribute change carried by a ModifyRequest.
type ChangeOp int

const (
	ChangeAdd     ChangeOp = 0
	ChangeDelete  ChangeOp = 1
	ChangeReplace ChangeOp = 2
)

// Request is the sealed set of protocol requests a Connection can carry. The
// payload semantics belong to the peer; this layer only routes them.
type Request interface {
	requestName() string
}

// BindRequest carries simple credentials for an authentication exchange.
type BindRequest struct {
	DN       string `json:"DN" yaml:"DN"`
	Password string `json:"Password" yaml:"Password"`
}

func (r *BindRequest) requestName() string { return "bind" }

// SearchRequest describes a directory search.
type SearchRequest struct {
	BaseDN     string   `json:"BaseDN" yaml:"BaseDN"`
	Scope      Scope    `json:"Scope" yaml:"Scope"`
	Filter     string   `json:"Filter" yaml:"Filter"`
	Attributes []string `json:"Attributes" yaml:"Attributes"`
	SizeLimit  int      `json:"SizeLimit" yaml:"SizeLimit"` // 0 means unlimited
}

func (r *SearchRequest) requestName() string { return "search" }

// AddRequest creates a new entry.
type AddRequest struct {
	DN         string
	Attributes []Attribute
}

func (r *AddRequest) requestName() string { return "add" }

// DeleteRequest removes an entry.
type DeleteRequest struct {
	DN string
}

func (r *DeleteRequest) requestName() string { return "delete" }

// ModifyRequest applies attribute changes to an entry.
type ModifyRequest struct {
	DN      string
	Changes []Change
}

func (r *ModifyRequest) requestName() string { return "modify" }

// Change is one attribute modification within a ModifyRequest.
type Change struct {
	Op        ChangeOp
	Attribute Attribute
}

// Attribute is a named set of values.
type Attribute struct {
	Name   string   `json:"Name" yaml:"Name"`
	Values []string `json:"Values" yaml:"Values"`
}

// Entry is a directory entry addressed by its DN.
type Entry struct {
	DN         string      `json:"DN" yaml:"DN"`
	Attributes []Attribute `json:"Attributes" yaml:"Attributes"`
}

// GetAttributeValues returns the values of the named attribute, or nil.
func (e *Entry) GetAttributeValues(name string) []string {
	for i := range e.Attributes {
		if strings.EqualFold(e.Attributes[i].Name, name) {
			return e.Attributes[i].Values
		}
	}
	return nil
}

// GetAttributeValue returns the first value of the named attribute, or "".
func (e *Entry) GetAttributeValue(name string) string {
	values := e.GetAttributeValues(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Result is the outcome of a non-search operation.
type Result struct {
	Code      ResultCode
	MatchedDN string
	Message   string
}

// SearchResult is the outcome of a search, carrying the matched entries.
type SearchResult struct {
	Result
	Entries []*Entry
}

// NewProbeSearchRequest builds the minimal search used as the default
// heartbeat probe: base-object scope against the root DSE, requesting no
// attributes ("1.1") and at most one entry.
func NewProbeSearchRequest() *SearchRequest {
	return &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"1.1"},
		SizeLimit:  1,
	}
}

