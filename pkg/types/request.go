// Package types defines the tagged request/response envelope the
// command dispatcher and HTTP router exchange. Go has no dynamically
// typed dict like the original system's Request/Response; a tagged
// Payload variant and an explicit Args map take its place.
package types

import (
	"io"
	"time"

	"github.com/meshvault/meshvault/internal/schema"
)

// PayloadKind is the closed variant of request/response body shapes.
type PayloadKind int

const (
	// EmptyPayload carries no body.
	EmptyPayload PayloadKind = iota
	// JSONPayload carries a decoded JSON object, used for property
	// create/update bodies.
	JSONPayload
	// StreamPayload carries a raw byte stream, used for BLOB uploads
	// and downloads.
	StreamPayload
)

// Payload is the tagged body of a Request or Response.
type Payload struct {
	Kind     PayloadKind
	JSON     map[string]interface{}
	// Raw holds the decoded JSON body verbatim, for callers (property-scope
	// PUT commands) whose body is a bare scalar or array rather than an
	// object -- JSON carries no other value, so JSON is only populated
	// when Raw itself is a map[string]interface{}.
	Raw      interface{}
	Stream   io.Reader
	Length   int64
	MimeType string
}

// Request is one dispatcher call: a scope-resolving key (Method, Cmd,
// Document, GUID, Prop), free-form arguments, and an optional body.
type Request struct {
	Method         string
	Cmd            string
	Document       string
	GUID           string
	Prop           string
	Args           map[string]interface{}
	AccessLevel    schema.AccessBit
	AcceptLanguage []string
	Payload        Payload
}

// NewRequest builds an empty Request ready for Args to be populated.
func NewRequest(method string) *Request {
	return &Request{Method: method, Args: map[string]interface{}{}}
}

// Get returns arg, or nil if absent.
func (r *Request) Get(arg string) (interface{}, bool) {
	v, ok := r.Args[arg]
	return v, ok
}

// Clone returns a new Request carrying only the caller-visible session
// fields (access level, language), the way the original's Request.clone
// starts a fresh dict for a nested `call()`.
func (r *Request) Clone() *Request {
	return &Request{
		AccessLevel:    r.AccessLevel,
		AcceptLanguage: append([]string(nil), r.AcceptLanguage...),
		Args:           map[string]interface{}{},
	}
}

// Response carries the dispatcher's reply metadata; the actual result
// value is returned separately by the command callback.
type Response struct {
	ContentType   string
	ContentLength int64
	LastModified  time.Time
	Headers       map[string]string
}

// NewResponse builds an empty Response.
func NewResponse() *Response {
	return &Response{Headers: map[string]string{}}
}
