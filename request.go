package resilient

import (
	"fmt"
	"net/http"
)

// Priority orders queued requests. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Request is the serializable subset of an HTTP call: everything needed
// to execute it later, with no live handles, because it is the unit
// persisted to the queue store.
type Request struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"header,omitempty"`
	Body   []byte            `json:"body,omitempty"`

	// RequiresAuth makes the transport attach the managed access token
	// before sending, and fail with CategoryAuthentication when no usable
	// token exists.
	RequiresAuth bool `json:"requiresAuth"`

	// SkipQueue returns a failure directly to the caller instead of
	// enqueuing it. The queue sets it on every replay so a renewed
	// failure cannot re-enqueue through the same path.
	SkipQueue bool `json:"skipQueue,omitempty"`

	// Priority is fixed at enqueue time and immutable afterwards.
	Priority Priority `json:"priority"`
}

// Clone returns a deep copy. The transport and queue never mutate a
// caller's request in place.
func (r *Request) Clone() *Request {
	out := *r
	if r.Header != nil {
		out.Header = make(map[string]string, len(r.Header))
		for k, v := range r.Header {
			out.Header[k] = v
		}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// mutating reports whether the request changes server state.
func (r *Request) mutating() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Response is the materialized outcome of a request. The body is read in
// full so a response can outlive its connection and be delivered to a
// caller long after the exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// QueuedRequest is the persisted form of a deferred request. The
// completion channel a live caller waits on is kept in the queue's
// in-memory pending table, keyed by ID, and never serialized.
type QueuedRequest struct {
	ID         string   `json:"id"`
	Request    *Request `json:"request"`
	EnqueuedAt int64    `json:"enqueuedAt"`
	Priority   Priority `json:"priority"`
	RetryCount int      `json:"retryCount"`
}
