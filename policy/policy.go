// Package policy defines the freshness evaluator consumed by the caching
// transport, plus a default evaluator implementing a practical subset of the
// RFC 9111 cache-control semantics.
//
// The transport treats the evaluator as an external collaborator: it hands
// over the incoming request and the opaque state blob stored alongside a
// cached response, and acts on the returned verdict. The state blob belongs
// to the evaluator alone; the transport and the envelope codec round-trip it
// unchanged.
package policy

import (
	"errors"
	"net/http"
)

// ErrMalformedInput indicates the evaluator was given input it cannot
// interpret, e.g. a state blob written by a different evaluator.
var ErrMalformedInput = errors.New("policy: malformed input")

// Freshness is the evaluator's verdict on a stored response.
type Freshness int

const (
	// Fresh means the stored response may be served without contacting
	// the origin.
	Fresh Freshness = iota
	// Stale means the stored response may only be served after successful
	// revalidation; the verdict carries the conditional headers to add to
	// the outgoing request.
	Stale
	// Uncacheable means the stored response must not be used at all.
	Uncacheable
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "uncacheable"
	}
}

// Verdict is the result of evaluating a request against a stored response.
type Verdict struct {
	Freshness Freshness
	// ConditionalHeader holds validator headers (If-None-Match,
	// If-Modified-Since) to merge into the outgoing request when the
	// verdict is Stale. Nil otherwise.
	ConditionalHeader http.Header
	// AllowStaleOnError reports whether the stored response may still be
	// served when revalidation fails. False when the stored response
	// demands revalidation (must-revalidate and friends).
	AllowStaleOnError bool
}

// Evaluator decides whether stored responses are usable and which responses
// may be stored. Implementations must be pure functions of their inputs plus
// the state blobs they previously emitted; they own no other state.
type Evaluator interface {
	// Evaluate judges a stored response, identified by the state blob the
	// evaluator emitted when the response was stored, against an incoming
	// request. It returns ErrMalformedInput (possibly wrapped) for blobs
	// it does not recognize.
	Evaluate(req *http.Request, state []byte) (Verdict, error)

	// Storable decides if a response may be cached for the given request.
	// When it may, Storable returns the opaque state blob to persist
	// alongside it. The transport stores nothing when ok is false.
	Storable(req *http.Request, res *http.Response) (state []byte, ok bool, err error)
}
