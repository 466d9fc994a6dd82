package transportcache

import (
	"fmt"
	"net/http"
	"strings"
)

// Diagnostic headers added to every response that passed through the
// transport. X-Cache says whether the body was served from the cache,
// X-Cache-Lookup whether a usable stored response existed at lookup time.
const (
	XCacheHeader       = "X-Cache"
	XCacheLookupHeader = "X-Cache-Lookup"

	XCacheHit  = "HIT"
	XCacheMiss = "MISS"
)

// CacheStatusHeader carries the RFC 9211 Cache-Status entry appended by
// the transport.
const CacheStatusHeader = "Cache-Status"

const cacheStatusIdent = "Transport-Cache"

type CacheStatusFwdReason string

const (
	// The cache was configured to not handle this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache contained a response that matched the request URI, but
	// it could not select a response based upon this request's header
	// fields and stored Vary header fields.
	CacheStatusFwdVaryMiss CacheStatusFwdReason = "vary-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// The cache was able to select a fresh response for the request,
	// but the request's semantics did not allow its use.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"

	// The cache was able to select a response for the request, but it
	// was stale.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"
)

// CacheStatus accumulates the outcome of a single request's trip through
// the transport and renders it as an RFC 9211 Cache-Status entry.
type CacheStatus struct {
	hit       bool
	fwdReason CacheStatusFwdReason
	fwdStatus int
	stored    bool
	hasStored bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

// ForwardStatus records the status code received from the origin when
// the request was forwarded.
func (cs *CacheStatus) ForwardStatus(code int) {
	cs.fwdStatus = code
}

func (cs *CacheStatus) Stored(stored bool) {
	cs.stored = stored
	cs.hasStored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cacheStatusIdent)
	if cs.hit {
		b.WriteString("; hit")
	} else {
		b.WriteString("; fwd")
		if cs.fwdReason != "" {
			b.WriteString("=")
			b.WriteString(string(cs.fwdReason))
		}
		if cs.fwdStatus != 0 {
			fmt.Fprintf(&b, "; fwd-status=%d", cs.fwdStatus)
		}
		if cs.hasStored {
			fmt.Fprintf(&b, "; stored=%t", cs.stored)
		}
	}
	if cs.detail != "" {
		b.WriteString("; detail=")
		b.WriteString(cs.detail)
	}
	return b.String()
}

// Apply adds the Cache-Status entry and the X-Cache diagnostic headers
// to h. served reports whether the body was served from the cache (true
// for revalidated responses even though those count as forwards), and
// lookupHit whether a usable stored response was found.
func (cs *CacheStatus) Apply(h http.Header, served, lookupHit bool) {
	h.Add(CacheStatusHeader, cs.String())
	if served {
		h.Set(XCacheHeader, XCacheHit)
	} else {
		h.Set(XCacheHeader, XCacheMiss)
	}
	if lookupHit {
		h.Set(XCacheLookupHeader, XCacheHit)
	} else {
		h.Set(XCacheLookupHeader, XCacheMiss)
	}
}
