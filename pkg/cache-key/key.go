// Package cachekey derives deterministic storage keys for HTTP exchanges.
//
// Keys are constructed - never hashed - from the semantic components of the
// request: method, absolute URI, and (when the stored response declares
// header-based variance) the values of the varying headers. Two requests
// that are equal caching-wise always derive the same key, and requests
// differing in a declared variance header always derive different keys.
package cachekey

import (
	"net/http"
	"sort"
	"strings"
)

const (
	methodSeparator = ":"
	varySeparator   = "\t"
)

// HeaderLookup resolves a request header value by name.
// It is a capability rather than a concrete header set so that variance
// headers are only resolved when a stored response actually declares them.
type HeaderLookup func(name string) string

// RequestLookup adapts a request's headers to a HeaderLookup.
func RequestLookup(r *http.Request) HeaderLookup {
	return func(name string) string {
		return r.Header.Get(name)
	}
}

// Keyer derives cache keys, optionally namespaced with a prefix.
// The prefix keeps several logical caches apart in a shared backend.
type Keyer struct {
	Prefix string
}

// NewKeyer returns a Keyer for the given namespace.
// An empty namespace is fine for single-tenant caches.
func NewKeyer(namespace string) Keyer {
	if namespace != "" && !strings.HasSuffix(namespace, methodSeparator) {
		namespace += methodSeparator
	}
	return Keyer{Prefix: namespace}
}

// Base returns the variance-free key for a method and absolute URI.
// This is the key used for lookups and for invalidating the stored
// retrieval entry after unsafe requests.
func (k Keyer) Base(method, uri string) string {
	return k.Prefix + method + methodSeparator + uri
}

// Derive returns the full cache key for a request, including the resolved
// values of any declared variance headers. It is pure and total: the same
// method, URI and variance values always produce the same key. With no
// variance names the result equals Base.
func (k Keyer) Derive(method, uri string, lookup HeaderLookup, vary []string) string {
	key := k.Base(method, uri)
	names := normalizeVary(vary)
	if len(names) == 0 {
		return key
	}
	var sb strings.Builder
	sb.WriteString(key)
	sb.WriteString(varySeparator)
	for _, name := range names {
		sb.WriteString("\n")
		sb.WriteString(name)
		sb.WriteString(": ")
		if lookup != nil {
			sb.WriteString(lookup(name))
		}
	}
	return sb.String()
}

// ForRequest derives the key for an incoming request with the given
// variance declaration, resolving header values from the request itself.
func (k Keyer) ForRequest(r *http.Request, vary []string) string {
	return k.Derive(r.Method, r.URL.String(), RequestLookup(r), vary)
}

// VaryNames extracts the list of variance header names declared by a
// response's Vary header, normalized for key derivation. A wildcard entry
// ("*") is kept as-is; callers should treat it as uncacheable.
func VaryNames(header http.Header) []string {
	var names []string
	for _, value := range header.Values("Vary") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return normalizeVary(names)
}

// VaryWildcard reports whether the declaration contains the "*" entry.
func VaryWildcard(names []string) bool {
	for _, name := range names {
		if name == "*" {
			return true
		}
	}
	return false
}

// normalizeVary lowercases, dedupes and sorts variance names so that the
// derived key does not depend on the order the origin listed them in.
func normalizeVary(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
