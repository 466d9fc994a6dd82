package policy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the heuristic freshness lifetime used for responses that
// carry validators but no explicit expiration information.
const DefaultTTL = 5 * time.Minute

const stateVersion = 1

// RFC9111 is the default evaluator. It implements a practical subset of the
// RFC 9111 response directives: max-age, no-cache, no-store, private and
// must-revalidate, plus Expires/Date expiration and ETag/Last-Modified
// validators for conditional revalidation.
type RFC9111 struct {
	// TTL overrides DefaultTTL for the heuristic lifetime.
	TTL time.Duration
	// Heuristic allows storing responses that have neither explicit
	// expiration nor validators, fresh for the heuristic lifetime.
	Heuristic bool

	now func() time.Time
}

// NewRFC9111 returns the default evaluator with the default heuristic TTL.
func NewRFC9111() *RFC9111 {
	return &RFC9111{TTL: DefaultTTL}
}

// state is the opaque blob persisted alongside a stored response.
// The transport never looks inside; only this evaluator does.
type state struct {
	Version        int       `json:"v"`
	ReceivedAt     time.Time `json:"receivedAt"`
	MaxAge         int64     `json:"maxAge"` // seconds, -1 when absent
	Expires        time.Time `json:"expires,omitempty"`
	Date           time.Time `json:"date,omitempty"`
	NoCache        bool      `json:"noCache,omitempty"`
	MustRevalidate bool      `json:"mustRevalidate,omitempty"`
	ETag           string    `json:"etag,omitempty"`
	LastModified   string    `json:"lastModified,omitempty"`
}

func (p *RFC9111) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *RFC9111) ttl() time.Duration {
	if p.TTL != 0 {
		return p.TTL
	}
	return DefaultTTL
}

// Evaluate implements Evaluator.
func (p *RFC9111) Evaluate(req *http.Request, blob []byte) (Verdict, error) {
	var s state
	if err := json.Unmarshal(blob, &s); err != nil {
		return Verdict{Freshness: Uncacheable}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if s.Version != stateVersion {
		return Verdict{Freshness: Uncacheable}, fmt.Errorf("%w: state version %d", ErrMalformedInput, s.Version)
	}

	reqDirectives := parseDirectives(req.Header.Values("Cache-Control"))
	if _, noStore := reqDirectives["no-store"]; noStore {
		return Verdict{Freshness: Uncacheable}, nil
	}

	validators := s.conditionalHeader()
	mustRevalidate := s.NoCache || hasDirective(reqDirectives, "no-cache")
	if !mustRevalidate && p.currentAge(s) < p.lifetime(s) {
		return Verdict{Freshness: Fresh}, nil
	}
	if validators == nil {
		// Nothing to revalidate with; the entry can only be replaced.
		return Verdict{Freshness: Uncacheable}, nil
	}
	return Verdict{
		Freshness:         Stale,
		ConditionalHeader: validators,
		AllowStaleOnError: !s.MustRevalidate,
	}, nil
}

// Storable implements Evaluator.
func (p *RFC9111) Storable(req *http.Request, res *http.Response) ([]byte, bool, error) {
	if res == nil || res.Header == nil {
		return nil, false, fmt.Errorf("%w: response without headers", ErrMalformedInput)
	}
	directives := parseDirectives(res.Header.Values("Cache-Control"))
	if hasDirective(directives, "no-store") || hasDirective(directives, "private") {
		return nil, false, nil
	}
	if hasDirective(parseDirectives(req.Header.Values("Cache-Control")), "no-store") {
		return nil, false, nil
	}
	// Responses to authorized requests need explicit opt-in.
	if req.Header.Get("Authorization") != "" &&
		!hasDirective(directives, "public") && !hasDirective(directives, "max-age") && !hasDirective(directives, "s-maxage") {
		return nil, false, nil
	}

	s := state{
		Version:        stateVersion,
		ReceivedAt:     p.clock(),
		MaxAge:         -1,
		NoCache:        hasDirective(directives, "no-cache"),
		MustRevalidate: hasDirective(directives, "must-revalidate"),
		ETag:           res.Header.Get("ETag"),
		LastModified:   res.Header.Get("Last-Modified"),
	}
	// An Age header means the response spent time in an upstream cache;
	// backdate accordingly.
	if age, err := strconv.ParseInt(res.Header.Get("Age"), 10, 64); err == nil && age > 0 {
		s.ReceivedAt = s.ReceivedAt.Add(-time.Duration(age) * time.Second)
	}
	if v, ok := directives["s-maxage"]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.MaxAge = secs
		}
	} else if v, ok := directives["max-age"]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.MaxAge = secs
		}
	}
	if t, err := http.ParseTime(res.Header.Get("Expires")); err == nil {
		s.Expires = t
	}
	if t, err := http.ParseTime(res.Header.Get("Date")); err == nil {
		s.Date = t
	}

	explicit := s.MaxAge >= 0 || !s.Expires.IsZero()
	hasValidator := s.ETag != "" || s.LastModified != ""
	if !explicit && !hasValidator && !p.Heuristic {
		return nil, false, nil
	}

	blob, err := json.Marshal(s)
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s state) conditionalHeader() http.Header {
	h := http.Header{}
	if s.ETag != "" {
		h.Set("If-None-Match", s.ETag)
	} else if s.LastModified != "" {
		h.Set("If-Modified-Since", s.LastModified)
	} else {
		return nil
	}
	return h
}

func (p *RFC9111) currentAge(s state) time.Duration {
	return p.clock().Sub(s.ReceivedAt)
}

func (p *RFC9111) lifetime(s state) time.Duration {
	if s.MaxAge >= 0 {
		return time.Duration(s.MaxAge) * time.Second
	}
	if !s.Expires.IsZero() {
		date := s.Date
		if date.IsZero() {
			date = s.ReceivedAt
		}
		return s.Expires.Sub(date)
	}
	if s.ETag != "" || s.LastModified != "" || p.Heuristic {
		return p.ttl()
	}
	return 0
}

// parseDirectives parses Cache-Control header values into a directive map.
// Directive names compare case-insensitively; quoted-string arguments are
// reduced to token form. The last occurrence of a directive wins.
func parseDirectives(headers []string) map[string]string {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			name, arg, _ := strings.Cut(strings.TrimSpace(directive), "=")
			if name == "" {
				continue
			}
			m[strings.ToLower(name)] = strings.Trim(arg, `"`)
		}
	}
	return m
}

func hasDirective(m map[string]string, name string) bool {
	_, ok := m[name]
	return ok
}
