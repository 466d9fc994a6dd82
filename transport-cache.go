// Package transportcache implements a caching http.RoundTripper.
//
// The transport wraps another round tripper and interposes a cache between
// the caller and the network: responses to retrieval requests are stored as
// encoded envelopes in a pluggable storage backend, and later requests are
// answered from storage, revalidated conditionally, or forwarded, as decided
// by a pluggable policy evaluator. The transport itself holds no freshness
// rules; it only orchestrates lookup, revalidation, storage and
// invalidation.
package transportcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/transport-cache/cache"
	cachekey "github.com/always-cache/transport-cache/pkg/cache-key"
	"github.com/always-cache/transport-cache/pkg/envelope"
	"github.com/always-cache/transport-cache/pkg/metrics"
	"github.com/always-cache/transport-cache/policy"

	"github.com/rs/zerolog"
)

// DefaultMaxBufferSize is the largest body the transport will buffer in
// memory when storing a response. Bigger bodies are spooled through the
// storage backend's streaming interface when it has one, and passed through
// unstored otherwise.
const DefaultMaxBufferSize = 16 << 20

type Config struct {
	// Transport performs the actual network round trips.
	// http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Cache is the storage backend for response envelopes.
	// A bounded in-memory cache is used if nil.
	Cache cache.CacheProvider
	// Policy decides freshness and storability.
	// The RFC 9111 evaluator is used if nil.
	Policy policy.Evaluator
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Mode is the cache mode applied to every request.
	Mode Mode
	// ModeFn overrides Mode per request when set.
	ModeFn func(*http.Request) Mode
	// KeyFn overrides the derived base cache key per request when set.
	KeyFn func(*http.Request) string
	// BustFn names additional cache keys to invalidate after a
	// successful unsafe request.
	BustFn func(*http.Request) []string
	// Namespace prefixes every derived key, keeping several logical
	// caches apart in a shared backend.
	Namespace string
	// MaxBufferSize caps in-memory body buffering when storing.
	// DefaultMaxBufferSize is used if zero.
	MaxBufferSize int64
	// DisableStatusHeaders suppresses the Cache-Status and X-Cache
	// diagnostic headers on responses.
	DisableStatusHeaders bool
}

// Transport is the caching round tripper. Create one with New.
// It is safe for concurrent use when its cache provider is.
type Transport struct {
	next      http.RoundTripper
	cache     cache.CacheProvider
	policy    policy.Evaluator
	keyer     cachekey.Keyer
	log       zerolog.Logger
	mode      Mode
	modeFn    func(*http.Request) Mode
	keyFn     func(*http.Request) string
	bustFn    func(*http.Request) []string
	maxBuffer int64
	noHeaders bool
}

// New initializes a caching transport from the given config.
func New(config Config) *Transport {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "transport-cache").Logger()

	t := &Transport{
		next:      config.Transport,
		cache:     config.Cache,
		policy:    config.Policy,
		keyer:     cachekey.NewKeyer(config.Namespace),
		log:       logger,
		mode:      config.Mode,
		modeFn:    config.ModeFn,
		keyFn:     config.KeyFn,
		bustFn:    config.BustFn,
		maxBuffer: config.MaxBufferSize,
		noHeaders: config.DisableStatusHeaders,
	}
	if t.next == nil {
		t.next = http.DefaultTransport
	}
	if t.cache == nil {
		t.cache = cache.NewMemCache(0)
	}
	if t.policy == nil {
		t.policy = policy.NewRFC9111()
	}
	if t.maxBuffer <= 0 {
		t.maxBuffer = DefaultMaxBufferSize
	}
	return t
}

// Client returns an http.Client using this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
//
// Errors returned by the cache provider never fail the exchange: the
// transport logs them and falls back to the network.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	mode := t.modeFor(req)
	cs := &CacheStatus{}
	log := t.log.With().Str("method", req.Method).Str("url", req.URL.String()).Logger()

	if mode == ModeBypass {
		cs.Forward(CacheStatusFwdBypass)
		metrics.CacheMisses.WithLabelValues(string(CacheStatusFwdBypass)).Inc()
		return t.forward(req, cs, false)
	}
	if !isRetrieval(req.Method) {
		return t.forwardUnsafe(req, cs, log)
	}

	key := t.key(req)
	var env *envelope.Envelope
	if mode != ModeReload {
		env = t.lookup(req, key, cs, log)
	} else {
		cs.Forward(CacheStatusFwdRequest)
		cs.Detail("reload")
	}
	lookupHit := env != nil

	if env == nil {
		if mode == ModeOnlyIfCached {
			metrics.CacheMisses.WithLabelValues(string(cs.fwdReason)).Inc()
			return t.gatewayTimeout(req, cs), nil
		}
		if cs.fwdReason == "" {
			cs.Forward(CacheStatusFwdUriMiss)
		}
		metrics.CacheMisses.WithLabelValues(string(cs.fwdReason)).Inc()
		return t.fetchAndStore(req, key, cs, lookupHit, log)
	}

	switch mode {
	case ModeForceCache, ModeOnlyIfCached:
		addWarning(env, req, 112, "Disconnected operation")
		cs.Hit()
		cs.Detail("forced")
		metrics.CacheHits.WithLabelValues("forced").Inc()
		return t.serveStored(req, env, cs, true), nil
	case ModeNoCache:
		cs.Forward(CacheStatusFwdRequest)
		cs.Detail("no-cache")
		return t.fetchAndStore(req, key, cs, lookupHit, log)
	}

	verdict, err := t.policy.Evaluate(req, env.PolicyState)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping entry with unusable policy state")
		metrics.StorageErrors.WithLabelValues("decode").Inc()
		t.delete(req.Context(), key, log)
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail("policy-error")
		metrics.CacheMisses.WithLabelValues(string(CacheStatusFwdMiss)).Inc()
		return t.fetchAndStore(req, key, cs, false, log)
	}

	switch verdict.Freshness {
	case policy.Fresh:
		cs.Hit()
		metrics.CacheHits.WithLabelValues("fresh").Inc()
		return t.serveStored(req, env, cs, true), nil
	case policy.Stale:
		cs.Forward(CacheStatusFwdStale)
		return t.revalidate(req, key, env, verdict, cs, log)
	default:
		cs.Forward(CacheStatusFwdRequest)
		metrics.CacheMisses.WithLabelValues(string(CacheStatusFwdRequest)).Inc()
		return t.fetchAndStore(req, key, cs, lookupHit, log)
	}
}

func (t *Transport) modeFor(req *http.Request) Mode {
	if t.modeFn != nil {
		return t.modeFn(req)
	}
	return t.mode
}

func (t *Transport) key(req *http.Request) string {
	if t.keyFn != nil {
		return t.keyFn(req)
	}
	return t.keyer.Base(req.Method, req.URL.String())
}

func isRetrieval(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// lookup fetches and decodes the stored envelope for key, returning nil on
// miss, on variance mismatch, and on any storage or decoding failure.
// Corrupt entries are dropped so the next store starts clean.
func (t *Transport) lookup(req *http.Request, key string, cs *CacheStatus, log zerolog.Logger) *envelope.Envelope {
	raw, found, err := t.cache.Get(req.Context(), key)
	if err != nil {
		log.Warn().Err(err).Msg("Cache read failed, forwarding")
		metrics.StorageErrors.WithLabelValues("get").Inc()
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail("cache-error")
		return nil
	}
	if !found {
		cs.Forward(CacheStatusFwdUriMiss)
		return nil
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping undecodable entry")
		metrics.StorageErrors.WithLabelValues("decode").Inc()
		t.delete(req.Context(), key, log)
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail("corrupt")
		return nil
	}
	for _, f := range env.Vary {
		if req.Header.Get(f.Name) != f.Value {
			cs.Forward(CacheStatusFwdVaryMiss)
			return nil
		}
	}
	return env
}

// apply decorates a response with the diagnostic headers, unless they are
// disabled.
func (t *Transport) apply(cs *CacheStatus, h http.Header, served, lookupHit bool) {
	if t.noHeaders {
		return
	}
	cs.Apply(h, served, lookupHit)
}

// serveStored builds the client-facing response from a stored envelope.
func (t *Transport) serveStored(req *http.Request, env *envelope.Envelope, cs *CacheStatus, lookupHit bool) *http.Response {
	res := env.Response(req)
	t.apply(cs, res.Header, true, lookupHit)
	return res
}

// forward sends the request to the wrapped transport and decorates the
// response with cache status headers. It never stores.
func (t *Transport) forward(req *http.Request, cs *CacheStatus, lookupHit bool) (*http.Response, error) {
	res, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	cs.ForwardStatus(res.StatusCode)
	t.apply(cs, res.Header, false, lookupHit)
	return res, nil
}

// forwardUnsafe handles non-retrieval methods: forward, then invalidate the
// stored retrieval entries for the URI once the origin answers without a
// server or client error.
func (t *Transport) forwardUnsafe(req *http.Request, cs *CacheStatus, log zerolog.Logger) (*http.Response, error) {
	cs.Forward(CacheStatusFwdMethod)
	metrics.CacheMisses.WithLabelValues(string(CacheStatusFwdMethod)).Inc()
	res, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 400 {
		t.invalidate(req, log)
	}
	cs.ForwardStatus(res.StatusCode)
	t.apply(cs, res.Header, false, false)
	return res, nil
}

func (t *Transport) invalidate(req *http.Request, log zerolog.Logger) {
	uri := req.URL.String()
	keys := []string{
		t.keyer.Base(http.MethodGet, uri),
		t.keyer.Base(http.MethodHead, uri),
	}
	if t.bustFn != nil {
		keys = append(keys, t.bustFn(req)...)
	}
	for _, key := range keys {
		t.delete(req.Context(), key, log)
	}
}

func (t *Transport) delete(ctx context.Context, key string, log zerolog.Logger) {
	if err := t.cache.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache delete failed")
		metrics.StorageErrors.WithLabelValues("delete").Inc()
	}
}

// gatewayTimeout is the synthetic response for an only-if-cached miss.
func (t *Transport) gatewayTimeout(req *http.Request, cs *CacheStatus) *http.Response {
	body := "GatewayTimeout"
	res := &http.Response{
		StatusCode:    http.StatusGatewayTimeout,
		Status:        fmt.Sprintf("%d %s", http.StatusGatewayTimeout, http.StatusText(http.StatusGatewayTimeout)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	t.apply(cs, res.Header, false, false)
	return res
}

// revalidate sends a conditional request for a stale entry and reconciles
// the answer with the stored envelope.
func (t *Transport) revalidate(req *http.Request, key string, env *envelope.Envelope, verdict policy.Verdict, cs *CacheStatus, log zerolog.Logger) (*http.Response, error) {
	condReq := req.Clone(req.Context())
	for name, values := range verdict.ConditionalHeader {
		condReq.Header[name] = values
	}

	res, err := t.next.RoundTrip(condReq)
	if err != nil {
		if !verdict.AllowStaleOnError {
			metrics.Revalidations.WithLabelValues("failed").Inc()
			return nil, err
		}
		log.Warn().Err(err).Msg("Revalidation failed, serving stale")
		metrics.Revalidations.WithLabelValues("failed").Inc()
		metrics.CacheHits.WithLabelValues("revalidated").Inc()
		addWarning(env, req, 111, "Revalidation failed")
		return t.serveStored(req, env, cs, true), nil
	}

	cs.ForwardStatus(res.StatusCode)
	switch {
	case res.StatusCode == http.StatusNotModified:
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		t.refresh(req, key, env, res, log)
		metrics.Revalidations.WithLabelValues("not-modified").Inc()
		metrics.CacheHits.WithLabelValues("revalidated").Inc()
		return t.serveStored(req, env, cs, true), nil
	case res.StatusCode >= 500:
		if verdict.AllowStaleOnError {
			io.Copy(io.Discard, res.Body)
			res.Body.Close()
			metrics.Revalidations.WithLabelValues("failed").Inc()
			metrics.CacheHits.WithLabelValues("revalidated").Inc()
			addWarning(env, req, 111, "Revalidation failed")
			return t.serveStored(req, env, cs, true), nil
		}
		metrics.Revalidations.WithLabelValues("failed").Inc()
		t.apply(cs, res.Header, false, true)
		return res, nil
	default:
		// A full replacement response. Store or drop it like any miss
		// outcome and hand it to the caller.
		metrics.Revalidations.WithLabelValues("replaced").Inc()
		return t.store(req, key, res, cs, true, log)
	}
}

// refresh folds the headers of a 304 into the stored envelope, refreshes
// its policy state, and writes it back.
func (t *Transport) refresh(req *http.Request, key string, env *envelope.Envelope, notModified *http.Response, log zerolog.Logger) {
	header := env.HTTPHeader()
	for name, values := range notModified.Header {
		header[name] = values
	}
	// Stored 1xx warnings are stale after a successful revalidation.
	dropStaleWarnings(header)
	env.SetHeader(header)

	merged := &http.Response{
		StatusCode: env.StatusCode,
		Header:     header,
		Request:    req,
	}
	state, ok, err := t.policy.Storable(req, merged)
	if err != nil || !ok {
		// The refreshed headers made the entry unstorable.
		if err != nil {
			log.Warn().Err(err).Msg("Could not refresh policy state")
		}
		t.delete(req.Context(), key, log)
		return
	}
	env.PolicyState = state
	raw, err := envelope.Encode(env)
	if err != nil {
		log.Error().Err(err).Msg("Could not encode refreshed envelope")
		return
	}
	if err := t.cache.Put(req.Context(), key, raw); err != nil {
		log.Warn().Err(err).Msg("Cache write failed")
		metrics.StorageErrors.WithLabelValues("put").Inc()
		return
	}
	metrics.Stores.Inc()
}

// fetchAndStore forwards the request and runs the response through the
// store-or-drop step.
func (t *Transport) fetchAndStore(req *http.Request, key string, cs *CacheStatus, lookupHit bool, log zerolog.Logger) (*http.Response, error) {
	res, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	cs.ForwardStatus(res.StatusCode)
	return t.store(req, key, res, cs, lookupHit, log)
}

// store persists the response when the policy allows it, replacing any
// previous entry; an unstorable response drops the previous entry instead.
// The response handed back to the caller is always the live one.
func (t *Transport) store(req *http.Request, key string, res *http.Response, cs *CacheStatus, lookupHit bool, log zerolog.Logger) (*http.Response, error) {
	if !t.storable(req, res, log) {
		t.delete(req.Context(), key, log)
		cs.Stored(false)
		t.apply(cs, res.Header, false, lookupHit)
		return res, nil
	}

	state, ok, err := t.policy.Storable(req, res)
	if err != nil {
		log.Warn().Err(err).Msg("Storability check failed")
	}
	if err != nil || !ok {
		t.delete(req.Context(), key, log)
		cs.Stored(false)
		t.apply(cs, res.Header, false, lookupHit)
		return res, nil
	}

	env := &envelope.Envelope{
		StatusCode:  res.StatusCode,
		Proto:       res.Proto,
		Header:      envelope.FieldsFromHeader(res.Header),
		Vary:        t.varyFields(req, res),
		PolicyState: state,
	}
	cs.Stored(t.persist(req, key, env, res, log))
	t.apply(cs, res.Header, false, lookupHit)
	return res, nil
}

// storable applies the transport-level gate: only successful responses to
// retrieval requests enter the cache, and a wildcard Vary never does.
func (t *Transport) storable(req *http.Request, res *http.Response, log zerolog.Logger) bool {
	if !isRetrieval(req.Method) || res.StatusCode != http.StatusOK {
		return false
	}
	if cachekey.VaryWildcard(cachekey.VaryNames(res.Header)) {
		log.Debug().Msg("Vary wildcard, not storing")
		return false
	}
	return true
}

// varyFields resolves the response's declared variance against the request
// headers, as stored in the envelope for later request matching.
func (t *Transport) varyFields(req *http.Request, res *http.Response) []envelope.Field {
	names := cachekey.VaryNames(res.Header)
	if len(names) == 0 {
		return nil
	}
	fields := make([]envelope.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, envelope.Field{Name: name, Value: req.Header.Get(name)})
	}
	return fields
}

// persist writes the envelope, buffering the body in memory up to the
// configured limit and spooling through the provider's streaming interface
// beyond it. The response body is replaced so the caller can still read it
// in full. Reports whether the response entered the cache; a spooled store
// counts as stored since its outcome is decided after the headers are out.
func (t *Transport) persist(req *http.Request, key string, env *envelope.Envelope, res *http.Response, log zerolog.Logger) bool {
	body := res.Body
	if body == nil {
		body = http.NoBody
	}
	buf, err := readAtMost(body, t.maxBuffer)
	if err != nil {
		// The caller can no longer read the body either; surface the
		// failure there and store nothing.
		res.Body = io.NopCloser(errReader{err})
		body.Close()
		return false
	}
	if int64(len(buf)) <= t.maxBuffer {
		body.Close()
		env.Body = buf
		res.Body = io.NopCloser(bytes.NewReader(buf))
		res.ContentLength = int64(len(buf))
		raw, err := envelope.Encode(env)
		if err != nil {
			log.Error().Err(err).Msg("Could not encode envelope")
			return false
		}
		if err := t.cache.Put(req.Context(), key, raw); err != nil {
			log.Warn().Err(err).Msg("Cache write failed")
			metrics.StorageErrors.WithLabelValues("put").Inc()
			return false
		}
		metrics.Stores.Inc()
		return true
	}

	streamer, ok := t.cache.(cache.StreamProvider)
	if !ok {
		log.Debug().Int64("limit", t.maxBuffer).Msg("Body too large to buffer, not storing")
		res.Body = readCloser{io.MultiReader(bytes.NewReader(buf), body), body}
		return false
	}
	return t.spool(req, key, env, buf, res, streamer, log)
}

// spool stores a large response through the streaming interface while the
// caller consumes it. The entry becomes visible only if the caller reads
// the body to EOF; abandoning the body abandons the write.
func (t *Transport) spool(req *http.Request, key string, env *envelope.Envelope, prefix []byte, res *http.Response, streamer cache.StreamProvider, log zerolog.Logger) bool {
	bodyLen := res.ContentLength
	if bodyLen >= 0 && bodyLen < int64(len(prefix)) {
		bodyLen = -1
	}
	pr, pw := io.Pipe()
	done := make(chan struct{})
	// The write must outlive the request: the caller may finish reading
	// after the handler returns and the request context is canceled.
	putCtx := context.WithoutCancel(req.Context())
	go func() {
		defer close(done)
		if err := streamer.PutReader(putCtx, key, pr); err != nil {
			pr.CloseWithError(err)
			if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, errAbandoned) {
				log.Warn().Err(err).Msg("Cache stream write failed")
				metrics.StorageErrors.WithLabelValues("put").Inc()
			}
			return
		}
		metrics.Stores.Inc()
	}()
	if err := envelope.EncodeTo(pw, env, nil, bodyLen); err != nil {
		pw.CloseWithError(err)
		res.Body = readCloser{io.MultiReader(bytes.NewReader(prefix), res.Body), res.Body}
		return false
	}
	if _, err := pw.Write(prefix); err != nil {
		res.Body = readCloser{io.MultiReader(bytes.NewReader(prefix), res.Body), res.Body}
		return false
	}
	res.Body = &teeBody{
		reader: io.MultiReader(bytes.NewReader(prefix), &bestEffortTee{r: res.Body, pw: pw}),
		body:   res.Body,
		pw:     pw,
		done:   done,
	}
	return true
}

var errAbandoned = errors.New("body abandoned before EOF")

// bestEffortTee copies everything it reads into a pipe until the first
// write failure, then keeps reading without teeing. The cache side losing
// its write must not disturb the caller's reads.
type bestEffortTee struct {
	r      io.Reader
	pw     *io.PipeWriter
	failed bool
}

func (t *bestEffortTee) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 && !t.failed {
		if _, werr := t.pw.Write(p[:n]); werr != nil {
			t.failed = true
		}
	}
	return n, err
}

// teeBody copies a response body into a pipe feeding the cache while the
// caller reads it. Reaching EOF completes the cache write; closing early
// abandons it.
type teeBody struct {
	reader io.Reader
	body   io.ReadCloser
	pw     *io.PipeWriter
	done   chan struct{}
	closed bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if err == io.EOF && !b.closed {
		b.closed = true
		b.pw.Close()
		<-b.done
	}
	return n, err
}

func (b *teeBody) Close() error {
	if !b.closed {
		b.closed = true
		b.pw.CloseWithError(errAbandoned)
		<-b.done
	}
	return b.body.Close()
}

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// readAtMost reads up to limit+1 bytes so the caller can tell whether the
// source exceeded the limit.
func readAtMost(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// addWarning appends an HTTP Warning header to the stored envelope before
// serving it, in the classic warn-code SP warn-agent SP warn-text form.
func addWarning(env *envelope.Envelope, req *http.Request, code int, text string) {
	host := req.URL.Host
	if host == "" {
		host = "-"
	}
	header := env.HTTPHeader()
	header.Add("Warning", fmt.Sprintf("%d %s %q %q", code, host, text, time.Now().UTC().Format(http.TimeFormat)))
	env.SetHeader(header)
}

// dropStaleWarnings removes 1xx warn codes from a header selected for
// update, per the RFC 9111 freshening rules.
func dropStaleWarnings(h http.Header) {
	values := h.Values("Warning")
	if len(values) == 0 {
		return
	}
	kept := values[:0]
	for _, v := range values {
		if len(v) >= 1 && v[0] == '1' {
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		h.Del("Warning")
	} else {
		h["Warning"] = kept
	}
}
