// Package envelope serializes cached HTTP responses into a storage-agnostic
// record and back.
//
// An encoded envelope is a small framed payload: a four-byte magic marker
// and a schema version, followed by a CBOR-encoded metadata record (status,
// ordered header fields, resolved variance fields, and the policy evaluator's
// opaque state blob), followed by the raw body bytes. Because the body is
// framed rather than embedded in the metadata record, both encoding and
// decoding can stream bodies of arbitrary size.
package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ErrCorrupt indicates an encoded envelope that cannot be interpreted:
// unknown magic or version, truncated payload, or undecodable metadata.
// Decode never guesses; it fails with an error wrapping ErrCorrupt instead.
var ErrCorrupt = errors.New("corrupt envelope")

const (
	// Version is the current envelope schema version.
	Version = 1

	metaSizeLimit = 1 << 24
)

var magic = [4]byte{'A', 'C', 'E', 'V'}

// Field is a single header name/value pair. Envelopes store headers as an
// ordered field list so that multi-valued headers round-trip losslessly.
type Field struct {
	Name  string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint"`
}

// Envelope is the unit of storage: everything needed to reconstruct a
// cached HTTP response, plus the policy evaluator's opaque state.
type Envelope struct {
	StatusCode int
	Proto      string
	// Header holds the stored response headers in encoding order.
	Header []Field
	// Vary holds the request header values the stored response varies on,
	// resolved at store time. Empty for responses without declared variance.
	Vary []Field
	// PolicyState is owned by the policy evaluator and round-trips through
	// the envelope unchanged. The codec never interprets it.
	PolicyState []byte
	Body        []byte
}

type meta struct {
	StatusCode  int     `cbor:"1,keyasint"`
	Proto       string  `cbor:"2,keyasint"`
	Header      []Field `cbor:"3,keyasint"`
	Vary        []Field `cbor:"4,keyasint,omitempty"`
	PolicyState []byte  `cbor:"5,keyasint,omitempty"`
	BodyLen     int64   `cbor:"6,keyasint"`
}

// FieldsFromHeader converts an http.Header to an ordered field list.
// Names are emitted in sorted order, values in their original order, which
// makes the encoding deterministic for equal headers.
func FieldsFromHeader(h http.Header) []Field {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]Field, 0, len(h))
	for _, name := range names {
		for _, value := range h[name] {
			fields = append(fields, Field{Name: name, Value: value})
		}
	}
	return fields
}

// HeaderFromFields converts an ordered field list back to an http.Header.
func HeaderFromFields(fields []Field) http.Header {
	h := make(http.Header, len(fields))
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

// HTTPHeader returns the stored headers as an http.Header.
func (e *Envelope) HTTPHeader() http.Header {
	return HeaderFromFields(e.Header)
}

// SetHeader replaces the stored headers from an http.Header.
func (e *Envelope) SetHeader(h http.Header) {
	e.Header = FieldsFromHeader(h)
}

// Response builds an http.Response served from this envelope.
// The body is a fresh reader over the stored bytes.
func (e *Envelope) Response(req *http.Request) *http.Response {
	proto := e.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	return &http.Response{
		StatusCode:    e.StatusCode,
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		Proto:         proto,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.HTTPHeader(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Encode serializes the envelope in buffered mode.
func Encode(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, env, bytes.NewReader(env.Body), int64(len(env.Body))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo serializes the envelope metadata to w and then streams the body
// from the given reader. bodyLen is the expected body length, or -1 when
// unknown (e.g. chunked responses spooled to disk).
// env.Body is ignored; the body always comes from the reader.
func EncodeTo(w io.Writer, env *Envelope, body io.Reader, bodyLen int64) error {
	metaBytes, err := cbor.Marshal(meta{
		StatusCode:  env.StatusCode,
		Proto:       env.Proto,
		Header:      env.Header,
		Vary:        env.Vary,
		PolicyState: env.PolicyState,
		BodyLen:     bodyLen,
	})
	if err != nil {
		return fmt.Errorf("encode envelope meta: %w", err)
	}

	frame := make([]byte, len(magic)+1+4)
	copy(frame, magic[:])
	frame[len(magic)] = Version
	binary.BigEndian.PutUint32(frame[len(magic)+1:], uint32(len(metaBytes)))
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if _, err := w.Write(metaBytes); err != nil {
		return err
	}
	if body == nil {
		return nil
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return err
	}
	if bodyLen >= 0 && n != bodyLen {
		return fmt.Errorf("envelope body short write: %d of %d bytes", n, bodyLen)
	}
	return nil
}

// Decode deserializes a buffered envelope.
// The whole payload must be present; a truncated body is reported as corrupt.
func Decode(b []byte) (*Envelope, error) {
	env, body, bodyLen, err := DecodeFrom(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if bodyLen >= 0 && int64(len(data)) != bodyLen {
		return nil, fmt.Errorf("%w: body truncated (%d of %d bytes)", ErrCorrupt, len(data), bodyLen)
	}
	env.Body = data
	return env, nil
}

// DecodeFrom reads the envelope metadata from r and returns the remainder
// as a streaming body reader along with the declared body length (-1 when
// the length was unknown at encode time). The returned envelope has a nil
// Body; callers drain the reader themselves.
func DecodeFrom(r io.Reader) (*Envelope, io.Reader, int64, error) {
	frame := make([]byte, len(magic)+1+4)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(frame[:len(magic)], magic[:]) {
		return nil, nil, 0, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if version := frame[len(magic)]; version != Version {
		return nil, nil, 0, fmt.Errorf("%w: unknown schema version %d", ErrCorrupt, version)
	}
	metaLen := binary.BigEndian.Uint32(frame[len(magic)+1:])
	if metaLen == 0 || metaLen > metaSizeLimit {
		return nil, nil, 0, fmt.Errorf("%w: implausible meta length %d", ErrCorrupt, metaLen)
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBytes); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: short meta: %v", ErrCorrupt, err)
	}
	var m meta
	if err := cbor.Unmarshal(metaBytes, &m); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	env := &Envelope{
		StatusCode:  m.StatusCode,
		Proto:       m.Proto,
		Header:      m.Header,
		Vary:        m.Vary,
		PolicyState: m.PolicyState,
	}
	body := io.Reader(r)
	if m.BodyLen >= 0 {
		body = io.LimitReader(r, m.BodyLen)
	}
	return env, body, m.BodyLen, nil
}
