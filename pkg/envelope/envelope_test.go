package envelope

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func sampleEnvelope() *Envelope {
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Add("Set-Cookie", "a=1")
	header.Add("Set-Cookie", "b=2")
	return &Envelope{
		StatusCode:  200,
		Proto:       "HTTP/1.1",
		Header:      FieldsFromHeader(header),
		Vary:        []Field{{Name: "accept-encoding", Value: "gzip"}},
		PolicyState: []byte(`{"maxAge":60}`),
		Body:        []byte("Hello world"),
	}
}

func TestRoundTrip(t *testing.T) {
	env := sampleEnvelope()
	encoded, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(env, decoded) {
		t.Fatalf("Round trip mismatch:\n%+v\n%+v", env, decoded)
	}
}

func TestRoundTripEmptyBody(t *testing.T) {
	env := sampleEnvelope()
	env.Body = []byte{}
	encoded, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Body) != 0 {
		t.Fatalf("Body is %q", decoded.Body)
	}
}

func TestHeaderOrderPreserved(t *testing.T) {
	env := sampleEnvelope()
	encoded, _ := Encode(env)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	cookies := decoded.HTTPHeader().Values("Set-Cookie")
	if len(cookies) != 2 || cookies[0] != "a=1" || cookies[1] != "b=2" {
		t.Fatalf("Set-Cookie values are %v", cookies)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	encoded, _ := Encode(sampleEnvelope())
	encoded[0] = 'X'
	if _, err := Decode(encoded); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Error is %v", err)
	}
}

func TestDecodeUnknownVersion(t *testing.T) {
	encoded, _ := Encode(sampleEnvelope())
	encoded[4] = 99
	if _, err := Decode(encoded); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Error is %v", err)
	}
}

func TestDecodeTruncatedMeta(t *testing.T) {
	encoded, _ := Encode(sampleEnvelope())
	if _, err := Decode(encoded[:12]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Error is %v", err)
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	encoded, _ := Encode(sampleEnvelope())
	if _, err := Decode(encoded[:len(encoded)-4]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Error is %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an envelope at all")); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Error is %v", err)
	}
	if _, err := Decode(nil); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Error is %v", err)
	}
}

func TestStreamingRoundTrip(t *testing.T) {
	env := sampleEnvelope()
	body := strings.Repeat("chunk-", 1000)

	var buf bytes.Buffer
	if err := EncodeTo(&buf, env, strings.NewReader(body), int64(len(body))); err != nil {
		t.Fatal(err)
	}

	decoded, bodyReader, bodyLen, err := DecodeFrom(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if bodyLen != int64(len(body)) {
		t.Fatalf("Body length is %d", bodyLen)
	}
	if decoded.StatusCode != env.StatusCode {
		t.Fatalf("Status is %d", decoded.StatusCode)
	}
	data, err := io.ReadAll(bodyReader)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != body {
		t.Fatalf("Streamed body mismatch (%d bytes)", len(data))
	}
}

func TestStreamingUnknownLength(t *testing.T) {
	env := sampleEnvelope()
	var buf bytes.Buffer
	if err := EncodeTo(&buf, env, strings.NewReader("streamed"), -1); err != nil {
		t.Fatal(err)
	}
	_, bodyReader, bodyLen, err := DecodeFrom(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if bodyLen != -1 {
		t.Fatalf("Body length is %d", bodyLen)
	}
	data, _ := io.ReadAll(bodyReader)
	if string(data) != "streamed" {
		t.Fatalf("Body is %q", data)
	}
}

func TestResponseFromEnvelope(t *testing.T) {
	env := sampleEnvelope()
	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	res := env.Response(req)
	if res.StatusCode != 200 {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("Content-Type is %s", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "Hello world" {
		t.Fatalf("Body is %q", body)
	}
}
