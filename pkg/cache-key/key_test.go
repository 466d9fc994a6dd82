package cachekey

import (
	"net/http"
	"strings"
	"testing"
)

func TestDeriveIsDeterministic(t *testing.T) {
	keyer := NewKeyer("acache")
	lookup := func(name string) string {
		return map[string]string{"accept": "text/html", "accept-encoding": "gzip"}[name]
	}
	vary := []string{"Accept-Encoding", "Accept"}
	first := keyer.Derive("GET", "http://example.com/page", lookup, vary)
	second := keyer.Derive("GET", "http://example.com/page", lookup, []string{"accept", "ACCEPT-ENCODING"})
	if first != second {
		t.Fatalf("Keys differ: %q vs %q", first, second)
	}
}

func TestDeriveWithoutVaryEqualsBase(t *testing.T) {
	keyer := NewKeyer("")
	key := keyer.Derive("GET", "http://example.com/", nil, nil)
	if key != keyer.Base("GET", "http://example.com/") {
		t.Fatalf("Key is %q", key)
	}
}

func TestDeriveDiffersOnVaryValue(t *testing.T) {
	keyer := NewKeyer("")
	gzip := keyer.Derive("GET", "/page", func(string) string { return "gzip" }, []string{"Accept-Encoding"})
	br := keyer.Derive("GET", "/page", func(string) string { return "br" }, []string{"Accept-Encoding"})
	if gzip == br {
		t.Fatalf("Keys for differing vary values collide: %q", gzip)
	}
}

func TestDeriveDiffersOnMethod(t *testing.T) {
	keyer := NewKeyer("")
	if keyer.Base("GET", "/page") == keyer.Base("HEAD", "/page") {
		t.Fatal("GET and HEAD keys collide")
	}
}

func TestNamespacePrefixesKey(t *testing.T) {
	keyer := NewKeyer("origin-a")
	if key := keyer.Base("GET", "/1"); !strings.HasPrefix(key, "origin-a:") {
		t.Fatalf("Key is %q", key)
	}
}

func TestVaryNames(t *testing.T) {
	header := http.Header{}
	header.Add("Vary", "Accept-Encoding, Accept")
	header.Add("Vary", "accept-encoding")
	names := VaryNames(header)
	if len(names) != 2 || names[0] != "accept" || names[1] != "accept-encoding" {
		t.Fatalf("Vary names are %v", names)
	}
	if VaryWildcard(names) {
		t.Fatal("Unexpected wildcard")
	}
}

func TestVaryWildcard(t *testing.T) {
	header := http.Header{}
	header.Set("Vary", "*")
	if !VaryWildcard(VaryNames(header)) {
		t.Fatal("Wildcard not detected")
	}
}
