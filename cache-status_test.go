package transportcache

import "testing"

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Hit()
	if s := cs.String(); s != "Transport-Cache; hit" {
		t.Fatalf("Hit status is %s", s)
	}

	cs = CacheStatus{}
	cs.Forward(CacheStatusFwdStale)
	cs.ForwardStatus(304)
	if s := cs.String(); s != "Transport-Cache; fwd=stale; fwd-status=304" {
		t.Fatalf("Forward status is %s", s)
	}

	cs = CacheStatus{}
	cs.Forward(CacheStatusFwdUriMiss)
	cs.Stored(true)
	cs.Detail("reload")
	if s := cs.String(); s != "Transport-Cache; fwd=uri-miss; stored=true; detail=reload" {
		t.Fatalf("Stored status is %s", s)
	}
}

func TestParseMode(t *testing.T) {
	for _, name := range []string{"default", "bypass-cache", "force-refresh", "no-cache", "force-cache", "only-if-cached"} {
		mode, err := ParseMode(name)
		if err != nil {
			t.Fatal(err)
		}
		if mode.String() != name {
			t.Fatalf("Mode %s round-trips as %s", name, mode)
		}
	}
	if _, err := ParseMode("nope"); err == nil {
		t.Fatal("Expected error for unknown mode")
	}
}
