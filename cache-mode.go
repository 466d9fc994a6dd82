package transportcache

import "fmt"

// Mode determines how the transport uses its cache on the way to the
// network. The zero value is ModeDefault.
type Mode int

const (
	// ModeDefault inspects the cache on the way to the network: a fresh
	// stored response is served directly, a stale one triggers a
	// conditional request, anything else a normal request. The cache is
	// updated with the outcome.
	ModeDefault Mode = iota
	// ModeBypass behaves as if there were no cache at all: no lookup,
	// no store.
	ModeBypass
	// ModeReload ignores the cache on the way to the network but still
	// stores the response (a forced refresh).
	ModeReload
	// ModeNoCache always revalidates or refetches, even when the stored
	// response is still fresh.
	ModeNoCache
	// ModeForceCache serves any stored response regardless of staleness,
	// fetching and storing only on a miss.
	ModeForceCache
	// ModeOnlyIfCached serves any stored response regardless of
	// staleness and answers misses with a synthetic 504, never touching
	// the network.
	ModeOnlyIfCached
)

var modeNames = map[Mode]string{
	ModeDefault:      "default",
	ModeBypass:       "bypass-cache",
	ModeReload:       "force-refresh",
	ModeNoCache:      "no-cache",
	ModeForceCache:   "force-cache",
	ModeOnlyIfCached: "only-if-cached",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name as used in configuration files and flags.
func ParseMode(name string) (Mode, error) {
	for mode, s := range modeNames {
		if s == name {
			return mode, nil
		}
	}
	return ModeDefault, fmt.Errorf("unknown cache mode %q", name)
}
