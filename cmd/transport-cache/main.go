// Command transport-cache is a caching HTTP client and forward proxy.
//
// Usage:
//
//	transport-cache serve --config config.yml   # run a caching forward proxy
//	transport-cache get https://example.com     # fetch a URL through the cache
//	transport-cache purge https://example.com   # drop the cached entries
package main

import (
	"os"

	"github.com/always-cache/transport-cache/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
