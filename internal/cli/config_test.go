package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetConfigDefaults(t *testing.T) {
	config, err := getConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if config.Listen != ":8080" || config.Mode != "default" || config.Cache.Provider != "memory" {
		t.Fatalf("Defaults are %+v", config)
	}
}

func TestGetConfigFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yml")
	content := `
listen: ":9090"
origin: https://example.com
mode: force-cache
cache:
  provider: disk
  path: /tmp/tc
policy:
  ttl: 1m
  heuristic: true
`
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := getConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	if config.Listen != ":9090" || config.Origin != "https://example.com" {
		t.Fatalf("Config is %+v", config)
	}
	if config.Cache.Provider != "disk" || config.Cache.Path != "/tmp/tc" {
		t.Fatalf("Cache config is %+v", config.Cache)
	}
	if config.Policy.TTL != time.Minute || !config.Policy.Heuristic {
		t.Fatalf("Policy config is %+v", config.Policy)
	}
}

func TestTransportConfigRejectsUnknownProvider(t *testing.T) {
	config := Config{Cache: CacheConfig{Provider: "etcd"}}
	if _, err := config.transportConfig(); err == nil {
		t.Fatal("Expected error for unknown provider")
	}
}

func TestTransportConfigRejectsUnknownMode(t *testing.T) {
	config := Config{Mode: "nope"}
	if _, err := config.transportConfig(); err == nil {
		t.Fatal("Expected error for unknown mode")
	}
}
