package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	transportcache "github.com/always-cache/transport-cache"
	"github.com/always-cache/transport-cache/cache"
	"github.com/always-cache/transport-cache/policy"
)

type Config struct {
	// Address to listen on in serve mode, e.g. ":8080".
	Listen string `yaml:"listen"`
	// Origin URL to proxy to in serve mode.
	Origin string `yaml:"origin"`
	// Key namespace, for sharing one backend between caches.
	Namespace string `yaml:"namespace"`
	// Cache mode name, see ParseMode.
	Mode   string       `yaml:"mode"`
	Cache  CacheConfig  `yaml:"cache"`
	Policy PolicyConfig `yaml:"policy"`
}

type CacheConfig struct {
	// Provider is one of "memory", "disk", "sqlite" or "redis".
	Provider string `yaml:"provider"`
	// Path is the disk cache directory or sqlite database file.
	Path string `yaml:"path"`
	// Size is the entry limit of the memory provider.
	Size int `yaml:"size"`
	// RedisAddr is the address of the redis server.
	RedisAddr string `yaml:"redisAddr"`
	// RedisTTL expires redis entries independently of cache policy.
	RedisTTL time.Duration `yaml:"redisTtl"`
}

type PolicyConfig struct {
	// TTL is the heuristic freshness lifetime.
	TTL time.Duration `yaml:"ttl"`
	// Heuristic allows caching responses without explicit
	// expiration or validators.
	Heuristic bool `yaml:"heuristic"`
}

func getConfig(filename string) (Config, error) {
	config := Config{
		Listen: ":8080",
		Mode:   "default",
		Cache:  CacheConfig{Provider: "memory"},
	}
	if filename == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// provider builds the configured storage backend.
func (c Config) provider() (cache.CacheProvider, error) {
	switch c.Cache.Provider {
	case "", "memory":
		return cache.NewMemCache(c.Cache.Size), nil
	case "disk":
		path := c.Cache.Path
		if path == "" {
			path = "transport-cache"
		}
		return cache.NewDiskCache(path)
	case "sqlite":
		return cache.NewSQLiteCache(c.Cache.Path)
	case "redis":
		addr := c.Cache.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		return cache.NewRedisCache(client, c.Cache.RedisTTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", c.Cache.Provider)
	}
}

// transportConfig assembles the caching transport configuration.
func (c Config) transportConfig() (transportcache.Config, error) {
	provider, err := c.provider()
	if err != nil {
		return transportcache.Config{}, err
	}
	mode, err := transportcache.ParseMode(c.Mode)
	if err != nil {
		provider.Close()
		return transportcache.Config{}, err
	}
	evaluator := policy.NewRFC9111()
	if c.Policy.TTL > 0 {
		evaluator.TTL = c.Policy.TTL
	}
	evaluator.Heuristic = c.Policy.Heuristic
	return transportcache.Config{
		Cache:     provider,
		Policy:    evaluator,
		Mode:      mode,
		Namespace: c.Namespace,
	}, nil
}
