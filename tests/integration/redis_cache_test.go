//go:build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	transportcache "github.com/always-cache/transport-cache"
	"github.com/always-cache/transport-cache/cache"
)

// setupRedis starts a Redis container for the duration of the test.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "starting redis container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() {
		client.Close()
		container.Terminate(ctx)
	})
	return client
}

func TestRedisBackedCachingFlow(t *testing.T) {
	redisClient := setupRedis(t)

	var handleCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("Hello world"))
	}))
	defer server.Close()

	provider := cache.NewRedisCache(redisClient, 0)
	client := transportcache.New(transportcache.Config{Cache: provider}).Client()

	res, err := client.Get(server.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, "Hello world", string(body))
	require.Equal(t, transportcache.XCacheMiss, res.Header.Get(transportcache.XCacheHeader))

	// a second transport sharing the redis backend sees the entry
	client = transportcache.New(transportcache.Config{Cache: provider}).Client()
	res, err = client.Get(server.URL)
	require.NoError(t, err)
	body, err = io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, "Hello world", string(body))
	require.Equal(t, transportcache.XCacheHit, res.Header.Get(transportcache.XCacheHeader))
	require.Equal(t, 1, handleCount)
}

func TestRedisBackedInvalidation(t *testing.T) {
	redisClient := setupRedis(t)

	var getCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			getCount++
		}
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	provider := cache.NewRedisCache(redisClient, 0)
	client := transportcache.New(transportcache.Config{Cache: provider}).Client()

	_, err := client.Get(server.URL)
	require.NoError(t, err)
	_, err = client.Get(server.URL)
	require.NoError(t, err)
	require.Equal(t, 1, getCount)

	_, err = client.Post(server.URL, "text/plain", nil)
	require.NoError(t, err)

	_, err = client.Get(server.URL)
	require.NoError(t, err)
	require.Equal(t, 2, getCount)
}
