// Package redis provides a shared Redis instance for integration tests.
// In CI (when CI_REDIS_URL is set): connects to an external Redis service.
// In local dev: starts one testcontainer shared by all tests in the package.
package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	containerOnce sync.Once
	containerErr  error
	sharedURL     string
	dbCounter     atomic.Int32
)

// NewTestClient returns a client bound to a dedicated logical database,
// flushed before use. The client is closed when the test ends.
func NewTestClient(t *testing.T) *redis.Client {
	t.Helper()

	opts, err := redis.ParseURL(sharedRedisURL(t))
	require.NoError(t, err)
	opts.DB = int(dbCounter.Add(1)) % 16

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.FlushDB(ctx).Err())

	t.Cleanup(func() { _ = client.Close() })
	return client
}

// sharedRedisURL returns the URL of the shared Redis. In CI, uses
// CI_REDIS_URL. In local dev, starts a shared testcontainer once.
func sharedRedisURL(t *testing.T) string {
	if url := os.Getenv("CI_REDIS_URL"); url != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			containerErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		url, err := container.ConnectionString(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedURL = url
	})

	require.NoError(t, containerErr, "Failed to setup shared Redis container")
	return sharedURL
}
