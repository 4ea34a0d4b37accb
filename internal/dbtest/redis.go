package dbtest

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisImage exposes the image to use for the Redis container.
//
// See <https://hub.docker.com/_/redis> for more images.
const RedisImage = "docker.io/redis:7"

// SetupRedis spins up a new Redis Docker container and returns a client
// connected to it. The returned client is closed during cleanup of the provided
// [*testing.T].
//
// Like SetupNeo4j, it skips the test in '-short' mode and marks it as parallel.
func SetupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()

	opts := containerOptions(t, WithWaitForExposedPort())
	container, err := tcredis.Run(ctx, RedisImage, opts...)
	if err != nil {
		t.Fatal("Failed to run redis container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating redis container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatal("Failed to get redis connection string:", err)
	}
	options, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("Failed to parse redis connection string %q: %v", uri, err)
	}
	client := redis.NewClient(options)
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Error("Encountered an error during cleanup while closing the redis client:", err)
		}
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to ping the redis server: %v", err)
	}

	holdForInspection(t, container.GetContainerID(), "Redis URL = "+uri)

	return client
}
