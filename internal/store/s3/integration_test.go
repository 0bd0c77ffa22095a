//go:build integration

package s3

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/types"
)

// TestMinIOIntegration runs the store against a local S3-compatible server.
// Start one with:
//
//	docker run -p 9000:9000 minio/minio server /data
func TestMinIOIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("Integration tests not enabled. Set INTEGRATION_TESTS=true to run.")
	}

	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:9000"
	}
	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "tiercache-test"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewFromConfig(ctx, &Config{
		Bucket:          bucket,
		Prefix:          fmt.Sprintf("integration-%d/", time.Now().UnixNano()),
		Region:          "us-east-1",
		Endpoint:        endpoint,
		ForcePathStyle:  true,
		AccessKeyID:     envOr("MINIO_ACCESS_KEY", "minioadmin"),
		SecretAccessKey: envOr("MINIO_SECRET_KEY", "minioadmin"),
		UseCargoShip:    true,
		// small enough that the large entry below goes through CargoShip
		MultipartThreshold: 1 << 20,
	}, nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	defer func() { _ = store.Clear(context.Background()) }()

	small, _ := digest.Sum("small")
	large, _ := digest.Sum("large")
	largeData := bytes.Repeat([]byte("0123456789abcdef"), 1<<17) // 2 MiB

	t.Run("put_and_get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, small, []byte("hello")))
		require.NoError(t, store.Put(ctx, large, largeData))

		data, found, err := store.Get(ctx, small)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "hello", string(data))

		data, found, err = store.Get(ctx, large)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, largeData, data)
	})

	t.Run("list_and_remove", func(t *testing.T) {
		entries, err := store.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.StoredEntry{
			{ID: small, Size: 5},
			{ID: large, Size: int64(len(largeData))},
		}, entries)

		require.NoError(t, store.Remove(ctx, small))
		_, found, err := store.Get(ctx, small)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
