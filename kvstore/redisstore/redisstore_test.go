package redisstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
	"github.com/jrsteele09/go-secure-gateway/kvstore/redisstore"
	"github.com/stretchr/testify/require"
)

// Runs against a real server only when GATEWAY_TEST_REDIS_ADDR is set.
func TestStore_Redis(t *testing.T) {
	addr := os.Getenv("GATEWAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GATEWAY_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := redisstore.Dial(ctx, addr, os.Getenv("GATEWAY_TEST_REDIS_PASSWORD"))
	require.NoError(t, err)
	defer client.Close()

	s := redisstore.New(client, "test:"+uuid.NewString()+":")

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, "audit:backup", []byte(`[]`)))
	require.NoError(t, s.Set(ctx, "audit:other", []byte(`{}`)))

	got, err := s.Get(ctx, "audit:backup")
	require.NoError(t, err)
	require.Equal(t, `[]`, string(got))

	keys, err := s.Keys(ctx, "audit:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"audit:backup", "audit:other"}, keys)

	require.NoError(t, s.Delete(ctx, "audit:backup"))
	require.NoError(t, s.Delete(ctx, "audit:other"))
	_, err = s.Get(ctx, "audit:backup")
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}
