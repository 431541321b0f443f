package token_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
	"github.com/jrsteele09/go-secure-gateway/kvstore/memory"
	"github.com/jrsteele09/go-secure-gateway/token"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestStore_SetDerivesLifetimeFromClaims(t *testing.T) {
	c := &clock{now: baseTime}
	session := memory.New()
	store := token.NewStore(session, token.WithNowFunc(c.Now))
	ctx := context.Background()

	access := signedToken(t, jwt.MapClaims{
		"sub": "user-1",
		"sid": "session-1",
		"iat": baseTime.Unix(),
		"exp": baseTime.Add(10 * time.Minute).Unix(),
	})

	tok, err := store.Set(ctx, access, "refresh-1")
	require.NoError(t, err)
	require.True(t, baseTime.Add(10*time.Minute).Equal(tok.ExpiresAt))
	require.Equal(t, "user-1", tok.Subject)
	require.Equal(t, "session-1", tok.SessionID)

	raw, err := session.Get(ctx, token.SessionKey)
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, access, stored["accessToken"])
	require.Equal(t, "refresh-1", stored["refreshToken"])
	require.Contains(t, stored, "lastActivityAt")
}

func TestStore_SetFallsBackToDefaultLifetime(t *testing.T) {
	c := &clock{now: baseTime}
	store := token.NewStore(memory.New(), token.WithNowFunc(c.Now))

	tok, err := store.Set(context.Background(), "opaque-token", "")
	require.NoError(t, err)
	require.Equal(t, baseTime.Add(token.DefaultLifetime), tok.ExpiresAt)
	require.NotEmpty(t, tok.SessionID)
}

func TestStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid token touches activity", func(t *testing.T) {
		c := &clock{now: baseTime}
		store := token.NewStore(memory.New(), token.WithNowFunc(c.Now), token.WithInactivityTimeout(5*time.Minute))
		_, err := store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": baseTime.Add(time.Hour).Unix()}), "")
		require.NoError(t, err)

		c.Advance(4 * time.Minute)
		tok, err := store.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, c.now, tok.LastActivityAt)

		c.Advance(4 * time.Minute)
		_, err = store.Get(ctx)
		require.NoError(t, err)
	})

	t.Run("Expired token is never returned and is purged", func(t *testing.T) {
		c := &clock{now: baseTime}
		session := memory.New()
		store := token.NewStore(session, token.WithNowFunc(c.Now))
		_, err := store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": baseTime.Add(time.Minute).Unix()}), "")
		require.NoError(t, err)

		c.Advance(time.Minute)
		_, err = store.Get(ctx)
		require.ErrorIs(t, err, token.ErrAuthExpired)

		_, err = session.Get(ctx, token.SessionKey)
		require.ErrorIs(t, err, kvstore.ErrNotFound)

		_, err = store.Get(ctx)
		require.ErrorIs(t, err, token.ErrNoToken)
	})

	t.Run("Inactive token is purged", func(t *testing.T) {
		c := &clock{now: baseTime}
		store := token.NewStore(memory.New(), token.WithNowFunc(c.Now), token.WithInactivityTimeout(5*time.Minute))
		_, err := store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": baseTime.Add(time.Hour).Unix()}), "")
		require.NoError(t, err)

		c.Advance(5 * time.Minute)
		_, err = store.Get(ctx)
		require.ErrorIs(t, err, token.ErrAuthExpired)
		require.False(t, store.IsValid(ctx))
	})

	t.Run("Corrupted metadata fails closed", func(t *testing.T) {
		session := memory.New()
		require.NoError(t, session.Set(ctx, token.SessionKey, []byte("{not json")))
		store := token.NewStore(session)

		require.False(t, store.IsValid(ctx))
		_, err := store.Get(ctx)
		require.ErrorIs(t, err, token.ErrNoToken)
		require.Equal(t, 0, session.Len())
	})
}

func TestStore_IsValidDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: baseTime}
	session := memory.New()
	store := token.NewStore(session, token.WithNowFunc(c.Now))
	_, err := store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": baseTime.Add(time.Minute).Unix()}), "")
	require.NoError(t, err)

	before, err := session.Get(ctx, token.SessionKey)
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	require.True(t, store.IsValid(ctx))
	c.Advance(time.Minute)
	require.False(t, store.IsValid(ctx))

	after, err := session.Get(ctx, token.SessionKey)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestStore_ClearAndSweep(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: baseTime}
	session := memory.New()
	store := token.NewStore(session, token.WithNowFunc(c.Now))

	purged, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.False(t, purged)

	_, err = store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": baseTime.Add(time.Minute).Unix()}), "")
	require.NoError(t, err)

	purged, err = store.Sweep(ctx)
	require.NoError(t, err)
	require.False(t, purged)

	c.Advance(2 * time.Minute)
	purged, err = store.Sweep(ctx)
	require.NoError(t, err)
	require.True(t, purged)
	require.Equal(t, 0, session.Len())

	c = &clock{now: baseTime}
	store = token.NewStore(session, token.WithNowFunc(c.Now))
	_, err = store.Set(ctx, "opaque", "")
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	require.False(t, store.IsValid(ctx))
}

func TestStore_MigrateLegacy(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: baseTime}
	session := memory.New()
	durable := memory.New()
	store := token.NewStore(session, token.WithNowFunc(c.Now), token.WithDurableStore(durable))

	put := func(key string, tok token.Token) {
		raw, err := json.Marshal(tok)
		require.NoError(t, err)
		require.NoError(t, durable.Set(ctx, key, raw))
	}

	valid := signedToken(t, jwt.MapClaims{"sub": "user-1", "exp": baseTime.Add(time.Hour).Unix()})
	put(token.LegacyPrefix+"a", token.Token{AccessToken: valid, IssuedAt: baseTime.Add(-time.Minute), LastActivityAt: baseTime.Add(-time.Minute)})
	expired := signedToken(t, jwt.MapClaims{"exp": baseTime.Add(-time.Hour).Unix()})
	put(token.LegacyPrefix+"b", token.Token{AccessToken: expired, IssuedAt: baseTime.Add(-2 * time.Hour), LastActivityAt: baseTime.Add(-2 * time.Hour)})
	require.NoError(t, durable.Set(ctx, token.LegacyPrefix+"c", []byte("garbage")))
	require.NoError(t, durable.Set(ctx, "unrelated", []byte("keep")))

	result, err := store.MigrateLegacy(ctx)
	require.NoError(t, err)
	require.Equal(t, token.MigrationResult{Migrated: 1, Discarded: 2}, result)

	keys, err := durable.Keys(ctx, token.LegacyPrefix)
	require.NoError(t, err)
	require.Empty(t, keys)
	_, err = durable.Get(ctx, "unrelated")
	require.NoError(t, err)

	tok, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, valid, tok.AccessToken)
	require.Equal(t, "user-1", tok.Subject)
}
