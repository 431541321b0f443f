package token_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-secure-gateway/kvstore/memory"
	"github.com/jrsteele09/go-secure-gateway/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTokenEndpoint(t *testing.T, status int, access string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthConfig(url string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: "gateway",
		Endpoint: oauth2.Endpoint{TokenURL: url, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestRefresher_Ensure(t *testing.T) {
	ctx := context.Background()
	// The refresh grant goes over a real HTTP round trip, so claims are built from wall time.
	now := time.Now()

	t.Run("Token outside the window is returned as is", func(t *testing.T) {
		var calls int32
		srv := newTokenEndpoint(t, http.StatusOK, "unused", &calls)
		store := token.NewStore(memory.New())
		_, err := store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), "refresh-1")
		require.NoError(t, err)

		r := token.NewRefresher(store, oauthConfig(srv.URL), token.WithRefreshWindow(time.Minute))
		_, err = r.Ensure(ctx)
		require.NoError(t, err)
		require.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})

	t.Run("Token inside the window is refreshed once for concurrent callers", func(t *testing.T) {
		var calls int32
		next := signedToken(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()})
		srv := newTokenEndpoint(t, http.StatusOK, next, &calls)
		store := token.NewStore(memory.New())
		_, err := store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": now.Add(30 * time.Second).Unix()}), "refresh-1")
		require.NoError(t, err)

		r := token.NewRefresher(store, oauthConfig(srv.URL), token.WithRefreshWindow(time.Minute))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tok, err := r.Ensure(ctx)
				if assert.NoError(t, err) {
					assert.Equal(t, next, tok.AccessToken)
				}
			}()
		}
		wg.Wait()

		require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
		tok, err := store.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, next, tok.AccessToken)
		require.Equal(t, "refresh-2", tok.RefreshToken)
	})

	t.Run("Rejected grant clears the session", func(t *testing.T) {
		var calls int32
		srv := newTokenEndpoint(t, http.StatusBadRequest, "", &calls)
		store := token.NewStore(memory.New())
		_, err := store.Set(ctx, signedToken(t, jwt.MapClaims{"exp": now.Add(30 * time.Second).Unix()}), "refresh-1")
		require.NoError(t, err)

		r := token.NewRefresher(store, oauthConfig(srv.URL), token.WithRefreshWindow(time.Minute))
		_, err = r.Ensure(ctx)
		require.ErrorIs(t, err, token.ErrAuthExpired)
		require.False(t, store.IsValid(ctx))
	})

	t.Run("Provider outage keeps the current token", func(t *testing.T) {
		var calls int32
		srv := newTokenEndpoint(t, http.StatusBadGateway, "", &calls)
		store := token.NewStore(memory.New())
		current := signedToken(t, jwt.MapClaims{"exp": now.Add(30 * time.Second).Unix()})
		_, err := store.Set(ctx, current, "refresh-1")
		require.NoError(t, err)

		r := token.NewRefresher(store, oauthConfig(srv.URL), token.WithRefreshWindow(time.Minute))
		tok, err := r.Ensure(ctx)
		require.NoError(t, err)
		require.Equal(t, current, tok.AccessToken)
	})
}
