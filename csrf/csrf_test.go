package csrf_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-secure-gateway/csrf"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name  string
	value string
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Lookup(context.Context) (string, error) {
	f.calls++
	if f.value == "" {
		return "", csrf.ErrUnavailable
	}
	return f.value, nil
}

func TestShouldInject(t *testing.T) {
	for _, m := range []string{"POST", "put", "Patch", "DELETE"} {
		require.True(t, csrf.ShouldInject(m), m)
	}
	for _, m := range []string{"GET", "head", "OPTIONS"} {
		require.False(t, csrf.ShouldInject(m), m)
	}
}

func TestGuard_TokenCachingAndPriority(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := &fakeSource{name: "meta"}
	cookie := &fakeSource{name: "cookie", value: "from-cookie"}
	g := csrf.NewGuard([]csrf.Source{meta, cookie}, csrf.WithNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	tok, err := g.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "from-cookie", tok.Value)
	require.Equal(t, "cookie", tok.Source)

	meta.value = "from-meta"
	now = now.Add(59 * time.Minute)
	tok, err = g.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "from-cookie", tok.Value, "cached until the ttl elapses")
	require.Equal(t, 1, cookie.calls)

	now = now.Add(time.Minute)
	tok, err = g.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "from-meta", tok.Value)
	require.Equal(t, "meta", tok.Source)

	g.Invalidate()
	meta.value = "rotated"
	tok, err = g.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "rotated", tok.Value)
}

func TestGuard_Inject(t *testing.T) {
	ctx := context.Background()

	t.Run("Unsafe method gets the header", func(t *testing.T) {
		g := csrf.NewGuard([]csrf.Source{&fakeSource{name: "meta", value: "abc"}})
		h := http.Header{}
		require.True(t, g.Inject(ctx, h, "post"))
		require.Equal(t, "abc", h.Get(csrf.HeaderName))
	})

	t.Run("Safe method is untouched", func(t *testing.T) {
		src := &fakeSource{name: "meta", value: "abc"}
		g := csrf.NewGuard([]csrf.Source{src})
		h := http.Header{}
		require.False(t, g.Inject(ctx, h, http.MethodGet))
		require.Empty(t, h.Get(csrf.HeaderName))
		require.Equal(t, 0, src.calls)
	})

	t.Run("Caller header is never overwritten", func(t *testing.T) {
		g := csrf.NewGuard([]csrf.Source{&fakeSource{name: "meta", value: "abc"}})
		h := http.Header{}
		h.Set(csrf.HeaderName, "mine")
		require.True(t, g.Inject(ctx, h, http.MethodDelete))
		require.Equal(t, "mine", h.Get(csrf.HeaderName))
	})

	t.Run("No token available proceeds without one", func(t *testing.T) {
		g := csrf.NewGuard([]csrf.Source{&fakeSource{name: "meta"}})
		h := http.Header{}
		require.False(t, g.Inject(ctx, h, http.MethodPut))
		require.Empty(t, h.Get(csrf.HeaderName))

		_, err := g.Token(ctx)
		require.ErrorIs(t, err, csrf.ErrUnavailable)
	})
}

func TestExtractMeta(t *testing.T) {
	doc := `<!doctype html><html><head>
		<meta charset="utf-8">
		<meta name="CSRF-Token" content="tok-123">
	</head><body></body></html>`
	value, err := csrf.ExtractMeta(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "tok-123", value)

	_, err = csrf.ExtractMeta(strings.NewReader(`<html><head></head></html>`))
	require.ErrorIs(t, err, csrf.ErrUnavailable)
}

func TestMetaSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><head><meta name="csrf-token" content="page-token"></head></html>`))
	}))
	defer srv.Close()

	value, err := csrf.NewMetaSource(srv.Client(), srv.URL+"/").Lookup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "page-token", value)

	_, err = csrf.NewMetaSource(srv.Client(), srv.URL+"/missing").Lookup(context.Background())
	require.ErrorIs(t, err, csrf.ErrUnavailable)
}

func TestCookieSource(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, err := url.Parse("http://api.example.test/")
	require.NoError(t, err)

	src := csrf.NewCookieSource(jar, u)
	_, err = src.Lookup(context.Background())
	require.ErrorIs(t, err, csrf.ErrUnavailable)

	jar.SetCookies(u, []*http.Cookie{{Name: "CSRF-TOKEN", Value: "a%2Bb%3D"}})
	value, err := src.Lookup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a+b=", value)

	jar.SetCookies(u, []*http.Cookie{{Name: "XSRF-TOKEN", Value: "preferred"}})
	value, err = src.Lookup(context.Background())
	require.NoError(t, err)
	require.Equal(t, "preferred", value)
}
