package csrf

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	HeaderName = "X-CSRF-Token"
	DefaultTTL = time.Hour
)

// ErrUnavailable means no source produced a token. It is not fatal, the request
// goes out without one.
var ErrUnavailable = errors.New("csrf: token unavailable")

// Token is a cached anti-forgery token.
type Token struct {
	Value     string
	Source    string
	FetchedAt time.Time
	TTL       time.Duration
}

// Source produces a token value. Lookup returns ErrUnavailable when the source holds none.
type Source interface {
	Name() string
	Lookup(ctx context.Context) (string, error)
}

// Guard caches the token from the first source that has one and injects it into unsafe requests.
type Guard struct {
	sources []Source
	ttl     time.Duration
	nowFunc func() time.Time
	logger  zerolog.Logger

	mu     sync.Mutex
	cached *Token
}

type Option func(*Guard)

func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		g.ttl = ttl
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(g *Guard) {
		g.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a guard asking sources in the given order.
func NewGuard(sources []Source, options ...Option) *Guard {
	g := &Guard{
		sources: sources,
		ttl:     DefaultTTL,
		nowFunc: time.Now,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Token returns the cached token while it is younger than the TTL, otherwise it
// refetches from the sources.
func (g *Guard) Token(ctx context.Context) (Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	if g.cached != nil && now.Sub(g.cached.FetchedAt) < g.cached.TTL {
		return *g.cached, nil
	}
	g.cached = nil

	for _, src := range g.sources {
		value, err := src.Lookup(ctx)
		if errors.Is(err, ErrUnavailable) {
			continue
		}
		if err != nil {
			g.logger.Warn().Err(err).Str("source", src.Name()).Msg("csrf source lookup failed")
			continue
		}
		g.cached = &Token{Value: value, Source: src.Name(), FetchedAt: now, TTL: g.ttl}
		return *g.cached, nil
	}
	return Token{}, ErrUnavailable
}

// ShouldInject reports whether method changes state and needs a token.
func ShouldInject(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Inject sets the token header for unsafe methods. A header already set by the caller
// is left alone. It reports whether the header is present afterwards.
func (g *Guard) Inject(ctx context.Context, header http.Header, method string) bool {
	if !ShouldInject(method) {
		return false
	}
	if header.Get(HeaderName) != "" {
		return true
	}
	tok, err := g.Token(ctx)
	if err != nil {
		g.logger.Debug().Str("method", method).Msg("no csrf token to inject")
		return false
	}
	header.Set(HeaderName, tok.Value)
	return true
}

// Invalidate drops the cached token so the next call refetches it.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = nil
}
