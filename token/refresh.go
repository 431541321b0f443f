package token

import (
	"context"
	"net/http"
	"time"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const DefaultRefreshWindow = time.Minute

// Refresher renews the stored token through the identity provider's token endpoint
// shortly before it expires. Concurrent refreshes share one grant request.
type Refresher struct {
	store   *Store
	config  *oauth2.Config
	window  time.Duration
	client  *http.Client
	group   singleflight.Group
	nowFunc func() time.Time
	logger  zerolog.Logger
}

type RefresherOption func(*Refresher)

// WithRefreshWindow sets how close to expiry a token must be before it is refreshed.
func WithRefreshWindow(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		r.window = d
	}
}

func WithHTTPClient(client *http.Client) RefresherOption {
	return func(r *Refresher) {
		r.client = client
	}
}

func WithRefresherNowFunc(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		r.nowFunc = now
	}
}

func WithRefresherLogger(logger zerolog.Logger) RefresherOption {
	return func(r *Refresher) {
		r.logger = logger
	}
}

func NewRefresher(store *Store, config *oauth2.Config, options ...RefresherOption) *Refresher {
	r := &Refresher{
		store:  store,
		config: config,
		window: DefaultRefreshWindow,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(r)
	}
	if r.nowFunc == nil {
		r.nowFunc = store.nowFunc
	}
	return r
}

// Ensure returns a valid token, refreshing it first when it expires within the
// refresh window. A failed refresh of a still valid token returns that token.
func (r *Refresher) Ensure(ctx context.Context) (*Token, error) {
	tok, err := r.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" || tok.ExpiresAt.Sub(r.nowFunc()) > r.window {
		return tok, nil
	}

	refreshed, err := r.Refresh(ctx)
	if errors.Is(err, ErrAuthExpired) {
		return nil, err
	}
	if err != nil {
		r.logger.Err(err).Msg("token refresh failed, using current token")
		return tok, nil
	}
	return refreshed, nil
}

// Refresh exchanges the stored refresh token for a new pair. A grant rejected by the
// provider clears the store and reports ErrAuthExpired.
func (r *Refresher) Refresh(ctx context.Context) (*Token, error) {
	v, err, shared := r.group.Do("refresh", func() (interface{}, error) {
		return r.refresh(ctx)
	})
	if shared {
		r.logger.Debug().Msg("joined in-flight token refresh")
	}
	if err != nil {
		return nil, err
	}
	cp := *v.(*Token)
	return &cp, nil
}

func (r *Refresher) refresh(ctx context.Context) (*Token, error) {
	current, err := r.store.Peek(ctx)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken == "" {
		return nil, errors.Wrapf(ErrAuthExpired, "token: no refresh token")
	}

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	next, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			if clearErr := r.store.Clear(ctx); clearErr != nil {
				r.logger.Err(clearErr).Msg("failed to clear rejected token")
			}
			return nil, errors.Wrapf(ErrAuthExpired, "token: refresh rejected (%d)", retrieveErr.Response.StatusCode)
		}
		return nil, errors.Wrap(err, "Refresher.refresh Token")
	}

	refreshToken := next.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}
	return r.store.Set(ctx, next.AccessToken, refreshToken)
}
