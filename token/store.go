package token

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// SessionKey is the session store key holding the token metadata.
	SessionKey = "auth:token"
	// LegacyPrefix prefixes tokens that older clients kept in the durable store.
	LegacyPrefix = "legacy:token:"

	DefaultLifetime          = 15 * time.Minute
	DefaultInactivityTimeout = 30 * time.Minute
)

// Store keeps the current token pair in a session scoped kvstore. It never writes
// tokens to a durable store.
type Store struct {
	session           kvstore.Store
	durable           kvstore.Store
	inactivityTimeout time.Duration
	defaultLifetime   time.Duration
	nowFunc           func() time.Time
	logger            zerolog.Logger
	mu                sync.Mutex
}

type StoreOption func(*Store)

func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

func WithInactivityTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.inactivityTimeout = d
	}
}

// WithDefaultLifetime sets the lifetime used when the access token has no readable exp claim.
func WithDefaultLifetime(d time.Duration) StoreOption {
	return func(s *Store) {
		s.defaultLifetime = d
	}
}

// WithDurableStore sets the store scanned by MigrateLegacy.
func WithDurableStore(durable kvstore.Store) StoreOption {
	return func(s *Store) {
		s.durable = durable
	}
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(session kvstore.Store, options ...StoreOption) *Store {
	s := &Store{
		session: session,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}

	if s.inactivityTimeout == 0 {
		s.inactivityTimeout = DefaultInactivityTimeout
	}
	if s.defaultLifetime == 0 {
		s.defaultLifetime = DefaultLifetime
	}
	if s.nowFunc == nil {
		s.nowFunc = time.Now
	}
	return s
}

// Set stores a new token pair, replacing any previous one. The lifetime comes from
// the access token claims, falling back to the default lifetime.
func (s *Store) Set(ctx context.Context, accessToken, refreshToken string) (*Token, error) {
	if accessToken == "" {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "token: empty access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	tok := &Token{
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		IssuedAt:       now,
		LastActivityAt: now,
	}

	c, ok := parseClaims(accessToken)
	if ok {
		tok.ExpiresAt = c.expiresAt
		if !c.issuedAt.IsZero() {
			tok.IssuedAt = c.issuedAt
		}
		tok.Subject = c.subject
		tok.SessionID = c.sessionID
	} else {
		tok.ExpiresAt = now.Add(s.defaultLifetime)
		s.logger.Warn().Dur("fallback", s.defaultLifetime).Msg("access token has no readable expiry")
	}

	if tok.SessionID == "" {
		if current, err := s.load(ctx); err == nil && current.SessionID != "" {
			tok.SessionID = current.SessionID
		} else {
			tok.SessionID = uuid.New().String()
		}
	}

	if err := s.save(ctx, tok); err != nil {
		return nil, err
	}
	cp := *tok
	return &cp, nil
}

// Get returns the token when it is valid and records the activity. An expired or
// inactive token is purged and ErrAuthExpired returned.
func (s *Store) Get(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	if err := tok.validAt(now, s.inactivityTimeout); err != nil {
		s.purge(ctx)
		return nil, err
	}

	tok.LastActivityAt = now
	if err := s.save(ctx, tok); err != nil {
		return nil, err
	}
	cp := *tok
	return &cp, nil
}

// Peek returns the stored token if it is valid without recording activity.
func (s *Store) Peek(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := tok.validAt(s.nowFunc(), s.inactivityTimeout); err != nil {
		return nil, err
	}
	return tok, nil
}

// IsValid reports whether a usable token is stored. It does not touch or purge anything.
func (s *Store) IsValid(ctx context.Context) bool {
	_, err := s.Peek(ctx)
	return err == nil
}

// Clear removes the token pair.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.session.Delete(ctx, SessionKey), "Store.Clear Delete")
}

// Sweep purges the stored token when it is expired, inactive or unreadable.
// It reports whether anything was purged.
func (s *Store) Sweep(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.load(ctx)
	if errors.Is(err, ErrNoToken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if tok.validAt(s.nowFunc(), s.inactivityTimeout) == nil {
		return false, nil
	}
	if err := s.session.Delete(ctx, SessionKey); err != nil {
		return false, errors.Wrap(err, "Store.Sweep Delete")
	}
	return true, nil
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Err(err).Msg("token sweep failed")
				continue
			}
			if purged {
				s.logger.Info().Msg("purged expired session token")
			}
		}
	}
}

// load reads the stored token. Missing and corrupted blobs both report ErrNoToken;
// a corrupted blob is purged on the way.
func (s *Store) load(ctx context.Context) (*Token, error) {
	raw, err := s.session.Get(ctx, SessionKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "Store.load Get")
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" || tok.ExpiresAt.IsZero() {
		s.logger.Warn().Msg("discarding unreadable token metadata")
		s.purge(ctx)
		return nil, ErrNoToken
	}
	return &tok, nil
}

func (s *Store) save(ctx context.Context, tok *Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "Store.save Marshal")
	}
	return errors.Wrap(s.session.Set(ctx, SessionKey, raw), "Store.save Set")
}

func (s *Store) purge(ctx context.Context) {
	if err := s.session.Delete(ctx, SessionKey); err != nil {
		s.logger.Err(err).Msg("failed to purge session token")
	}
}
