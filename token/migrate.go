package token

import (
	"context"
	"encoding/json"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
)

// MigrationResult counts what MigrateLegacy did with the durable copies it found.
type MigrationResult struct {
	Migrated  int
	Discarded int
}

// MigrateLegacy moves a still valid token left in the durable store by older clients
// into the session store and removes every durable copy. Expired, unreadable and
// superseded copies are discarded. A valid session token is never replaced.
func (s *Store) MigrateLegacy(ctx context.Context) (MigrationResult, error) {
	var result MigrationResult
	if s.durable == nil {
		return result, nil
	}

	keys, err := s.durable.Keys(ctx, LegacyPrefix)
	if err != nil {
		return result, errors.Wrap(err, "Store.MigrateLegacy Keys")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	var best *Token
	for _, key := range keys {
		tok, ok := s.readLegacy(ctx, key)
		if ok && tok.validAt(now, s.inactivityTimeout) == nil {
			if best == nil || tok.IssuedAt.After(best.IssuedAt) {
				if best != nil {
					result.Discarded++
				}
				best = tok
			} else {
				result.Discarded++
			}
		} else {
			result.Discarded++
		}

		if err := s.durable.Delete(ctx, key); err != nil {
			return result, errors.Wrap(err, "Store.MigrateLegacy Delete")
		}
	}

	if best == nil {
		return result, nil
	}
	if current, err := s.load(ctx); err == nil && current.validAt(now, s.inactivityTimeout) == nil {
		result.Discarded++
		return result, nil
	}
	if err := s.save(ctx, best); err != nil {
		return result, err
	}
	result.Migrated = 1

	s.logger.Info().Int("migrated", result.Migrated).Int("discarded", result.Discarded).Msg("legacy tokens migrated")
	return result, nil
}

// readLegacy decodes a durable copy, re-deriving its expiry from the claims when possible.
func (s *Store) readLegacy(ctx context.Context, key string) (*Token, bool) {
	raw, err := s.durable.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return nil, false
	}
	if c, ok := parseClaims(tok.AccessToken); ok {
		tok.ExpiresAt = c.expiresAt
		if tok.Subject == "" {
			tok.Subject = c.subject
		}
	}
	if tok.ExpiresAt.IsZero() {
		return nil, false
	}
	if tok.LastActivityAt.IsZero() {
		tok.LastActivityAt = tok.IssuedAt
	}
	return &tok, true
}
