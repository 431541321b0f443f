package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the session's credential pair together with its lifetime bookkeeping.
// ExpiresAt is always derived from the access token's claims.
type Token struct {
	AccessToken    string    `json:"accessToken"`
	RefreshToken   string    `json:"refreshToken,omitempty"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Subject        string    `json:"subject,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
}

// validAt reports nil when the token may be used at now.
func (t *Token) validAt(now time.Time, inactivityTimeout time.Duration) error {
	if t.AccessToken == "" {
		return ErrNoToken
	}
	if !now.Before(t.ExpiresAt) {
		return ErrAuthExpired
	}
	if inactivityTimeout > 0 && now.Sub(t.LastActivityAt) >= inactivityTimeout {
		return ErrAuthExpired
	}
	return nil
}

// claims holds the fields read from an access token payload.
type claims struct {
	issuedAt  time.Time
	expiresAt time.Time
	subject   string
	sessionID string
}

// parseClaims reads the payload of a JWT without verifying its signature. Verification
// belongs to the backend; the gateway only needs the lifetime. ok is false when the
// token cannot be parsed or carries no exp claim.
func parseClaims(raw string) (c claims, ok bool) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mapClaims); err != nil {
		return c, false
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return c, false
	}
	c.expiresAt = exp.Time

	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		c.issuedAt = iat.Time
	}
	c.subject, _ = mapClaims.GetSubject()
	c.sessionID, _ = mapClaims["sid"].(string)
	return c, true
}
