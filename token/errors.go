package token

import "github.com/jrsteele09/go-secure-gateway/internal/errors"

var (
	// ErrNoToken is returned when no usable token is stored for the session.
	ErrNoToken = errors.New("token: no token stored")
	// ErrAuthExpired is returned when the stored token expired or the session went inactive.
	// Callers should re-authenticate.
	ErrAuthExpired = errors.New("token: authentication expired")
)
