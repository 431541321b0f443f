package kvstore

import (
	"context"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.ErrNotFound

// Store is the key-value capability every persistent component depends on.
// The session-scoped token store, the durable legacy store, the cache snapshot
// and the audit backup are all separate Store instances (or key prefixes).
type Store interface {
	// Get returns the value for key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set creates or replaces the value for key
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Keys lists the keys starting with prefix, in no particular order
	Keys(ctx context.Context, prefix string) ([]string, error)
}
