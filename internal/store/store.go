// Package store is the persistence collaborator: a key/value contract
// used for optional durability of rate and recovery state across
// restarts. The default configuration is in-memory and resets on
// restart; a Postgres implementation is available when durability is
// wanted.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is the simple get/set-by-key contract the core depends on. The
// core never assumes anything about the backing schema.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
