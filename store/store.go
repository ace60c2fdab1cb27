// Package store provides the durable key-value option storage used to persist
// mirror snapshots, health state and notices.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an option does not exist.
var ErrNotFound = errors.New("store: not found")

// OptionStore is a durable key-value store for small option values.
// Implementations must be safe for concurrent use.
type OptionStore interface {
	// Get retrieves the value stored at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	// Keys returns all keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
