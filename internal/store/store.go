// Package store provides durable key-value persistence for client state.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// KV defines the durable storage used for identity state.
// Keys written by one PutMany are committed together or not at all.
type KV interface {
	// GetMany returns the values of the keys that exist. Missing keys are
	// absent from the map, not errors.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)

	// PutMany writes all values atomically.
	PutMany(ctx context.Context, values map[string]string) error

	// DeleteMany removes the keys. Missing keys are ignored.
	DeleteMany(ctx context.Context, keys ...string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
