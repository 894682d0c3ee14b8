// Package storage defines the pluggable persistent store the runtime and
// session layers depend on, plus an in-memory implementation for tests and
// non-persistent hosts. Durable implementations live in the badgerstore and
// postgres sub-packages.
//
// The contract is deliberately small: opaque blobs keyed by string, with
// get/set/delete/clear semantics. Implementations serialise their own writes.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("storage: closed")
)

// Adapter is the persistent key/value capability used by the runtime host
// and the session/agency stores.
type Adapter interface {
	// Open prepares the adapter for use. Calling Open on an open adapter is a
	// no-op.
	Open(ctx context.Context) error

	// Get returns a copy of the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key starting with prefix in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key.
	Clear(ctx context.Context) error

	// Close releases resources. Close is idempotent.
	Close() error
}

// Factory builds a fresh, unopened adapter. The runtime host calls it once
// per engine build.
type Factory func(ctx context.Context) (Adapter, error)
