package storage

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PutValue encodes v with msgpack and stores it under key.
func PutValue[T any](ctx context.Context, a Adapter, key string, v T) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return a.Set(ctx, key, data)
}

// GetValue loads the value stored under key and decodes it into a T.
// ErrNotFound is returned unwrapped so callers can test for it.
func GetValue[T any](ctx context.Context, a Adapter, key string) (T, error) {
	var v T
	data, err := a.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}
