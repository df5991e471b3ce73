// Package kv provides the state store: string keys mapped to string values
// with optional per-key TTL. No operation spans more than one key, and every
// counter built on top of it is a plain read-then-write.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("key not found")

// Store is a TTL key/value store. Implementations must be safe for
// concurrent use. A ttl of zero means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

// GetInt reads an integer counter. A missing key reads as zero.
// Values that do not parse are also treated as zero, matching a counter
// that was never written.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// PutInt writes an integer counter.
func PutInt(ctx context.Context, s Store, key string, n int64, ttl time.Duration) error {
	return s.Put(ctx, key, strconv.FormatInt(n, 10), ttl)
}

// Increment reads a counter, adds one, and writes it back with ttl.
// It is not atomic: concurrent callers can lose increments.
func Increment(ctx context.Context, s Store, key string, ttl time.Duration) (int64, error) {
	n, err := GetInt(ctx, s, key)
	if err != nil {
		return 0, err
	}
	n++
	if err := PutInt(ctx, s, key, n, ttl); err != nil {
		return 0, err
	}
	return n, nil
}

// GetJSON reads and decodes a JSON value.
// Returns ErrNotFound if the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes and writes a JSON value.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(ctx, key, string(data), ttl)
}
