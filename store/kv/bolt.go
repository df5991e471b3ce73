package kv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt implements Store using bbolt. Expired keys are hidden from Get as
// soon as their TTL elapses and physically removed by DeleteExpired, which
// the Reaper calls on a schedule.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened state store", "path", path, "noSync", b.noSync)
	return b, nil
}

func (b *Bolt) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketValues, bucketByExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing state store")
	return b.db.Close()
}

// Get returns the value for key, or ErrNotFound if it is absent or expired.
func (b *Bolt) Get(_ context.Context, key string) (string, error) {
	var value string
	now := b.now()
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketValues).Get([]byte(key))
		if len(data) < 8 {
			return ErrNotFound
		}
		if expiresAt, ok := decodeTimestamp(data[:8]); ok && !now.Before(expiresAt) {
			return ErrNotFound
		}
		value = string(data[8:])
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Put stores value under key. A positive ttl sets an expiry; zero clears it.
func (b *Bolt) Put(_ context.Context, key, value string, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketValues)
		byExpiry := tx.Bucket(bucketByExpiry)

		if err := removeExpiryIndex(values, byExpiry, key); err != nil {
			return err
		}

		var expiresAt time.Time
		hasExpiry := ttl > 0
		if hasExpiry {
			expiresAt = b.now().Add(ttl)
			if err := byExpiry.Put(makeExpiryKey(expiresAt, key), []byte(key)); err != nil {
				return fmt.Errorf("putting expiry index: %w", err)
			}
		}

		if err := values.Put([]byte(key), encodeValue(expiresAt, hasExpiry, value)); err != nil {
			return fmt.Errorf("putting %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key. Missing keys are not an error.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketValues)
		if err := removeExpiryIndex(values, tx.Bucket(bucketByExpiry), key); err != nil {
			return err
		}
		if err := values.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
		return nil
	})
}

// DeleteExpired removes up to limit keys whose expiry is before the given
// time. A limit of zero removes all of them. Returns the number removed.
func (b *Bolt) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	beforeTs := encodeTimestamp(before)
	deleted := 0

	err := b.db.Update(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketValues)
		byExpiry := tx.Bucket(bucketByExpiry)

		var expiredKeys, indexKeys [][]byte
		cursor := byExpiry.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}
			if limit > 0 && len(expiredKeys) >= limit {
				break
			}
			expiredKeys = append(expiredKeys, bytes.Clone(v))
			indexKeys = append(indexKeys, bytes.Clone(k))
		}

		for i, key := range expiredKeys {
			if err := byExpiry.Delete(indexKeys[i]); err != nil {
				return fmt.Errorf("deleting expiry index: %w", err)
			}
			if err := values.Delete(key); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Len returns the number of stored keys, expired or not.
func (b *Bolt) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketValues).Stats().KeyN
		return nil
	})
	return n, err
}

// removeExpiryIndex drops the index entry for key's current expiry, if any.
func removeExpiryIndex(values, byExpiry *bbolt.Bucket, key string) error {
	old := values.Get([]byte(key))
	if old == nil {
		return nil
	}
	expiresAt, ok := decodeTimestamp(old)
	if !ok {
		return nil
	}
	if err := byExpiry.Delete(makeExpiryKey(expiresAt, key)); err != nil {
		return fmt.Errorf("deleting old expiry index: %w", err)
	}
	return nil
}

// Compile-time interface checks
var _ Store = (*Bolt)(nil)
