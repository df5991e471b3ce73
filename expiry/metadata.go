// Package expiry owns the lifecycle of stored objects: the per-object
// metadata record, delivery with expire-on-access, and the background sweep.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/img2url/store/kv"
)

// ErrMetadataNotFound is returned when an object has no metadata record.
var ErrMetadataNotFound = errors.New("metadata not found")

const (
	// PermanentTTL is how long the metadata of a never-expiring object is kept.
	PermanentTTL = 365 * 24 * time.Hour

	// MetadataGrace keeps a record readable past its expiry time so the
	// sweep can still see that the object is due.
	MetadataGrace = 7 * 24 * time.Hour
)

// ObjectMetadata describes a stored object. Times are unix milliseconds.
type ObjectMetadata struct {
	// ExpiryTime is nil for objects that never expire.
	ExpiryTime   *int64 `json:"expiryTime"`
	Expiration   int    `json:"expiration"`
	UploadTime   int64  `json:"uploadTime"`
	Size         int64  `json:"size"`
	UploaderIP   string `json:"uploaderIP"`
	UserAgent    string `json:"userAgent"`
	OriginalType string `json:"originalType"`
}

// NewMetadata builds the record for an object uploaded at now that expires
// after days. Zero days means the object never expires.
func NewMetadata(now time.Time, days int, size int64, ip, userAgent, originalType string) *ObjectMetadata {
	meta := &ObjectMetadata{
		Expiration:   days,
		UploadTime:   now.UnixMilli(),
		Size:         size,
		UploaderIP:   ip,
		UserAgent:    userAgent,
		OriginalType: originalType,
	}
	if days > 0 {
		at := now.Add(time.Duration(days) * 24 * time.Hour).UnixMilli()
		meta.ExpiryTime = &at
	}
	return meta
}

// Permanent reports whether the object never expires.
func (m *ObjectMetadata) Permanent() bool {
	return m.ExpiryTime == nil
}

// ExpiresAt returns the expiry time. The bool is false for permanent objects.
func (m *ObjectMetadata) ExpiresAt() (time.Time, bool) {
	if m.ExpiryTime == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*m.ExpiryTime), true
}

// Expired reports whether the expiry time has passed at now.
func (m *ObjectMetadata) Expired(now time.Time) bool {
	at, ok := m.ExpiresAt()
	return ok && now.After(at)
}

// TTL is the state store lifetime of the record.
func (m *ObjectMetadata) TTL() time.Duration {
	if m.Expiration <= 0 {
		return PermanentTTL
	}
	return time.Duration(m.Expiration)*24*time.Hour + MetadataGrace
}

// MetadataStore keeps ObjectMetadata in the state store, keyed by the
// object key.
type MetadataStore struct {
	store kv.Store
}

// NewMetadataStore creates a new metadata store.
func NewMetadataStore(store kv.Store) *MetadataStore {
	return &MetadataStore{store: store}
}

// Get retrieves metadata for an object key.
func (m *MetadataStore) Get(ctx context.Context, key string) (*ObjectMetadata, error) {
	var meta ObjectMetadata
	if err := kv.GetJSON(ctx, m.store, key, &meta); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrMetadataNotFound
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return &meta, nil
}

// Put stores metadata for an object key with the record's TTL.
func (m *MetadataStore) Put(ctx context.Context, key string, meta *ObjectMetadata) error {
	if err := kv.PutJSON(ctx, m.store, key, meta, meta.TTL()); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// Delete removes metadata for an object key.
func (m *MetadataStore) Delete(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	return nil
}
