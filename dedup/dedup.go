// Package dedup maps the content hash of an upload to the stored object it
// produced, so identical bytes uploaded again return the existing URL.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/img2url"
	"github.com/wolfeidau/img2url/store/kv"
)

// DefaultTTL is how long a hash record lives after its last upload.
const DefaultTTL = 30 * 24 * time.Hour

// Record is the stored pointer from a content hash to its object.
type Record struct {
	URL            string    `json:"url"`
	FileName       string    `json:"fileName"`
	Code           string    `json:"code"`
	Timestamp      time.Time `json:"timestamp"`
	UploadCount    int64     `json:"uploadCount"`
	LastUploadTime time.Time `json:"lastUploadTime"`
}

// Index is a best-effort dedup accelerator over the state store. Records can
// outlive their objects, so callers must confirm the object still exists
// before trusting a hit.
type Index struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithTTL overrides the record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(ix *Index) {
		ix.ttl = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(ix *Index) {
		ix.now = now
	}
}

// New creates an Index.
func New(store kv.Store, opts ...Option) *Index {
	ix := &Index{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Key returns the state store key for a content hash.
func Key(h img2url.Hash) string {
	return "hash:" + h.String()
}

// Lookup returns the record for h. The bool is false when there is none.
func (ix *Index) Lookup(ctx context.Context, h img2url.Hash) (*Record, bool, error) {
	var rec Record
	if err := kv.GetJSON(ctx, ix.store, Key(h), &rec); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading hash record: %w", err)
	}
	if rec.UploadCount < 1 {
		rec.UploadCount = 1
	}
	return &rec, true, nil
}

// Touch records a repeat upload: the counter goes up by one, the last upload
// time moves to now and the TTL restarts. The updated record is returned.
func (ix *Index) Touch(ctx context.Context, h img2url.Hash, rec *Record) (*Record, error) {
	updated := *rec
	updated.UploadCount++
	updated.LastUploadTime = ix.now().UTC()
	if err := kv.PutJSON(ctx, ix.store, Key(h), &updated, ix.ttl); err != nil {
		return nil, fmt.Errorf("refreshing hash record: %w", err)
	}
	return &updated, nil
}

// Put writes a fresh record for a newly stored object.
func (ix *Index) Put(ctx context.Context, h img2url.Hash, url, code string) (*Record, error) {
	now := ix.now().UTC()
	rec := &Record{
		URL:            url,
		FileName:       img2url.ObjectKey(code),
		Code:           code,
		Timestamp:      now,
		UploadCount:    1,
		LastUploadTime: now,
	}
	if err := kv.PutJSON(ctx, ix.store, Key(h), rec, ix.ttl); err != nil {
		return nil, fmt.Errorf("writing hash record: %w", err)
	}
	return rec, nil
}

// Forget drops the record for h.
func (ix *Index) Forget(ctx context.Context, h img2url.Hash) error {
	if err := ix.store.Delete(ctx, Key(h)); err != nil {
		return fmt.Errorf("deleting hash record: %w", err)
	}
	return nil
}
