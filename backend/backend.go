// Package backend provides the content store that holds uploaded image bytes.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that cannot name a stored object.
	ErrInvalidKey = errors.New("invalid key")
)

// DefaultContentType is reported for objects stored without a content type.
const DefaultContentType = "application/octet-stream"

// Object is a stored blob returned by Get.
// The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	StoredAt    time.Time
}

// Entry is a single key in a listing page.
type Entry struct {
	Key  string
	Size int64
}

// ListPage is one page of a listing. An empty NextPageToken means the
// listing is complete.
type ListPage struct {
	Entries       []Entry
	NextPageToken string
}

// Backend defines the interface for content stores.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put stores data at the given key with its content type.
	// If the key already exists, it is overwritten.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Get retrieves the object at the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*Object, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns up to limit entries in key order, starting after pageToken.
	// An empty pageToken starts from the beginning.
	List(ctx context.Context, pageToken string, limit int) (*ListPage, error)
}

// ErrStopWalk can be returned by a Walk callback to end the listing early
// without reporting an error.
var ErrStopWalk = errors.New("stop walk")

// WalkResult summarises a Walk.
type WalkResult struct {
	Pages     int
	Entries   int
	Truncated bool
}

// Walk pages through the whole backend, handing each page to fn. Only one
// page is held in memory at a time. When maxPages is positive the walk stops
// after that many pages and reports Truncated if more remained.
func Walk(ctx context.Context, b Backend, pageSize, maxPages int, fn func([]Entry) error) (WalkResult, error) {
	var res WalkResult
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if maxPages > 0 && res.Pages >= maxPages {
			res.Truncated = true
			return res, nil
		}

		page, err := b.List(ctx, token, pageSize)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Entries += len(page.Entries)

		if len(page.Entries) > 0 {
			if err := fn(page.Entries); err != nil {
				if errors.Is(err, ErrStopWalk) {
					return res, nil
				}
				return res, err
			}
		}

		if page.NextPageToken == "" {
			return res, nil
		}
		token = page.NextPageToken
	}
}
