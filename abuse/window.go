package abuse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wolfeidau/img2url/store/kv"
)

// Window is a fixed epoch-minute counter per IP. It is not a sliding
// window: a burst straddling a minute boundary can see up to twice the limit.
type Window struct {
	store  kv.Store
	prefix string
	limit  int64
	ttl    time.Duration
	now    func() time.Time
}

// NewWindow creates a counter whose keys look like "<prefix>:<ip>:<minute>".
func NewWindow(store kv.Store, prefix string, limit int64, ttl time.Duration, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{store: store, prefix: prefix, limit: limit, ttl: ttl, now: now}
}

// Key returns the counter key for ip in the current minute.
func (w *Window) Key(ip string) string {
	return w.prefix + ":" + ip + ":" + strconv.FormatInt(w.now().Unix()/60, 10)
}

// Count returns the current key and its count.
func (w *Window) Count(ctx context.Context, ip string) (string, int64, error) {
	key := w.Key(ip)
	n, err := kv.GetInt(ctx, w.store, key)
	if err != nil {
		return key, 0, fmt.Errorf("reading %s window: %w", w.prefix, err)
	}
	return key, n, nil
}

// Exceeded reports whether n is at or over the limit.
func (w *Window) Exceeded(n int64) bool {
	return n >= w.limit
}

// Record writes n+1 to key.
func (w *Window) Record(ctx context.Context, key string, n int64) error {
	if err := kv.PutInt(ctx, w.store, key, n+1, w.ttl); err != nil {
		return fmt.Errorf("writing %s window: %w", w.prefix, err)
	}
	return nil
}

// Allow counts one hit for ip, returning false without recording when the
// window is already full.
func (w *Window) Allow(ctx context.Context, ip string) (bool, error) {
	key, n, err := w.Count(ctx, ip)
	if err != nil {
		return false, err
	}
	if w.Exceeded(n) {
		return false, nil
	}
	return true, w.Record(ctx, key, n)
}
