package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestBolt opens a Bolt store in a temp dir with a controllable clock.
func newTestBolt(t *testing.T, now *time.Time) *Bolt {
	t.Helper()
	opts := []BoltOption{WithNoSync(true)}
	if now != nil {
		opts = append(opts, WithNow(func() time.Time { return *now }))
	}
	b, err := OpenBolt(filepath.Join(t.TempDir(), "state.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoltPutGet(t *testing.T) {
	b := newTestBolt(t, nil)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "hash:abc", `{"url":"x"}`, 0))

	v, err := b.Get(ctx, "hash:abc")
	require.NoError(t, err)
	require.Equal(t, `{"url":"x"}`, v)
}

func TestBoltGetMissing(t *testing.T) {
	b := newTestBolt(t, nil)

	_, err := b.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltTTLHidesExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBolt(t, &now)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "ts:token", "1", 5*time.Minute))

	now = now.Add(4 * time.Minute)
	v, err := b.Get(ctx, "ts:token")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	now = now.Add(time.Minute)
	_, err = b.Get(ctx, "ts:token")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltPutReplacesTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBolt(t, &now)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "k", "v1", time.Minute))
	require.NoError(t, b.Put(ctx, "k", "v2", 0))

	now = now.Add(time.Hour)
	v, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", v)

	// The old expiry index entry must be gone, so nothing is reaped.
	n, err := b.DeleteExpired(ctx, now, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBoltDelete(t *testing.T) {
	b := newTestBolt(t, nil)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "k", "v", time.Hour))
	require.NoError(t, b.Delete(ctx, "k"))
	require.NoError(t, b.Delete(ctx, "k"))

	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltDeleteExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBolt(t, &now)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "short1", "v", time.Minute))
	require.NoError(t, b.Put(ctx, "short2", "v", 2*time.Minute))
	require.NoError(t, b.Put(ctx, "long", "v", time.Hour))
	require.NoError(t, b.Put(ctx, "forever", "v", 0))

	n, err := b.DeleteExpired(ctx, now.Add(5*time.Minute), 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = b.DeleteExpired(ctx, now.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	count, err := b.Len()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
