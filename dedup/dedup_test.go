package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/img2url"
	"github.com/wolfeidau/img2url/store/kv"
)

func newTestStore(t *testing.T, now *time.Time) *kv.Bolt {
	t.Helper()
	store, err := kv.OpenBolt(filepath.Join(t.TempDir(), "state.db"),
		kv.WithNoSync(true),
		kv.WithNow(func() time.Time { return *now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKey(t *testing.T) {
	h := img2url.HashBytes([]byte("image"))
	require.Equal(t, "hash:"+h.String(), Key(h))
}

func TestLookupMiss(t *testing.T) {
	now := time.Now()
	ix := New(newTestStore(t, &now))

	rec, ok, err := ix.Lookup(context.Background(), img2url.HashBytes([]byte("nope")))
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, rec)
}

func TestPutTouchLookup(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)
	ix := New(store, WithNow(func() time.Time { return now }))
	ctx := context.Background()
	h := img2url.HashBytes([]byte("cat.png"))

	rec, err := ix.Put(ctx, h, "https://img.example/abc12345.jpg", "abc12345")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.UploadCount)
	require.Equal(t, "abc12345.jpg", rec.FileName)

	now = now.Add(time.Hour)
	got, ok, err := ix.Lookup(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)

	touched, err := ix.Touch(ctx, h, got)
	require.NoError(t, err)
	require.EqualValues(t, 2, touched.UploadCount)
	require.True(t, touched.LastUploadTime.Equal(now))
	require.True(t, touched.Timestamp.Equal(rec.Timestamp))

	again, ok, err := ix.Lookup(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, again.UploadCount)
	require.Equal(t, rec.URL, again.URL)
}

func TestRecordExpiresAfterTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)
	ix := New(store, WithNow(func() time.Time { return now }))
	ctx := context.Background()
	h := img2url.HashBytes([]byte("dog.png"))

	_, err := ix.Put(ctx, h, "u", "abc12345")
	require.NoError(t, err)

	now = now.Add(DefaultTTL)
	_, ok, err := ix.Lookup(ctx, h)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestForget(t *testing.T) {
	now := time.Now()
	ix := New(newTestStore(t, &now))
	ctx := context.Background()
	h := img2url.HashBytes([]byte("bird.png"))

	_, err := ix.Put(ctx, h, "u", "abc12345")
	require.NoError(t, err)
	require.NoError(t, ix.Forget(ctx, h))
	require.NoError(t, ix.Forget(ctx, h))

	_, ok, err := ix.Lookup(ctx, h)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLookupLegacyZeroCount(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, &now)
	ix := New(store)
	ctx := context.Background()
	h := img2url.HashBytes([]byte("legacy"))

	require.NoError(t, store.Put(ctx, Key(h), `{"url":"u","fileName":"abc12345.jpg"}`, 0))

	rec, ok, err := ix.Lookup(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, rec.UploadCount)
}
