package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "images")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemPutGet(t *testing.T) {
	fs := newTestFilesystem(t)
	stored := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	fs.now = func() time.Time { return stored }

	ctx := context.Background()
	data := []byte("hello, world!")

	require.NoError(t, fs.Put(ctx, "abc12345.jpg", bytes.NewReader(data), "image/jpeg"))

	obj, err := fs.Get(ctx, "abc12345.jpg")
	require.NoError(t, err)
	defer func() { _ = obj.Body.Close() }()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, "image/jpeg", obj.ContentType)
	require.EqualValues(t, len(data), obj.Size)
	require.True(t, stored.Equal(obj.StoredAt))

	// Sharded by the first two characters.
	_, err = os.Stat(filepath.Join(fs.Root(), "ab", "abc12345.jpg"))
	require.NoError(t, err)
}

func TestFilesystemGetDefaultContentType(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "abc12345.jpg", bytes.NewReader([]byte("x")), ""))

	obj, err := fs.Get(ctx, "abc12345.jpg")
	require.NoError(t, err)
	defer func() { _ = obj.Body.Close() }()
	require.Equal(t, DefaultContentType, obj.ContentType)
}

func TestFilesystemGetNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Get(context.Background(), "missing1.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemInvalidKey(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape.jpg", "a/b.jpg", ".tmp-1"} {
		err := fs.Put(ctx, key, bytes.NewReader(nil), "image/jpeg")
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "abc12345.jpg")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Put(ctx, "abc12345.jpg", bytes.NewReader([]byte("data")), "image/jpeg"))

	exists, err = fs.Exists(ctx, "abc12345.jpg")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "abc12345.jpg", bytes.NewReader([]byte("data")), "image/jpeg"))
	require.NoError(t, fs.Delete(ctx, "abc12345.jpg"))

	exists, err := fs.Exists(ctx, "abc12345.jpg")
	require.NoError(t, err)
	require.False(t, exists)

	// Deleting again is a no-op.
	require.NoError(t, fs.Delete(ctx, "abc12345.jpg"))
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "abc12345.jpg", bytes.NewReader([]byte("original")), "image/png"))
	require.NoError(t, fs.Put(ctx, "abc12345.jpg", bytes.NewReader([]byte("new")), "image/jpeg"))

	obj, err := fs.Get(ctx, "abc12345.jpg")
	require.NoError(t, err)
	defer func() { _ = obj.Body.Close() }()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
	require.Equal(t, "image/jpeg", obj.ContentType)
}

func TestFilesystemListPaginates(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	var want []string
	for i := range 25 {
		key := fmt.Sprintf("%02dcode00.jpg", i)
		want = append(want, key)
		require.NoError(t, fs.Put(ctx, key, bytes.NewReader(bytes.Repeat([]byte("x"), i+1)), "image/jpeg"))
	}

	// Temp files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "00", ".tmp-999"), []byte("junk"), 0644))

	var got []string
	var sizes []int64
	token := ""
	pages := 0
	for {
		page, err := fs.List(ctx, token, 10)
		require.NoError(t, err)
		pages++
		for _, e := range page.Entries {
			got = append(got, e.Key)
			sizes = append(sizes, e.Size)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	require.Equal(t, 3, pages)
	require.Equal(t, want, got)
	for i, s := range sizes {
		require.EqualValues(t, i+1, s)
	}
}

func TestFilesystemListEmpty(t *testing.T) {
	fs := newTestFilesystem(t)

	page, err := fs.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Entries)
	require.Empty(t, page.NextPageToken)
}

func TestWalkStopsAtMaxPages(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, fs.Put(ctx, fmt.Sprintf("k%dcode00.jpg", i), bytes.NewReader([]byte("ab")), "image/jpeg"))
	}

	var seen int
	res, err := Walk(ctx, fs, 2, 2, func(entries []Entry) error {
		seen += len(entries)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 4, seen)
	require.Equal(t, 2, res.Pages)
	require.True(t, res.Truncated)

	seen = 0
	res, err = Walk(ctx, fs, 2, 0, func(entries []Entry) error {
		seen += len(entries)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, seen)
	require.False(t, res.Truncated)
}

func TestWalkStopWalk(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for i := range 4 {
		require.NoError(t, fs.Put(ctx, fmt.Sprintf("k%dcode00.jpg", i), bytes.NewReader([]byte("ab")), "image/jpeg"))
	}

	res, err := Walk(ctx, fs, 1, 0, func([]Entry) error { return ErrStopWalk })
	require.NoError(t, err)
	require.Equal(t, 1, res.Pages)
}

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}
