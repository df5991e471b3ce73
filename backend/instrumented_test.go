package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedBackend_PutGet(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Put(ctx, "abc12345.jpg", strings.NewReader(content), "image/jpeg"))

	obj, err := ib.Get(ctx, "abc12345.jpg")
	require.NoError(t, err)

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.Equal(t, "image/jpeg", obj.ContentType)
	require.NoError(t, obj.Body.Close())
}

func TestInstrumentedBackend_GetNotFound(t *testing.T) {
	ib := newInstrumented(t)

	_, err := ib.Get(context.Background(), "missing1.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ExistsDelete(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "abc12345.jpg")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Put(ctx, "abc12345.jpg", strings.NewReader("data"), "image/jpeg"))
	exists, err = ib.Exists(ctx, "abc12345.jpg")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Delete(ctx, "abc12345.jpg"))
	exists, err = ib.Exists(ctx, "abc12345.jpg")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_List(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Put(ctx, "aaaaaaaa.jpg", strings.NewReader("a"), "image/jpeg"))
	require.NoError(t, ib.Put(ctx, "bbbbbbbb.jpg", strings.NewReader("b"), "image/jpeg"))

	page, err := ib.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Empty(t, page.NextPageToken)
}

func TestInstrumentedBackend_Unwrap(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
