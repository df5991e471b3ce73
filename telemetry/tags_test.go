package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsResultToNA(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, ResultNA, tags.Result)
	require.Empty(t, tags.Route)
	require.Empty(t, tags.ErrorCode)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
	require.Nil(t, TagsFromContext(r.Context()))
}

func TestSetRoute(t *testing.T) {
	r := newTaggedRequest()
	SetRoute(r, "upload")
	require.Equal(t, "upload", GetTags(r).Route)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// should not panic
	SetRoute(r, "upload")
	SetResult(r, ResultStored)
	SetErrorCode(r, "FILE_TOO_LARGE")
}

func TestSetErrorCodeMarksRejected(t *testing.T) {
	r := newTaggedRequest()
	SetResult(r, ResultStored)
	SetErrorCode(r, "UPLOAD_FAILED")

	tags := GetTags(r)
	require.Equal(t, "UPLOAD_FAILED", tags.ErrorCode)
	require.Equal(t, ResultRejected, tags.Result)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRoute(r, "delivery")
	SetResult(r, ResultGone)

	require.Equal(t, "delivery", tags.Route)
	require.Equal(t, ResultGone, tags.Result)
	require.Same(t, tags, TagsFromContext(r.Context()))
}
