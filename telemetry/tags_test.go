package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsSourceToNone(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, SourceNone, tags.Source)
	require.Empty(t, tags.Category)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetCategory(r, "plugins")
	SetSource(r, SourceMirror)
	SetEndpoint(r.Context(), "plugin-info-bulk")
	SetEndpoint(context.Background(), "plugin-info-bulk")
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetCategory(r, "themes")
	SetSource(r, SourceMirror)
	SetEndpoint(r.Context(), "theme-info-bulk")

	require.Equal(t, "themes", tags.Category)
	require.Equal(t, SourceMirror, tags.Source)
	require.Equal(t, "theme-info-bulk", tags.Endpoint)
}

func TestCategoryFromContext(t *testing.T) {
	require.Empty(t, CategoryFromContext(context.Background()))

	ctx := WithCategoryContext(context.Background(), "core")
	require.Equal(t, "core", CategoryFromContext(ctx))

	r := newTaggedRequest()
	SetCategory(r, "plugins")
	require.Equal(t, "plugins", CategoryFromContext(r.Context()))
}
