// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestTagsKey contextKey = "request_tags"
	// categoryKey propagates the record category to work that outlives the request.
	categoryKey contextKey = "category"
)

// Source identifies where the data returned by a request came from.
type Source string

const (
	SourceMirror   Source = "mirror"
	SourceSnapshot Source = "snapshot"
	SourceNone     Source = "none"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Category string
	Source   Source
	Endpoint string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Source: SourceNone}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetSource sets where the response data came from.
func SetSource(r *http.Request, source Source) {
	if tags := GetTags(r); tags != nil {
		tags.Source = source
	}
}

// SetCategory sets the record category tag.
func SetCategory(r *http.Request, category string) {
	if tags := GetTags(r); tags != nil {
		tags.Category = category
	}
}

// SetEndpoint records the mirror endpoint contacted while serving the
// request carried by ctx. It is a no-op outside a tagged request and must be
// called from the request's goroutine.
func SetEndpoint(ctx context.Context, endpoint string) {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		tags.Endpoint = endpoint
	}
}

// CategoryFromContext retrieves the category from a context.
// It checks both background contexts (set by WithCategoryContext) and
// request contexts (set by SetCategory via InjectTags).
func CategoryFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(categoryKey).(string); ok && c != "" {
		return c
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Category
	}
	return ""
}

// WithCategoryContext returns a context with the category stored.
func WithCategoryContext(ctx context.Context, category string) context.Context {
	return context.WithValue(ctx, categoryKey, category)
}
