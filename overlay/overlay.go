// Package overlay falls back to the mirror for on-demand info lookups when
// the primary API failed or returned nothing.
package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/wolfeidau/update-mirror/mirror"
	"github.com/wolfeidau/update-mirror/telemetry"
)

// ErrUnsupportedCategory is returned for categories other than plugins and themes.
var ErrUnsupportedCategory = errors.New("overlay: unsupported category")

// Result is a decoded API response object.
type Result map[string]json.RawMessage

// Requester performs mirror requests.
type Requester interface {
	Do(ctx context.Context, method, path string, body *mirror.Body) (*mirror.Response, error)
}

// RequestEncoder serialises the query arguments sent as the request field.
type RequestEncoder func(args any) (string, error)

// JSONRequestEncoder encodes args as JSON. Map keys are sorted.
func JSONRequestEncoder(args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Overlay resolves info lookups against the mirror.
type Overlay struct {
	client Requester
	encode RequestEncoder
	logger *slog.Logger
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithRequestEncoder replaces the argument encoder.
func WithRequestEncoder(enc RequestEncoder) Option {
	return func(o *Overlay) {
		o.encode = enc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Overlay) {
		o.logger = l
	}
}

// New creates an Overlay.
func New(client Requester, opts ...Option) *Overlay {
	o := &Overlay{
		client: client,
		encode: JSONRequestEncoder,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "overlay")
	return o
}

// Apply returns the mirror's answer in place of primary when primaryErr is
// set or primary's category field is empty, and the mirror has a non-empty
// answer. Otherwise primary and primaryErr are returned unchanged.
func (o *Overlay) Apply(ctx context.Context, category string, primary Result, primaryErr error, action string, args any) (Result, error) {
	path, err := apiPath(category)
	if err != nil {
		return primary, err
	}

	if primaryErr == nil && !IsEmpty(primary[category]) {
		telemetry.RecordOverlay(ctx, category, "skipped")
		return primary, nil
	}

	result, err := o.fetch(ctx, path, category, action, args)
	if err != nil {
		o.logger.DebugContext(ctx, "mirror overlay unavailable", "category", category, "action", action, "error", err)
		telemetry.RecordOverlay(ctx, category, "kept")
		return primary, primaryErr
	}

	telemetry.RecordOverlay(ctx, category, "replaced")
	return result, nil
}

func (o *Overlay) fetch(ctx context.Context, path, category, action string, args any) (Result, error) {
	request, err := o.encode(args)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	telemetry.SetEndpoint(ctx, mirror.EndpointName(path))
	resp, err := o.client.Do(telemetry.WithCategoryContext(ctx, category), http.MethodPost, path, mirror.FormBody(url.Values{
		"action":  {action},
		"request": {request},
	}))
	if err != nil {
		return nil, err
	}

	var result Result
	if err := mirror.DecodeJSON(resp, &result); err != nil {
		return nil, err
	}
	if IsEmpty(result[category]) {
		return nil, fmt.Errorf("%w: empty %s", mirror.ErrMalformedResponse, category)
	}
	return result, nil
}

func apiPath(category string) (string, error) {
	switch category {
	case "plugins":
		return mirror.PathPluginsAPI, nil
	case "themes":
		return mirror.PathThemesAPI, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCategory, category)
	}
}

// IsEmpty reports whether raw is absent or an empty value: null, false,
// zero, "", "0", [] or {}.
func IsEmpty(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}

	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == "" || x == "0"
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}
