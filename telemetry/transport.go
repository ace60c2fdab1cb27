package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with mirror fetch metrics.
type InstrumentedTransport struct {
	base     http.RoundTripper
	endpoint string
}

// NewInstrumentedTransport creates a transport that labels attempts with
// the mirror endpoint taken from the request context (see WithEndpointContext),
// falling back to fallback when none is set.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, fallback string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, endpoint: fallback}
}

const endpointKey contextKey = "mirror_endpoint"

// WithEndpointContext tags outbound mirror requests made with ctx.
func WithEndpointContext(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, endpointKey, endpoint)
}

func (t *InstrumentedTransport) endpointFor(req *http.Request) string {
	if e, ok := req.Context().Value(endpointKey).(string); ok && e != "" {
		return e
	}
	return t.endpoint
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := t.endpointFor(req)

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordMirrorFetch(req.Context(), endpoint, duration, 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		endpoint:   endpoint,
		start:      start,
		outcome:    fetchOutcome(resp.StatusCode),
	}

	return resp, nil
}

// fetchOutcome classifies a mirror response. Only 200 counts as success;
// the mirror answers every valid query with 200.
func fetchOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status != http.StatusOK:
		return "non_200"
	default:
		return "success"
	}
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	endpoint string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordMirrorFetch(b.ctx, b.endpoint, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
