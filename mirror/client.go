// Package mirror implements the client for the fallback update mirror.
//
// A logical request verifies TLS first and, only when that attempt fails
// certificate validation, retries once with verification disabled. Only a
// 200 response counts as success, and only success is reported to the
// health Recorder.
package mirror

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/wolfeidau/update-mirror/telemetry"
)

const (
	// DefaultBaseURL is the default mirror service.
	DefaultBaseURL = "https://wp-mirror.blogvault.net"

	// DefaultTimeout bounds each request attempt.
	DefaultTimeout = 5 * time.Second

	// DefaultBreakerFailures is the number of consecutive failed requests
	// before the circuit opens.
	DefaultBreakerFailures = 5

	// DefaultBreakerCooldown is how long the circuit stays open.
	DefaultBreakerCooldown = time.Minute

	// MaxResponseSize caps the bytes read from a mirror response. A 200 whose
	// body is larger fails with ErrMalformedResponse, counts against the
	// breaker and is not recorded as a success: a truncated body cannot be
	// applied or persisted, so the mirror is not serving usable data.
	MaxResponseSize = 10 * 1024 * 1024
)

// Mirror endpoints, relative to the base URL.
const (
	PathCoreUpdateCheck = "/core-update-check/"
	PathPluginInfoBulk  = "/plugin-info-bulk/"
	PathThemeInfoBulk   = "/theme-info-bulk/"
	PathPluginsAPI      = "/plugins-api/"
	PathThemesAPI       = "/themes-api/"
)

var (
	// ErrNetwork covers unreachable hosts, DNS failures and timeouts.
	ErrNetwork = errors.New("mirror: network failure")

	// ErrCertificate indicates TLS certificate verification failed.
	ErrCertificate = errors.New("mirror: certificate verification failed")

	// ErrStatus matches any *StatusError.
	ErrStatus = errors.New("mirror: non-success status")

	// ErrMalformedResponse indicates the body is not the expected shape.
	ErrMalformedResponse = errors.New("mirror: malformed response")

	// ErrCircuitOpen is returned without contacting the mirror while the
	// circuit breaker is open.
	ErrCircuitOpen = errors.New("mirror: circuit open")
)

// StatusError is returned when the mirror answers with anything but 200.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mirror returned %d", e.StatusCode)
}

// Is reports whether target is ErrStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Recorder receives the time of every successful mirror response.
type Recorder interface {
	RecordSuccess(ctx context.Context, at time.Time) error
}

// Body is a request payload.
type Body struct {
	ContentType string
	Data        []byte
}

// JSONBody encodes v as a JSON request body.
func JSONBody(v any) (*Body, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	return &Body{ContentType: "application/json", Data: data}, nil
}

// FormBody encodes values as an application/x-www-form-urlencoded body.
func FormBody(values url.Values) *Body {
	return &Body{
		ContentType: "application/x-www-form-urlencoded",
		Data:        []byte(values.Encode()),
	}
}

// Response is a successful (200) mirror response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Insecure is true when the response came from the unverified retry.
	Insecure bool
}

// Client issues requests to the mirror.
type Client struct {
	baseURL   string
	timeout   time.Duration
	transport *http.Transport
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	breakerFailures uint32
	breakerCooldown time.Duration

	secure   *http.Client
	insecure *http.Client
	breaker  *gobreaker.CircuitBreaker[*Response]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the mirror base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithTransport sets the base transport. It is cloned for the verified and
// unverified clients.
func WithTransport(t *http.Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithRecorder sets where successful responses are recorded.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithBreaker configures the circuit breaker. A failures value of 0
// disables it.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerCooldown = cooldown
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithNow sets the clock used for health timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a mirror client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:         DefaultBaseURL,
		timeout:         DefaultTimeout,
		logger:          slog.Default(),
		now:             time.Now,
		breakerFailures: DefaultBreakerFailures,
		breakerCooldown: DefaultBreakerCooldown,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "mirror")

	base := c.transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}

	secure := base.Clone()
	insecure := base.Clone()
	if insecure.TLSClientConfig == nil {
		insecure.TLSClientConfig = &tls.Config{}
	}
	insecure.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // one-shot fallback after a certificate failure

	c.secure = &http.Client{
		Timeout:   c.timeout,
		Transport: telemetry.NewInstrumentedTransport(secure, "mirror"),
	}
	c.insecure = &http.Client{
		Timeout:   c.timeout,
		Transport: telemetry.NewInstrumentedTransport(insecure, "mirror"),
	}

	if c.breakerFailures > 0 {
		failures := c.breakerFailures
		logger := c.logger
		c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
			Name:        "mirror",
			MaxRequests: 1,
			Timeout:     c.breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			},
		})
	}

	return c
}

// BaseURL returns the configured mirror base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do performs one logical request against the mirror. Any outcome other
// than a 200 response is returned as an error.
func (c *Client) Do(ctx context.Context, method, path string, body *Body) (*Response, error) {
	endpoint := EndpointName(path)
	ctx = telemetry.WithEndpointContext(ctx, endpoint)

	var (
		resp *Response
		err  error
	)
	if c.breaker != nil {
		resp, err = c.breaker.Execute(func() (*Response, error) {
			return c.do(ctx, method, path, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
	} else {
		resp, err = c.do(ctx, method, path, body)
	}

	insecure := resp != nil && resp.Insecure
	telemetry.RecordMirrorRequest(ctx, endpoint, outcome(err), insecure)

	if err != nil {
		c.logger.DebugContext(ctx, "mirror request failed",
			"endpoint", endpoint,
			"category", telemetry.CategoryFromContext(ctx),
			"error", err)
		return nil, err
	}

	if c.recorder != nil {
		if rerr := c.recorder.RecordSuccess(ctx, c.now()); rerr != nil {
			c.logger.WarnContext(ctx, "recording mirror success", "error", rerr)
		}
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body *Body) (*Response, error) {
	resp, err := c.attempt(ctx, c.secure, method, path, body)
	if err == nil || !errors.Is(err, ErrCertificate) {
		return resp, err
	}

	c.logger.WarnContext(ctx, "certificate verification failed, retrying without verification",
		"endpoint", EndpointName(path),
		"category", telemetry.CategoryFromContext(ctx),
		"error", err)

	resp, err = c.attempt(ctx, c.insecure, method, path, body)
	if err != nil {
		return nil, err
	}
	resp.Insecure = true
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, client *http.Client, method, path string, body *Body) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body.Data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil && body.ContentType != "" {
		req.Header.Set("Content-Type", body.ContentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if isCertificateError(err) {
			return nil, fmt.Errorf("%w: %w", ErrCertificate, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: data}
	}

	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedResponse, MaxResponseSize)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// DecodeJSON decodes the response body into v. Numbers are kept as
// json.Number so passthrough metadata is not altered.
func DecodeJSON(resp *Response, v any) error {
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		return true
	}
	var hostname x509.HostnameError
	return errors.As(err, &hostname)
}

// EndpointName is the metric and log label for a mirror path: its first
// segment.
func EndpointName(path string) string {
	name := strings.Trim(path, "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "root"
	}
	return name
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrStatus):
		return "non_success_status"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrCertificate):
		return "certificate_failure"
	default:
		return "network_failure"
	}
}
