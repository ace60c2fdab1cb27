package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *fakeRecorder) RecordSuccess(_ context.Context, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, at)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.times)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestClient_SuccessRecordsHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathCoreUpdateCheck, r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"updates":[]}`))
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	c := NewClient(WithBaseURL(srv.URL+"/"), WithRecorder(rec), WithNow(func() time.Time { return fixedNow }))

	resp, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"updates":[]}`, string(resp.Body))
	require.False(t, resp.Insecure)

	require.Equal(t, []time.Time{fixedNow}, rec.times)
}

func TestClient_NonOKIsFailureWithoutHealth(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusNoContent, http.StatusNotFound, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		rec := &fakeRecorder{}
		c := NewClient(WithBaseURL(srv.URL), WithRecorder(rec), WithBreaker(0, 0))

		_, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
		require.ErrorIs(t, err, ErrStatus, "status %d", status)

		var se *StatusError
		require.True(t, errors.As(err, &se))
		require.Equal(t, status, se.StatusCode)
		require.Zero(t, rec.count())

		srv.Close()
	}
}

func TestClient_PostsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, map[string]string{"a/a.php": "a"}, got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	body, err := JSONBody(map[string]string{"a/a.php": "a"})
	require.NoError(t, err)

	_, err = c.Do(context.Background(), http.MethodPost, PathPluginInfoBulk, body)
	require.NoError(t, err)
}

func TestClient_FormBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "query_plugins", r.PostForm.Get("action"))
		require.Equal(t, `{"search":"seo"}`, r.PostForm.Get("request"))
		_, _ = w.Write([]byte(`{"plugins":[]}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.Do(context.Background(), http.MethodPost, PathPluginsAPI, FormBody(url.Values{
		"action":  {"query_plugins"},
		"request": {`{"search":"seo"}`},
	}))
	require.NoError(t, err)
}

func TestClient_CertificateFallback(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"updates":[{"version":"6.5"}]}`))
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	// Default roots do not trust the test certificate, so the first attempt
	// fails verification.
	c := NewClient(WithBaseURL(srv.URL), WithRecorder(rec))

	resp, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
	require.NoError(t, err)
	require.True(t, resp.Insecure)
	require.Equal(t, 1, rec.count())
}

func TestClient_TrustedCertificateNoRetry(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	transport := srv.Client().Transport.(*http.Transport)
	c := NewClient(WithBaseURL(srv.URL), WithTransport(transport))

	resp, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
	require.NoError(t, err)
	require.False(t, resp.Insecure)
}

func TestClient_NetworkFailureNotRetried(t *testing.T) {
	rec := &fakeRecorder{}
	c := NewClient(WithBaseURL("http://127.0.0.1:1"), WithRecorder(rec), WithBreaker(0, 0))

	_, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
	require.ErrorIs(t, err, ErrNetwork)
	require.NotErrorIs(t, err, ErrCertificate)
	require.Zero(t, rec.count())
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &fakeRecorder{}
	c := NewClient(WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond), WithRecorder(rec))

	_, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
	require.ErrorIs(t, err, ErrNetwork)
	require.Zero(t, rec.count())
}

func TestClient_BreakerOpens(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	c := NewClient(WithBaseURL(srv.URL), WithRecorder(rec), WithBreaker(2, time.Hour))

	for range 2 {
		_, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
		require.ErrorIs(t, err, ErrStatus)
	}

	_, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	mu.Lock()
	require.Equal(t, 2, hits)
	mu.Unlock()
	require.Zero(t, rec.count())
}

func TestClient_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.CopyN(w, zeroReader{}, MaxResponseSize+10)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	c := NewClient(WithBaseURL(srv.URL), WithRecorder(rec))
	_, err := c.Do(context.Background(), http.MethodGet, PathCoreUpdateCheck, nil)
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.Zero(t, rec.count())
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = '0'
	}
	return len(p), nil
}

func TestDecodeJSON(t *testing.T) {
	var v map[string]any
	require.NoError(t, DecodeJSON(&Response{Body: []byte(`{"n":12345678901234567890}`)}, &v))
	require.Equal(t, json.Number("12345678901234567890"), v["n"])

	err := DecodeJSON(&Response{Body: []byte(`<html>`)}, &v)
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestEndpointName(t *testing.T) {
	require.Equal(t, "plugin-info-bulk", EndpointName(PathPluginInfoBulk))
	require.Equal(t, "plugins", EndpointName("/plugins/akismet.zip"))
	require.Equal(t, "root", EndpointName("/"))
}
