package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoTokenConfigured(t *testing.T) {
	s := &Server{config: Config{}}
	handler := s.authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/teardown", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Header(t *testing.T) {
	s := &Server{config: Config{AuthToken: "sidecar-token"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid bearer", "Bearer sidecar-token", http.StatusOK},
		{"wrong token", "Bearer other-token", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase scheme", "bearer sidecar-token", http.StatusUnauthorized},
		{"token prefix only", "Bearer sidecar", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/check/plugins", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddleware_UnauthorizedBody(t *testing.T) {
	s := &Server{config: Config{AuthToken: "sidecar-token"}}
	handler := s.authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}

func TestAuthMiddleware_Paths(t *testing.T) {
	s := &Server{config: Config{AuthToken: "sidecar-token"}}
	handler := s.authMiddleware(okHandler())

	for path, want := range map[string]int{
		"/health":        http.StatusOK,
		"/metrics":       http.StatusOK,
		"/health/":       http.StatusUnauthorized,
		"/status":        http.StatusUnauthorized,
		"/check/plugins": http.StatusUnauthorized,
		"/merge/themes":  http.StatusUnauthorized,
		"/overlay/core":  http.StatusUnauthorized,
		"/package":       http.StatusUnauthorized,
		"/teardown":      http.StatusUnauthorized,
	} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, want, rec.Code)
		})
	}
}
