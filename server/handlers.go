package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wolfeidau/update-mirror/inventory"
	"github.com/wolfeidau/update-mirror/overlay"
	"github.com/wolfeidau/update-mirror/packageurl"
	"github.com/wolfeidau/update-mirror/telemetry"
	"github.com/wolfeidau/update-mirror/update"
)

// maxBodySize bounds host request bodies.
const maxBodySize = 10 * 1024 * 1024

// CheckRequest is the body of POST /check/{category}.
type CheckRequest struct {
	RecordSet *update.RecordSet `json:"record_set"`

	// Installed overrides the server's inventory for this call.
	Installed []update.Item `json:"installed,omitempty"`
}

// OverlayRequest is the body of POST /overlay/{category}.
type OverlayRequest struct {
	Action string         `json:"action"`
	Args   any            `json:"args"`
	Result overlay.Result `json:"result"`

	// Error is the primary API's error message, if it failed.
	Error string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "reading status", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	category, ok := s.category(w, r)
	if !ok {
		return
	}

	var req CheckRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var inv update.Inventory
	if req.Installed != nil {
		switch category {
		case update.CategoryPlugins:
			inv = inventory.Static{PluginItems: req.Installed}
		case update.CategoryThemes:
			inv = inventory.Static{ThemeItems: req.Installed}
		}
	}

	telemetry.SetSource(r, telemetry.SourceMirror)
	rs, err := s.engine.Check(r.Context(), category, req.RecordSet, inv)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	category, ok := s.category(w, r)
	if !ok {
		return
	}

	var rs *update.RecordSet
	if !decodeBody(w, r, &rs) {
		return
	}

	telemetry.SetSource(r, telemetry.SourceSnapshot)
	writeJSON(w, http.StatusOK, s.engine.Merge(r.Context(), category, rs))
}

// OverlayErrorResponse is returned with 502 when the primary lookup failed
// and the mirror could not answer either.
type OverlayErrorResponse struct {
	Error  string         `json:"error"`
	Result overlay.Result `json:"result,omitempty"`
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	telemetry.SetCategory(r, category)

	var req OverlayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var primaryErr error
	if req.Error != "" {
		primaryErr = errors.New(req.Error)
	}

	telemetry.SetSource(r, telemetry.SourceMirror)
	result, err := s.engine.Overlay(r.Context(), category, req.Result, primaryErr, req.Action, req.Args)
	switch {
	case err == nil:
	case primaryErr != nil && errors.Is(err, primaryErr):
		// The mirror had nothing better; hand the primary failure back.
		writeJSON(w, http.StatusBadGateway, OverlayErrorResponse{Error: err.Error(), Result: result})
		return
	default:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	var opts packageurl.Options
	if !decodeBody(w, r, &opts) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Rewrite(r.Context(), opts))
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Teardown(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "teardown", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) category(w http.ResponseWriter, r *http.Request) (update.Category, bool) {
	category, err := update.ParseCategory(r.PathValue("category"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return "", false
	}
	telemetry.SetCategory(r, string(category))
	return category, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
