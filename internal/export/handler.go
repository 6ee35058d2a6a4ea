package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"hearth/internal/durable"
	"hearth/pkg/slices"
)

// Handler serves the export endpoints:
//
//	GET  /api/v1/export              download a fresh export document
//	POST /api/v1/exports             publish an export to the blob store
//	GET  /api/v1/exports             list published exports
//	GET  /api/v1/exports/{id}        download a published export
type Handler struct {
	Agent *Agent
}

// NewHandler constructs an export HTTP handler.
func NewHandler(a *Agent) *Handler {
	return &Handler{Agent: a}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Agent == nil {
		writeError(w, http.StatusInternalServerError, "export agent not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/export":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleDownload(w, r)
	case path == "/api/v1/exports":
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handlePublish(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case strings.HasPrefix(path, "/api/v1/exports/"):
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleArtifact(w, r, strings.TrimPrefix(path, "/api/v1/exports/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.Agent.Render(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	serveDocument(w, bytes.NewReader(b), int64(len(b)))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	arts, err := h.Agent.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": arts})
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	art, err := h.Agent.Publish(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Location", "/api/v1/exports/"+art.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"export": art})
}

func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request, id string) {
	art, rc, err := h.Agent.Open(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer rc.Close()
	serveDocument(w, rc, art.SizeBytes)
}

func serveDocument(w http.ResponseWriter, body io.Reader, size int64) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", slices.ExportFilename))
	if size > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(size))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoBlobStore):
		return http.StatusNotImplemented
	case errors.Is(err, durable.ErrStorageUnavailable), errors.Is(err, durable.ErrVersionChangeBlocked):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
