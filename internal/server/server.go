// Package server exposes the slice store over HTTP for local tooling:
// status, slice reads and validated writes, export downloads and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"hearth/internal/core"
	"hearth/internal/export"
	"hearth/internal/migration"
	"hearth/internal/state"
	"hearth/pkg/slices"
)

// maxBody bounds PUT payloads.
const maxBody = 8 << 20

// Handler routes the hearth API.
type Handler struct {
	Store    *state.Store
	Exports  http.Handler
	Metrics  http.Handler
	Location string
}

// NewHandler routes requests to the App's store, export agent and metrics
// backend.
func NewHandler(app *core.App) *Handler {
	h := &Handler{Store: app.Store, Location: app.Connector.Location()}
	if app.Exporter != nil {
		h.Exports = export.NewHandler(app.Exporter)
	}
	if m := app.MetricsHandler(); m != nil {
		h.Metrics = m
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusInternalServerError, "slice store not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case path == "/metrics":
		if h.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		h.Metrics.ServeHTTP(w, r)
	case path == "/api/v1/status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleStatus(w)
	case path == "/api/v1/slices":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleList(w)
	case strings.HasPrefix(path, "/api/v1/slices/"):
		h.handleSlice(w, r, strings.TrimPrefix(path, "/api/v1/slices/"))
	case path == "/api/v1/export" || strings.HasPrefix(path, "/api/v1/exports"):
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		h.Exports.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Status is the /api/v1/status payload.
type Status struct {
	State         string            `json:"state" yaml:"state"`
	Degraded      bool              `json:"degraded" yaml:"degraded"`
	Error         string            `json:"error,omitempty" yaml:"error,omitempty"`
	Location      string            `json:"location,omitempty" yaml:"location,omitempty"`
	SchemaVersion int               `json:"schema_version" yaml:"schema_version"`
	PendingWrites int               `json:"pending_writes" yaml:"pending_writes"`
	Migration     *migration.Report `json:"migration,omitempty" yaml:"migration,omitempty"`
}

// CurrentStatus reports the store's lifecycle state.
func CurrentStatus(store *state.Store, location string) Status {
	st := Status{
		State:         store.Status().String(),
		Degraded:      store.Degraded(),
		Location:      location,
		SchemaVersion: slices.SchemaVersion,
		PendingWrites: store.Pending(),
	}
	if err := store.InitError(); err != nil {
		st.Error = err.Error()
	}
	if report, ok := store.MigrationReport(); ok {
		st.Migration = &report
	}
	return st
}

func (h *Handler) handleStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, CurrentStatus(h.Store, h.Location))
}

// SliceEntry describes one catalog slice and whether it holds a value.
type SliceEntry struct {
	Key         slices.Key `json:"key" yaml:"key"`
	Since       int        `json:"since" yaml:"since"`
	Description string     `json:"description" yaml:"description"`
	Present     bool       `json:"present" yaml:"present"`
}

// ListSlices pairs the catalog with the store's current contents.
func ListSlices(store *state.Store) []SliceEntry {
	snapshot := store.Snapshot()
	entries := make([]SliceEntry, 0, len(slices.Catalog()))
	for _, spec := range slices.Catalog() {
		_, ok := snapshot[spec.Key]
		entries = append(entries, SliceEntry{Key: spec.Key, Since: spec.Since, Description: spec.Description, Present: ok})
	}
	return entries
}

func (h *Handler) handleList(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"slices": ListSlices(h.Store)})
}

func (h *Handler) handleSlice(w http.ResponseWriter, r *http.Request, raw string) {
	key, err := slices.Parse(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	switch r.Method {
	case http.MethodGet:
		value, ok := h.Store.ReadRaw(key)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("slice %s has no stored value", key))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "body is not valid JSON")
			return
		}
		if err := h.Store.WriteRaw(key, body); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, slices.ErrInvalidValue) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		value, _ := h.Store.ReadRaw(key)
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
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

// Serve runs h on ln until ctx is cancelled, then shuts down gracefully
// within timeout.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, timeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Info("serving", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
