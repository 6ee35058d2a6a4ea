package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"hearth/internal/observability"
	"hearth/pkg/domain"
	"hearth/pkg/slices"
)

// Handle is an open connection to the slice database at the schema version
// of the opener that produced it. A handle closes itself when another
// connection upgrades the schema; later operations then fail with
// ErrVersionChangeBlocked and the owner reopens through its Opener.
type Handle struct {
	engine   domain.Engine
	schema   slices.Schema
	location string
	readOnly bool
	logger   *slog.Logger
	metrics  observability.Recorder
	onClose  func()

	mu            sync.RWMutex
	closed        bool
	closedBy      error
	closedVersion int
}

// Version returns the schema version the handle was opened at.
func (h *Handle) Version() int { return h.schema.Version }

// Location identifies the physical database.
func (h *Handle) Location() string { return h.location }

// ReadOnly reports whether writes are refused.
func (h *Handle) ReadOnly() bool { return h.readOnly }

// Closed reports whether the handle has been closed for any reason.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// acquire takes the shared lock for one operation. Close waits for every
// in-flight operation to release.
func (h *Handle) acquire() (func(), error) {
	h.mu.RLock()
	if h.closed {
		err := h.closedErrLocked()
		h.mu.RUnlock()
		return nil, err
	}
	return h.mu.RUnlock, nil
}

func (h *Handle) closedErrLocked() error {
	if h.closedBy != nil {
		return fmt.Errorf("%w: connection closed by upgrade to version %d", h.closedBy, h.closedVersion)
	}
	return ErrClosed
}

// Get reads the value of one slice. ok is false when the slice has never
// been written.
func (h *Handle) Get(ctx context.Context, key slices.Key) (json.RawMessage, bool, error) {
	if !h.schema.Contains(key) {
		return nil, false, fmt.Errorf("%w: %q", slices.ErrUnknownSlice, key)
	}
	release, err := h.acquire()
	if err != nil {
		return nil, false, err
	}
	defer release()

	done := observability.Time(ctx, h.metrics, "durable.get")
	raw, ok, err := h.engine.Get(ctx, string(key), string(key))
	done(err)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(raw), true, nil
}

// GetAll reads every slice that has a stored value in one read transaction.
func (h *Handle) GetAll(ctx context.Context) (map[slices.Key]json.RawMessage, error) {
	release, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	stores := make([]string, len(h.schema.Stores))
	for i, k := range h.schema.Stores {
		stores[i] = string(k)
	}
	done := observability.Time(ctx, h.metrics, "durable.get_all")
	records, err := h.engine.Scan(ctx, stores)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("scan slices: %w", err)
	}
	out := make(map[slices.Key]json.RawMessage, len(records))
	for store, raw := range records {
		out[slices.Key(store)] = json.RawMessage(raw)
	}
	return out, nil
}

// Put replaces the value of one slice. value must be valid JSON.
func (h *Handle) Put(ctx context.Context, key slices.Key, value json.RawMessage) error {
	if !h.schema.Contains(key) {
		return fmt.Errorf("%w: %q", slices.ErrUnknownSlice, key)
	}
	if h.readOnly {
		return fmt.Errorf("put %s: %w", key, ErrReadOnly)
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: %s: value is not valid JSON", ErrWriteFailed, key)
	}
	release, err := h.acquire()
	if err != nil {
		return err
	}
	defer release()

	done := observability.Time(ctx, h.metrics, "durable.put")
	err = h.engine.Put(ctx, string(key), string(key), value)
	done(err)
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrWriteFailed, key, err)
	}
	return nil
}

// GetMeta reads a boolean flag from the meta store. Unset flags read false.
func (h *Handle) GetMeta(ctx context.Context, flag string) (bool, error) {
	release, err := h.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	raw, ok, err := h.engine.Get(ctx, h.schema.MetaStore, flag)
	if err != nil {
		return false, fmt.Errorf("get meta %s: %w", flag, err)
	}
	if !ok {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("decode meta %s: %w", flag, err)
	}
	return v, nil
}

// SetMeta writes a boolean flag to the meta store.
func (h *Handle) SetMeta(ctx context.Context, flag string, value bool) error {
	if h.readOnly {
		return fmt.Errorf("set meta %s: %w", flag, ErrReadOnly)
	}
	release, err := h.acquire()
	if err != nil {
		return err
	}
	defer release()

	raw, _ := json.Marshal(value)
	if err := h.engine.Put(ctx, h.schema.MetaStore, flag, raw); err != nil {
		return fmt.Errorf("%w: set meta %s: %w", ErrWriteFailed, flag, err)
	}
	return nil
}

// Close releases the connection. It is safe to call more than once.
func (h *Handle) Close() error {
	return h.shutdown(nil, 0)
}

func (h *Handle) onVersionChange(version int) {
	h.logger.Info("closing connection for schema upgrade",
		"location", h.location, "from", h.schema.Version, "to", version)
	if err := h.shutdown(ErrVersionChangeBlocked, version); err != nil {
		h.logger.Warn("close on version change", "location", h.location, "error", err)
	}
}

func (h *Handle) shutdown(reason error, version int) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.closedBy = reason
	h.closedVersion = version
	err := h.engine.Close()
	h.mu.Unlock()

	if h.onClose != nil {
		h.onClose()
	}
	return err
}
