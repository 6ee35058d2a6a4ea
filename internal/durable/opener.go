// Package durable owns the versioned slice database: it opens connections
// through a storage engine, upgrades the physical schema additively, and
// coordinates version changes between connections in the same process.
package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"hearth/internal/observability"
	"hearth/pkg/domain"
	"hearth/pkg/slices"
)

// Opener lazily opens, and caches, one Handle to a database location.
// Concurrent Open calls share one in-flight attempt.
type Opener struct {
	connector domain.Connector
	schema    slices.Schema
	hub       *Hub
	logger    *slog.Logger
	metrics   observability.Recorder
	readOnly  bool

	group   singleflight.Group
	mu      sync.Mutex
	current *Handle
}

// Option configures an Opener.
type Option func(*Opener)

// WithSchema overrides the schema derived from the slice catalog.
func WithSchema(schema slices.Schema) Option {
	return func(o *Opener) { o.schema = schema }
}

// WithHub attaches the process-wide version change hub.
func WithHub(hub *Hub) Option {
	return func(o *Opener) { o.hub = hub }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec observability.Recorder) Option {
	return func(o *Opener) { o.metrics = observability.OrNop(rec) }
}

// ReadOnly makes every handle refuse writes. The schema is still upgraded
// when the device is behind, so a reader never sees a half-built layout.
func ReadOnly() Option {
	return func(o *Opener) { o.readOnly = true }
}

// NewOpener returns an opener for the database behind connector.
func NewOpener(connector domain.Connector, opts ...Option) *Opener {
	o := &Opener{
		connector: connector,
		schema:    slices.Current(),
		logger:    slog.Default(),
		metrics:   observability.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "durable")
	return o
}

// Schema returns the schema the opener upgrades to.
func (o *Opener) Schema() slices.Schema { return o.schema }

// Open returns the cached handle, or opens a new one when there is none or
// the cached one has been closed.
func (o *Opener) Open(ctx context.Context) (*Handle, error) {
	if h := o.cached(); h != nil {
		return h, nil
	}
	v, err, _ := o.group.Do("open", func() (any, error) {
		if h := o.cached(); h != nil {
			return h, nil
		}
		done := observability.Time(ctx, o.metrics, "durable.open")
		h, err := o.open(ctx)
		done(err)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.current = h
		o.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Close closes the cached handle, if any.
func (o *Opener) Close() error {
	o.mu.Lock()
	h := o.current
	o.current = nil
	o.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

func (o *Opener) cached() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && !o.current.Closed() {
		return o.current
	}
	return nil
}

func (o *Opener) open(ctx context.Context) (*Handle, error) {
	if o.connector == nil {
		return nil, fmt.Errorf("%w: no storage engine configured", ErrStorageUnavailable)
	}
	location := o.connector.Location()
	engine, err := o.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrStorageUnavailable, location, err)
	}
	version, err := engine.Version(ctx)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("%w: read version of %s: %w", ErrStorageUnavailable, location, err)
	}

	switch {
	case version > o.schema.Version:
		_ = engine.Close()
		return nil, fmt.Errorf("%w: %w: %s is at version %d, expected %d",
			ErrStorageUnavailable, ErrVersionDowngrade, location, version, o.schema.Version)
	case version < o.schema.Version:
		notified := o.hub.versionChange(location, o.schema.Version)
		o.logger.Info("upgrading slice database",
			"location", location, "from", version, "to", o.schema.Version, "closed_connections", notified)
		if err := engine.Upgrade(ctx, o.schema.Version, o.schema.StoreNames()); err != nil {
			_ = engine.Close()
			if errors.Is(err, domain.ErrStoreBusy) {
				return nil, fmt.Errorf("%w: upgrade %s %d -> %d: %w",
					ErrVersionChangeBlocked, location, version, o.schema.Version, err)
			}
			return nil, fmt.Errorf("%w: upgrade %s: %w", ErrStorageUnavailable, location, err)
		}
	}

	h := &Handle{
		engine:   engine,
		schema:   o.schema,
		location: location,
		readOnly: o.readOnly,
		logger:   o.logger,
		metrics:  o.metrics,
	}
	hub := o.hub
	h.onClose = func() { hub.unregister(location, h) }
	hub.register(location, h)
	return h, nil
}
