// Package core assembles a running hearth process: storage engine, slice
// store, export agent, blob sink and metrics, built once from config and
// passed to the CLI and HTTP layers.
package core

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"hearth/internal/blob"
	"hearth/internal/config"
	"hearth/internal/durable"
	"hearth/internal/export"
	"hearth/internal/legacy"
	"hearth/internal/observability"
	"hearth/internal/state"
	"hearth/pkg/domain"
)

// App is the process context. Build one with New and Close it on exit.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   observability.Recorder
	Connector domain.Connector
	Hub       *durable.Hub
	Opener    *durable.Opener
	Store     *state.Store
	Exporter  *export.Agent
	Blobs     blob.Store

	metricsHandler http.Handler
	legacy         legacy.Store
}

// Option customises New.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	connector domain.Connector
	blobs     blob.Store
	legacy    legacy.Store
	registry  *prometheus.Registry
	readOnly  bool
}

// WithLogger sets the root logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConnector overrides the configured storage engine.
func WithConnector(c domain.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithBlobStore overrides the configured blob store.
func WithBlobStore(s blob.Store) Option {
	return func(o *options) { o.blobs = s }
}

// WithLegacySource overrides the configured legacy flat store.
func WithLegacySource(s legacy.Store) Option {
	return func(o *options) { o.legacy = s }
}

// WithRegistry registers Prometheus collectors on r instead of a fresh registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// ReadOnly opens the store without write access; used by inspection commands.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// New wires an App from cfg. It does not touch storage; call Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{Config: cfg, Logger: logger, Hub: durable.NewHub()}
	if err := app.initMetrics(o.registry); err != nil {
		return nil, err
	}

	app.Connector = o.connector
	if app.Connector == nil {
		c, err := OpenConnector(cfg.Storage, logger.With("component", "storage"))
		if err != nil {
			return nil, err
		}
		app.Connector = c
	}

	app.legacy = o.legacy
	if app.legacy == nil && cfg.Legacy.Path != "" {
		fs, err := legacy.OpenFile(cfg.Legacy.Path)
		if err != nil {
			return nil, fmt.Errorf("open legacy store: %w", err)
		}
		app.legacy = fs
	}

	app.Blobs = o.blobs
	if app.Blobs == nil {
		b, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		app.Blobs = b
	}

	openerOpts := []durable.Option{
		durable.WithHub(app.Hub),
		durable.WithLogger(logger),
		durable.WithMetrics(app.Metrics),
	}
	if o.readOnly {
		openerOpts = append(openerOpts, durable.ReadOnly())
	}
	app.Opener = durable.NewOpener(app.Connector, openerOpts...)

	storeOpts := []state.Option{state.WithLogger(logger), state.WithMetrics(app.Metrics)}
	if app.legacy != nil && !o.readOnly {
		storeOpts = append(storeOpts, state.WithLegacy(app.legacy))
	}
	app.Store = state.New(app.Opener, storeOpts...)

	app.Exporter = export.New(app.Connector,
		export.WithHub(app.Hub),
		export.WithBlobStore(app.Blobs),
		export.WithLogger(logger),
		export.WithMetrics(app.Metrics),
	)
	return app, nil
}

func (a *App) initMetrics(registry *prometheus.Registry) error {
	switch a.Config.Metrics.Backend {
	case "prometheus":
		rec, err := observability.NewPrometheusRecorder(registry)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		a.Metrics = rec
		a.metricsHandler = rec.Handler()
	case "expvar":
		rec := observability.NewExpvarRecorder("")
		a.Metrics = rec
		a.metricsHandler = expvar.Handler()
	default:
		a.Metrics = observability.Nop{}
	}
	return nil
}

// MetricsHandler serves the configured metrics backend, or nil when
// metrics are disabled.
func (a *App) MetricsHandler() http.Handler { return a.metricsHandler }

// Legacy returns the legacy source, if one is configured.
func (a *App) Legacy() legacy.Store { return a.legacy }

// Start initializes the slice store. A storage failure leaves the store
// usable in memory-only mode; the error is logged and returned so callers
// that need persistence can refuse to continue.
func (a *App) Start(ctx context.Context) error {
	err := a.Store.Initialize(ctx)
	if err != nil {
		a.Logger.Warn("slice store running without persistence", "location", a.Connector.Location(), "error", err)
		return err
	}
	a.Logger.Info("slice store ready", "location", a.Connector.Location())
	return nil
}

// Close flushes pending writes and releases every connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close(ctx))
	}
	if a.Exporter != nil {
		errs = append(errs, a.Exporter.Close())
	}
	return errors.Join(errs...)
}
