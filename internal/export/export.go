// Package export produces point-in-time backups of the slice database. The
// Agent opens the store on its own read-only connection, derives the schema
// from pkg/slices exactly as the application does, and never writes to it.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"hearth/internal/blob"
	"hearth/internal/durable"
	"hearth/internal/observability"
	"hearth/pkg/domain"
	"hearth/pkg/slices"
)

// Prefix is the blob key prefix published exports live under.
const Prefix = "exports/"

// ContentType of the export document.
const ContentType = "application/json"

// ErrNoBlobStore is returned by Publish and List when no blob store is configured.
var ErrNoBlobStore = errors.New("export: no blob store configured")

// ErrArtifactNotFound is returned by Open for unknown artifact IDs.
var ErrArtifactNotFound = errors.New("export: artifact not found")

// Artifact describes one published export.
type Artifact struct {
	ID        string       `json:"id" yaml:"id"`
	Key       string       `json:"key" yaml:"key"`
	Filename  string       `json:"filename" yaml:"filename"`
	SizeBytes int64        `json:"size_bytes" yaml:"size_bytes"`
	Slices    []slices.Key `json:"slices,omitempty" yaml:"slices,omitempty"`
	URL       string       `json:"url,omitempty" yaml:"url,omitempty"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
}

// Agent reads the slice database and renders export documents.
type Agent struct {
	opener  *durable.Opener
	blobs   blob.Store
	logger  *slog.Logger
	metrics observability.Recorder
	now     func() time.Time
	newID   func() string

	hub *durable.Hub
}

// Option configures an Agent.
type Option func(*Agent)

// WithBlobStore sets where Publish stores artifacts.
func WithBlobStore(store blob.Store) Option {
	return func(a *Agent) { a.blobs = store }
}

// WithLogger sets the agent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the recorder for export operations.
func WithMetrics(rec observability.Recorder) Option {
	return func(a *Agent) { a.metrics = observability.OrNop(rec) }
}

// WithHub joins the agent's connection to hub so that an upgrade elsewhere
// in the process closes it.
func WithHub(hub *durable.Hub) Option {
	return func(a *Agent) { a.hub = hub }
}

// WithClock overrides the time source used for artifact IDs.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithIDGenerator overrides the random suffix of artifact IDs.
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) { a.newID = fn }
}

// New returns an agent reading through its own connection to connector.
func New(connector domain.Connector, opts ...Option) *Agent {
	a := &Agent{
		logger:  slog.Default(),
		metrics: observability.Nop{},
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "export")
	a.opener = durable.NewOpener(connector,
		durable.ReadOnly(),
		durable.WithHub(a.hub),
		durable.WithLogger(a.logger),
		durable.WithMetrics(a.metrics),
	)
	return a
}

// Snapshot collects every slice with a stored value.
func (a *Agent) Snapshot(ctx context.Context) (map[slices.Key]json.RawMessage, error) {
	done := observability.Time(ctx, a.metrics, "export.snapshot")
	values, err := a.snapshot(ctx)
	if errors.Is(err, durable.ErrVersionChangeBlocked) {
		a.logger.Info("connection closed by version change, reopening")
		values, err = a.snapshot(ctx)
	}
	done(err)
	return values, err
}

func (a *Agent) snapshot(ctx context.Context) (map[slices.Key]json.RawMessage, error) {
	h, err := a.opener.Open(ctx)
	if err != nil {
		return nil, err
	}
	return h.GetAll(ctx)
}

// Render returns the export document: a JSON object keyed by slice name
// whose values are the raw stored values.
func (a *Agent) Render(ctx context.Context) ([]byte, []slices.Key, error) {
	values, err := a.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	b, err := Encode(values)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]slices.Key, 0, len(values))
	for _, k := range slices.SortedKeys() {
		if _, ok := values[k]; ok {
			keys = append(keys, k)
		}
	}
	return b, keys, nil
}

// Encode renders values as an indented document with keys in sorted order.
func Encode(values map[slices.Key]json.RawMessage) ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		doc[string(k)] = v
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return append(b, '\n'), nil
}

// WriteTo streams the export document to w.
func (a *Agent) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	b, _, err := a.Render(ctx)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// Publish renders the document and stores it in the blob store under
// exports/<timestamp>-<uuid>/hearth-backup.json.
func (a *Agent) Publish(ctx context.Context) (Artifact, error) {
	if a.blobs == nil {
		return Artifact{}, ErrNoBlobStore
	}
	done := observability.Time(ctx, a.metrics, "export.publish")
	art, err := a.publish(ctx)
	done(err)
	if err != nil {
		return Artifact{}, err
	}
	a.logger.Info("published export", "id", art.ID, "key", art.Key, "slices", len(art.Slices), "size_bytes", art.SizeBytes)
	return art, nil
}

func (a *Agent) publish(ctx context.Context) (Artifact, error) {
	b, keys, err := a.Render(ctx)
	if err != nil {
		return Artifact{}, err
	}
	created := a.now().UTC()
	id := created.Format("20060102T150405Z") + "-" + a.newID()
	key := Prefix + id + "/" + slices.ExportFilename
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	info, err := a.blobs.Put(ctx, key, bytes.NewReader(b), blob.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"schema-version": fmt.Sprint(slices.SchemaVersion),
			"slices":         strings.Join(names, ","),
		},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store export %s: %w", id, err)
	}
	return Artifact{
		ID:        id,
		Key:       key,
		Filename:  slices.ExportFilename,
		SizeBytes: info.Size,
		Slices:    keys,
		URL:       info.URL,
		CreatedAt: created,
	}, nil
}

// List returns published artifacts, newest first.
func (a *Agent) List(ctx context.Context) ([]Artifact, error) {
	if a.blobs == nil {
		return nil, ErrNoBlobStore
	}
	infos, err := a.blobs.List(ctx, Prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(infos))
	for i := len(infos) - 1; i >= 0; i-- {
		if art, ok := artifactFromInfo(infos[i]); ok {
			out = append(out, art)
		}
	}
	return out, nil
}

// Open returns the stored document of artifact id.
func (a *Agent) Open(ctx context.Context, id string) (Artifact, io.ReadCloser, error) {
	if a.blobs == nil {
		return Artifact{}, nil, ErrNoBlobStore
	}
	if id == "" || strings.ContainsAny(id, "/.") {
		return Artifact{}, nil, fmt.Errorf("%w: %q", ErrArtifactNotFound, id)
	}
	info, rc, err := a.blobs.Get(ctx, Prefix+id+"/"+slices.ExportFilename)
	if errors.Is(err, blob.ErrNotFound) {
		return Artifact{}, nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if err != nil {
		return Artifact{}, nil, err
	}
	art, _ := artifactFromInfo(info)
	return art, rc, nil
}

// Close releases the agent's database connection.
func (a *Agent) Close() error { return a.opener.Close() }

func artifactFromInfo(info blob.Info) (Artifact, bool) {
	rest, ok := strings.CutPrefix(info.Key, Prefix)
	if !ok {
		return Artifact{}, false
	}
	id, file, ok := strings.Cut(rest, "/")
	if !ok || file != slices.ExportFilename {
		return Artifact{}, false
	}
	art := Artifact{
		ID:        id,
		Key:       info.Key,
		Filename:  file,
		SizeBytes: info.Size,
		URL:       info.URL,
		CreatedAt: info.LastModified,
	}
	if ts, _, ok := strings.Cut(id, "-"); ok {
		if t, err := time.Parse("20060102T150405Z", ts); err == nil {
			art.CreatedAt = t
		}
	}
	if names := info.Metadata["slices"]; names != "" {
		for _, n := range strings.Split(names, ",") {
			art.Slices = append(art.Slices, slices.Key(n))
		}
	}
	return art, true
}
