// Package migration moves slice values out of the legacy flat store into the
// slice database exactly once per device.
package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"hearth/internal/legacy"
	"hearth/internal/observability"
	"hearth/pkg/slices"
)

// ErrMigrationEntryCorrupt marks a legacy entry that is not JSON or whose
// value is not the slice's container type.
var ErrMigrationEntryCorrupt = errors.New("migration: legacy entry corrupt")

// Target is the durable side of the migration. *durable.Handle satisfies it.
type Target interface {
	GetMeta(ctx context.Context, flag string) (bool, error)
	SetMeta(ctx context.Context, flag string, value bool) error
	Put(ctx context.Context, key slices.Key, value json.RawMessage) error
}

// Skip records one legacy entry that was not migrated.
type Skip struct {
	Key slices.Key `json:"key" yaml:"key"`
	Err error      `json:"-" yaml:"-"`
	// Reason is Err rendered for reports.
	Reason string `json:"reason" yaml:"reason"`
}

// Report summarises one Run.
type Report struct {
	AlreadyComplete bool         `json:"alreadyComplete" yaml:"alreadyComplete"`
	Migrated        []slices.Key `json:"migrated" yaml:"migrated"`
	Absent          []slices.Key `json:"absent" yaml:"absent"`
	Skipped         []Skip       `json:"skipped" yaml:"skipped"`
	// Nonconforming lists migrated keys whose items do not match the
	// current slice schema. Their values were stored unchanged.
	Nonconforming []slices.Key `json:"nonconforming,omitempty" yaml:"nonconforming,omitempty"`
}

// SkippedKeys lists the keys whose legacy data was dropped.
func (r Report) SkippedKeys() []slices.Key {
	out := make([]slices.Key, len(r.Skipped))
	for i, s := range r.Skipped {
		out[i] = s.Key
	}
	return out
}

type runner struct {
	logger  *slog.Logger
	metrics observability.Recorder
	keys    []slices.Key
}

// Option configures Run.
type Option func(*runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec observability.Recorder) Option {
	return func(r *runner) { r.metrics = observability.OrNop(rec) }
}

// WithKeys restricts the migration to keys. Defaults to the whole catalog.
func WithKeys(keys []slices.Key) Option {
	return func(r *runner) { r.keys = keys }
}

// Run migrates every catalog slice from source into target unless target's
// migration flag is already set. A failing entry is logged, reported and
// skipped; the flag is set once every key has been visited. A nil source is
// an empty legacy store.
func Run(ctx context.Context, target Target, source legacy.Store, opts ...Option) (report Report, err error) {
	r := &runner{logger: slog.Default(), metrics: observability.Nop{}, keys: slices.Keys()}
	for _, opt := range opts {
		opt(r)
	}
	logger := r.logger.With("component", "migration")
	done := observability.Time(ctx, r.metrics, "migration.run")
	defer func() { done(err) }()

	complete, err := target.GetMeta(ctx, slices.MigrationCompleteFlag)
	if err != nil {
		return report, fmt.Errorf("read migration flag: %w", err)
	}
	if complete {
		report.AlreadyComplete = true
		logger.Debug("legacy migration already complete")
		return report, nil
	}

	for _, key := range r.keys {
		if err := ctx.Err(); err != nil {
			// flag stays unset so the next start resumes; puts are idempotent
			return report, err
		}
		migrated, mismatch, err := r.migrateKey(ctx, target, source, key)
		switch {
		case err != nil:
			report.Skipped = append(report.Skipped, Skip{Key: key, Err: err, Reason: err.Error()})
			logger.Warn("skipping legacy entry", "key", key, "error", err)
		case migrated:
			report.Migrated = append(report.Migrated, key)
			if mismatch != nil {
				report.Nonconforming = append(report.Nonconforming, key)
				logger.Warn("legacy entry does not match slice schema, stored as is", "key", key, "error", mismatch)
			}
		default:
			report.Absent = append(report.Absent, key)
		}
	}
	r.metrics.Count(ctx, "migration.migrated", len(report.Migrated))
	r.metrics.Count(ctx, "migration.skipped", len(report.Skipped))

	if err := target.SetMeta(ctx, slices.MigrationCompleteFlag, true); err != nil {
		return report, fmt.Errorf("set migration flag: %w", err)
	}
	logger.Info("legacy migration complete",
		"migrated", len(report.Migrated), "skipped", len(report.Skipped), "absent", len(report.Absent))
	return report, nil
}

// migrateKey copies one entry. mismatch is the full-schema error for a value
// that was migrated anyway.
func (r *runner) migrateKey(ctx context.Context, target Target, source legacy.Store, key slices.Key) (migrated bool, mismatch, err error) {
	if source == nil {
		return false, nil, nil
	}
	raw, ok, err := source.Lookup(string(key))
	if err != nil {
		return false, nil, fmt.Errorf("read legacy %s: %w", key, err)
	}
	if !ok {
		return false, nil, nil
	}
	value, err := Decode(key, raw)
	if err != nil {
		return false, nil, err
	}
	if err := target.Put(ctx, key, value); err != nil {
		return false, nil, fmt.Errorf("write %s: %w", key, err)
	}
	return true, slices.Validate(key, value), nil
}

// Decode parses one legacy entry, unwraps a {data, lastUpdated} envelope and
// checks that the result has the slice's container type. Item contents are
// kept as they are. Failures wrap ErrMigrationEntryCorrupt.
func Decode(key slices.Key, raw string) (json.RawMessage, error) {
	var value json.RawMessage
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMigrationEntryCorrupt, key, err)
	}
	var envelope map[string]json.RawMessage
	if json.Unmarshal(value, &envelope) == nil {
		if data, ok := envelope["data"]; ok {
			value = data
		}
	}
	if err := slices.ValidateContainer(key, value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMigrationEntryCorrupt, err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMigrationEntryCorrupt, key, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
