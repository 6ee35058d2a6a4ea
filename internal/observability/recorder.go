// Package observability provides the metrics recorders used by the store,
// the migration and the export agent.
package observability

import (
	"context"
	"time"
)

// Recorder receives operation timings and discrete event counts.
type Recorder interface {
	// Observe records the outcome of one timed operation.
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	// Count increments the counter for event by n.
	Count(ctx context.Context, event string, n int)
}

// Nop is a Recorder that discards everything.
type Nop struct{}

// Observe implements Recorder.
func (Nop) Observe(context.Context, string, bool, time.Duration) {}

// Count implements Recorder.
func (Nop) Count(context.Context, string, int) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Time returns a func that records operation when called with the final error.
//
//	done := observability.Time(ctx, rec, "durable.put")
//	err := work()
//	done(err)
func Time(ctx context.Context, r Recorder, operation string) func(error) {
	started := time.Now()
	return func(err error) {
		OrNop(r).Observe(ctx, operation, err == nil, time.Since(started))
	}
}

// Multi fans out to several recorders.
type Multi []Recorder

// Observe implements Recorder.
func (m Multi) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		if r != nil {
			r.Observe(ctx, operation, success, duration)
		}
	}
}

// Count implements Recorder.
func (m Multi) Count(ctx context.Context, event string, n int) {
	for _, r := range m {
		if r != nil {
			r.Count(ctx, event, n)
		}
	}
}
