// Package state is the reactive façade over the slice database: an
// in-memory mirror of every slice, loaded once, read synchronously, and
// written back to durable storage in the background.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"hearth/internal/durable"
	"hearth/internal/legacy"
	"hearth/internal/migration"
	"hearth/internal/observability"
	"hearth/pkg/slices"
)

// Status is the façade lifecycle state.
type Status int

const (
	Uninitialized Status = iota
	Loading
	Ready
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Change is delivered to subscribers after a slice's mirror value changes.
type Change struct {
	Key   slices.Key
	Value json.RawMessage
}

// Updater computes a slice's next value from its current mirror value.
// During Loading an updater may run twice: once against the interim mirror
// and again on top of the loaded value, so it must not have side effects.
type Updater func(current json.RawMessage, ok bool) (json.RawMessage, error)

type pendingOp struct {
	key   slices.Key
	apply Updater
}

// Store is one running instance's view of the slice database. Build one per
// process and pass it to the code that needs it.
type Store struct {
	opener  *durable.Opener
	legacy  legacy.Store
	logger  *slog.Logger
	metrics observability.Recorder

	mu        sync.Mutex
	status    Status
	degraded  bool
	closed    bool
	initErr   error
	migration *migration.Report
	mirror    map[slices.Key]json.RawMessage
	pending   []pendingOp
	subs      map[slices.Key]map[int]func(Change)
	nextSub   int
	initDone  chan struct{}

	failMu   sync.Mutex
	failures int
	lastFail error

	queue  *queue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLegacy sets the legacy flat store migrated on Initialize.
func WithLegacy(source legacy.Store) Option {
	return func(s *Store) { s.legacy = source }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec observability.Recorder) Option {
	return func(s *Store) { s.metrics = observability.OrNop(rec) }
}

// New returns an uninitialized store backed by opener and starts its
// background writer. A nil opener yields a memory-only store.
func New(opener *durable.Opener, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opener:  opener,
		logger:  slog.Default(),
		metrics: observability.Nop{},
		mirror:  make(map[slices.Key]json.RawMessage),
		subs:    make(map[slices.Key]map[int]func(Change)),
		queue:   newQueue(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "state")
	s.wg.Add(1)
	go s.loop()
	return s
}

// Status returns the lifecycle state.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Degraded reports whether durable persistence is off for this session.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// InitError returns the error that put the store in degraded mode, if any.
func (s *Store) InitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// MigrationReport returns the report of the migration run by Initialize.
func (s *Store) MigrationReport() (migration.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migration == nil {
		return migration.Report{}, false
	}
	return *s.migration, true
}

// Initialize opens the durable store, migrates legacy data, bulk-loads
// every slice and moves the store to Ready. Only the first call does the
// work; later calls wait for it and return its result. On failure the store
// is still Ready, with persistence disabled, and the error is returned for
// diagnostics only.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initDone != nil {
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-done:
			return s.InitError()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.initDone = make(chan struct{})
	s.status = Loading
	s.mu.Unlock()

	finish := observability.Time(ctx, s.metrics, "state.initialize")
	loaded, report, err := s.load(ctx)
	finish(err)

	s.mu.Lock()
	s.migration = report
	if err != nil {
		s.degraded = true
		s.initErr = err
		s.pending = nil
		s.logger.Warn("durable store unavailable, continuing memory-only", "error", err)
	} else {
		s.replayLocked(loaded)
	}
	s.status = Ready
	snapshot := s.snapshotLocked()
	notify := s.allSubscribersLocked()
	close(s.initDone)
	s.mu.Unlock()

	for key, fns := range notify {
		if v, ok := snapshot[key]; ok {
			deliver(fns, Change{Key: key, Value: v})
		}
	}
	return err
}

func (s *Store) load(ctx context.Context) (map[slices.Key]json.RawMessage, *migration.Report, error) {
	if s.opener == nil {
		return nil, nil, fmt.Errorf("%w: no durable store configured", durable.ErrStorageUnavailable)
	}
	h, err := s.opener.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	var report *migration.Report
	if s.legacy != nil {
		r, err := migration.Run(ctx, h, s.legacy,
			migration.WithLogger(s.logger), migration.WithMetrics(s.metrics))
		if err != nil {
			return nil, nil, fmt.Errorf("migrate legacy store: %w", err)
		}
		report = &r
	}
	loaded, err := h.GetAll(ctx)
	if err != nil {
		return nil, report, fmt.Errorf("bulk load: %w", err)
	}
	return loaded, report, nil
}

// replayLocked publishes the loaded values, then reapplies every operation
// issued while Loading on top of them and queues the results.
func (s *Store) replayLocked(loaded map[slices.Key]json.RawMessage) {
	interim := s.mirror
	s.mirror = make(map[slices.Key]json.RawMessage, len(loaded))
	for k, v := range loaded {
		s.mirror[k] = v
	}
	for _, op := range s.pending {
		cur, ok := s.mirror[op.key]
		next, err := resolve(op.key, op.apply, cur, ok)
		if err != nil {
			// keep the value the caller already observed
			next = interim[op.key]
			s.logger.Warn("replaying interim write failed", "key", op.key, "error", err)
		}
		s.mirror[op.key] = next
		s.queue.push(write{key: op.key, value: next})
	}
	if n := len(s.pending); n > 0 {
		s.logger.Debug("replayed writes issued while loading", "count", n)
	}
	s.pending = nil
}

// ReadRaw returns the mirror value of key. Before Ready only values written
// during this session are present.
func (s *Store) ReadRaw(key slices.Key) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mirror[key]
	return v, ok
}

// Snapshot copies the whole mirror.
func (s *Store) Snapshot() map[slices.Key]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() map[slices.Key]json.RawMessage {
	out := make(map[slices.Key]json.RawMessage, len(s.mirror))
	for k, v := range s.mirror {
		out[k] = v
	}
	return out
}

// WriteRaw replaces the value of key. value must match the slice shape.
// The durable write happens in the background; its failure is logged, not
// returned.
func (s *Store) WriteRaw(key slices.Key, value json.RawMessage) error {
	if err := slices.Validate(key, value); err != nil {
		return err
	}
	stored := append(json.RawMessage(nil), value...)
	return s.UpdateRaw(key, func(json.RawMessage, bool) (json.RawMessage, error) {
		return stored, nil
	})
}

// UpdateRaw resolves fn against the current mirror value under the store
// lock, so rapid successive updates never lose each other.
func (s *Store) UpdateRaw(key slices.Key, fn Updater) error {
	if _, ok := slices.Lookup(key); !ok {
		return fmt.Errorf("%w: %q", slices.ErrUnknownSlice, key)
	}
	s.mu.Lock()
	cur, ok := s.mirror[key]
	next, err := resolve(key, fn, cur, ok)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mirror[key] = next
	switch {
	case s.status != Ready:
		s.pending = append(s.pending, pendingOp{key: key, apply: fn})
	case s.degraded || s.closed:
		s.metrics.Count(s.ctx, "state.write_dropped", 1)
	default:
		s.queue.push(write{key: key, value: next})
	}
	fns := s.subscribersLocked(key)
	s.mu.Unlock()

	deliver(fns, Change{Key: key, Value: next})
	return nil
}

// resolve runs fn and rejects a result that is not a single JSON value.
func resolve(key slices.Key, fn Updater, cur json.RawMessage, ok bool) (json.RawMessage, error) {
	next, err := fn(cur, ok)
	if err != nil {
		return nil, err
	}
	if !json.Valid(next) {
		return nil, fmt.Errorf("%w: %s: updater returned invalid JSON", slices.ErrInvalidValue, key)
	}
	return next, nil
}

// Subscribe registers fn for changes to key and returns a func that
// removes it. fn runs on the goroutine that made the change, after the
// mirror is updated and outside the store lock.
func (s *Store) Subscribe(key slices.Key, fn func(Change)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(Change))
	}
	s.subs[key][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[key], id)
		})
	}
}

func (s *Store) subscribersLocked(key slices.Key) []func(Change) {
	fns := make([]func(Change), 0, len(s.subs[key]))
	for _, fn := range s.subs[key] {
		fns = append(fns, fn)
	}
	return fns
}

func (s *Store) allSubscribersLocked() map[slices.Key][]func(Change) {
	out := make(map[slices.Key][]func(Change), len(s.subs))
	for key := range s.subs {
		if fns := s.subscribersLocked(key); len(fns) > 0 {
			out[key] = fns
		}
	}
	return out
}

func deliver(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}

// Pending reports how many durable writes are queued.
func (s *Store) Pending() int { return s.queue.len() }

// Flush waits until every durable write queued before the call has been
// attempted.
func (s *Store) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !s.queue.push(write{barrier: barrier}) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("state: store closed")

// Close flushes queued writes, stops the writer and closes the durable
// handle. Later writes still update the mirror but are not persisted.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.queue.close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
	s.cancel()
	if s.opener != nil {
		return s.opener.Close()
	}
	return nil
}

func (s *Store) loop() {
	defer s.wg.Done()
	for {
		w, ok := s.queue.pop()
		if !ok {
			return
		}
		if w.barrier != nil {
			close(w.barrier)
			continue
		}
		s.persist(w)
	}
}

func (s *Store) persist(w write) {
	ctx := s.ctx
	err := s.put(ctx, w)
	if errors.Is(err, durable.ErrVersionChangeBlocked) {
		// the handle closed before the put reached the engine; reopen once
		s.logger.Info("durable handle closed by version change, reopening", "key", w.key)
		err = s.put(ctx, w)
	}
	if err != nil {
		s.metrics.Count(ctx, "state.write_failed", 1)
		s.logger.Warn("durable write failed", "key", w.key, "error", err)
		s.failMu.Lock()
		s.failures++
		s.lastFail = fmt.Errorf("persist %s: %w", w.key, err)
		s.failMu.Unlock()
	}
}

// WriteFailures reports how many background durable writes have failed
// since New, and the most recent failure. Call Flush first to include
// writes still queued.
func (s *Store) WriteFailures() (int, error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures, s.lastFail
}

func (s *Store) put(ctx context.Context, w write) error {
	h, err := s.opener.Open(ctx)
	if err != nil {
		return err
	}
	return h.Put(ctx, w.key, w.value)
}
