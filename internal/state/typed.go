package state

import (
	"encoding/json"
	"fmt"

	"hearth/pkg/slices"
)

// Read returns the mirror value of sl, or def when the slice is absent or
// its stored value does not decode as T.
func Read[T any](s *Store, sl slices.Slice[T], def T) T {
	raw, ok := s.ReadRaw(sl.Key())
	if !ok {
		return def
	}
	v, err := sl.Decode(raw)
	if err != nil {
		s.logger.Warn("stored slice does not decode, using default", "key", sl.Key(), "error", err)
		return def
	}
	return v
}

// Write replaces the value of sl.
func Write[T any](s *Store, sl slices.Slice[T], v T) error {
	raw, err := sl.Encode(v)
	if err != nil {
		return err
	}
	return s.UpdateRaw(sl.Key(), func(json.RawMessage, bool) (json.RawMessage, error) {
		return raw, nil
	})
}

// Update applies fn to the current value of sl (def when absent). A stored
// value that does not decode as T is left untouched and the decode error,
// wrapping slices.ErrInvalidValue, is returned.
//
//	state.Update(store, slices.Tasks, nil, func(ts []domain.Task) []domain.Task {
//		return append(ts, task)
//	})
func Update[T any](s *Store, sl slices.Slice[T], def T, fn func(T) T) error {
	return s.UpdateRaw(sl.Key(), func(cur json.RawMessage, ok bool) (json.RawMessage, error) {
		v := def
		if ok {
			decoded, err := sl.Decode(cur)
			if err != nil {
				s.logger.Warn("stored slice does not decode, update refused", "key", sl.Key(), "error", err)
				return nil, fmt.Errorf("%w: %w", slices.ErrInvalidValue, err)
			}
			v = decoded
		}
		return sl.Encode(fn(v))
	})
}

// Binding pairs a getter and setter for one slice.
type Binding[T any] struct {
	store *Store
	slice slices.Slice[T]
	def   T
}

// Bind returns the getter/setter pair for sl with default def.
func Bind[T any](s *Store, sl slices.Slice[T], def T) Binding[T] {
	return Binding[T]{store: s, slice: sl, def: def}
}

// Get returns the current value.
func (b Binding[T]) Get() T { return Read(b.store, b.slice, b.def) }

// Set replaces the value.
func (b Binding[T]) Set(v T) error { return Write(b.store, b.slice, v) }

// Update applies fn to the current value.
func (b Binding[T]) Update(fn func(T) T) error { return Update(b.store, b.slice, b.def, fn) }

// Subscribe calls fn with every new value.
func (b Binding[T]) Subscribe(fn func(T)) (cancel func()) {
	return b.store.Subscribe(b.slice.Key(), func(c Change) {
		v, err := b.slice.Decode(c.Value)
		if err != nil {
			v = b.def
		}
		fn(v)
	})
}
