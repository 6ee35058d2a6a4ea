package domain

import (
	"context"
	"errors"
)

// Engine is the minimal contract a physical storage backend must satisfy to
// host the slice database. An engine holds named sub-stores; each sub-store
// maps a record key to a raw JSON value.
type Engine interface {
	// Version returns the schema version recorded on the device, 0 when the
	// database has never been initialised.
	Version(ctx context.Context) (int, error)
	// Upgrade creates every missing sub-store in stores and records version,
	// atomically. Existing sub-stores and their records are left untouched.
	Upgrade(ctx context.Context, version int, stores []string) error
	// Stores lists the sub-stores that physically exist.
	Stores(ctx context.Context) ([]string, error)
	// Get returns the record stored under key in store. ok is false when the
	// record is absent. A missing store yields ErrNoSuchStore.
	Get(ctx context.Context, store, key string) (value []byte, ok bool, err error)
	// Put replaces the record stored under key in store.
	Put(ctx context.Context, store, key string, value []byte) error
	// Scan reads, within a single read transaction, the record keyed by the
	// store's own name from each listed store. Stores without such a record
	// are omitted from the result.
	Scan(ctx context.Context, stores []string) (map[string][]byte, error)
	// Close releases the connection.
	Close() error
}

// Connector produces engine connections to one physical database location.
// Several connections may be open against the same location at once.
type Connector interface {
	Location() string
	Connect(ctx context.Context) (Engine, error)
}

var (
	// ErrNoSuchStore is returned when a sub-store does not exist.
	ErrNoSuchStore = errors.New("persistence: no such store")
	// ErrStoreBusy is returned when another connection holds a lock that
	// prevents the operation (typically a schema upgrade) from proceeding.
	ErrStoreBusy = errors.New("persistence: store locked by another connection")
	// ErrEngineClosed is returned by operations on a closed engine connection.
	ErrEngineClosed = errors.New("persistence: engine closed")
)
