package durable

import "errors"

var (
	// ErrStorageUnavailable means the slice database could not be opened:
	// permission denied, quota, a device that refuses storage, or a schema
	// newer than this build. Callers treat it as fatal for persistence only.
	ErrStorageUnavailable = errors.New("durable: storage unavailable")
	// ErrVersionChangeBlocked means a schema upgrade could not proceed
	// because another connection holds the store, or that this handle was
	// closed because another connection upgraded the schema.
	ErrVersionChangeBlocked = errors.New("durable: version change blocked")
	// ErrVersionDowngrade accompanies ErrStorageUnavailable when the device
	// holds a schema version newer than the running code expects.
	ErrVersionDowngrade = errors.New("durable: on-device schema is newer than this build")
	// ErrWriteFailed wraps every rejected put.
	ErrWriteFailed = errors.New("durable: write failed")
	// ErrReadOnly is returned by write operations on a read-only handle.
	ErrReadOnly = errors.New("durable: read-only handle")
	// ErrClosed is returned by operations on a handle closed by its owner.
	ErrClosed = errors.New("durable: handle closed")
)
