// Package memory provides an in-memory storage engine that simulates an
// on-device database shared by several connections. It backs tests and
// ephemeral environments, and can inject the failures real devices produce.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"hearth/pkg/domain"
)

var (
	_ domain.Connector = (*Device)(nil)
	_ domain.Engine    = (*conn)(nil)
)

// ErrDenied is the default error used by Deny.
var ErrDenied = errors.New("memory: storage access denied")

// Device is one simulated database location. The zero value is not usable;
// construct with NewDevice.
type Device struct {
	name string

	mu       sync.RWMutex
	version  int
	stores   map[string]map[string][]byte
	denyErr  error
	writeErr error
	pins     int
	conns    int
}

// NewDevice returns an empty device at version 0.
func NewDevice(name string) *Device {
	if name == "" {
		name = "default"
	}
	return &Device{name: name, stores: make(map[string]map[string][]byte)}
}

// Location implements domain.Connector.
func (d *Device) Location() string { return "memory://" + d.name }

// Connect implements domain.Connector.
func (d *Device) Connect(ctx context.Context) (domain.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denyErr != nil {
		return nil, d.denyErr
	}
	d.conns++
	return &conn{device: d}, nil
}

// Deny makes subsequent connects fail with err (ErrDenied when nil) until
// Allow is called.
func (d *Device) Deny(err error) {
	if err == nil {
		err = ErrDenied
	}
	d.mu.Lock()
	d.denyErr = err
	d.mu.Unlock()
}

// Allow clears a previous Deny.
func (d *Device) Allow() {
	d.mu.Lock()
	d.denyErr = nil
	d.mu.Unlock()
}

// FailWrites makes every put fail with err; nil clears the fault.
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// Pin simulates a foreign connection that never yields to a version change.
// Upgrades fail with domain.ErrStoreBusy until the returned release func runs.
func (d *Device) Pin() (release func()) {
	d.mu.Lock()
	d.pins++
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.pins--
			d.mu.Unlock()
		})
	}
}

// Connections reports the number of connections currently open.
func (d *Device) Connections() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conns
}

// Seed writes a record directly, creating the store when needed and
// bypassing injected faults. Intended for test fixtures.
func (d *Device) Seed(store, key string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	records, ok := d.stores[store]
	if !ok {
		records = make(map[string][]byte)
		d.stores[store] = records
	}
	records[key] = cloneBytes(value)
}

// SetVersion forces the on-device version. Intended for test fixtures.
func (d *Device) SetVersion(v int) {
	d.mu.Lock()
	d.version = v
	d.mu.Unlock()
}

type conn struct {
	device *Device
	closed atomic.Bool
}

func (c *conn) check(ctx context.Context) error {
	if c.closed.Load() {
		return domain.ErrEngineClosed
	}
	return ctx.Err()
}

func (c *conn) Version(ctx context.Context) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.device.mu.RLock()
	defer c.device.mu.RUnlock()
	return c.device.version, nil
}

func (c *conn) Upgrade(ctx context.Context, version int, stores []string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pins > 0 {
		return fmt.Errorf("upgrade to %d: %d pinned connection(s): %w", version, d.pins, domain.ErrStoreBusy)
	}
	if version < d.version {
		return fmt.Errorf("upgrade to %d: device already at %d", version, d.version)
	}
	for _, name := range stores {
		if _, ok := d.stores[name]; !ok {
			d.stores[name] = make(map[string][]byte)
		}
	}
	d.version = version
	return nil
}

func (c *conn) Stores(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.device.mu.RLock()
	names := make([]string, 0, len(c.device.stores))
	for name := range c.device.stores {
		names = append(names, name)
	}
	c.device.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (c *conn) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	c.device.mu.RLock()
	defer c.device.mu.RUnlock()
	records, ok := c.device.stores[store]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
	}
	v, ok := records[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (c *conn) Put(ctx context.Context, store, key string, value []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	records, ok := d.stores[store]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
	}
	records[key] = cloneBytes(value)
	return nil
}

func (c *conn) Scan(ctx context.Context, stores []string) (map[string][]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.device.mu.RLock()
	defer c.device.mu.RUnlock()
	out := make(map[string][]byte, len(stores))
	for _, name := range stores {
		records, ok := c.device.stores[name]
		if !ok {
			continue
		}
		if v, ok := records[name]; ok {
			out[name] = cloneBytes(v)
		}
	}
	return out, nil
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.device.mu.Lock()
	c.device.conns--
	c.device.mu.Unlock()
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
