// Package bolt hosts the slice database in a bbolt file, one bucket per
// sub-store.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"hearth/pkg/domain"
)

var (
	_ domain.Connector = (*Connector)(nil)
	_ domain.Engine    = (*conn)(nil)
)

var (
	schemaBucket = []byte("!schema")
	versionKey   = []byte("version")
)

// Connector opens connections to one bbolt file. bbolt takes an exclusive
// file lock, so connections in the same process share one *bbolt.DB.
type Connector struct {
	path    string
	logger  *slog.Logger
	timeout time.Duration
	noSync  bool

	mu   sync.Mutex
	db   *bbolt.DB
	refs int
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds how long opening waits for the file lock held by
// another process.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) { c.timeout = d }
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) Option {
	return func(c *Connector) { c.noSync = noSync }
}

// NewConnector returns a connector for the bbolt file at path.
func NewConnector(path string, opts ...Option) *Connector {
	c := &Connector{
		path:    path,
		logger:  slog.Default(),
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "bolt")
	return c
}

// Location implements domain.Connector.
func (c *Connector) Location() string { return "bolt://" + c.path }

// Connect implements domain.Connector.
func (c *Connector) Connect(ctx context.Context) (domain.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
		db, err := bbolt.Open(c.path, 0o600, &bbolt.Options{
			Timeout: c.timeout,
			NoSync:  c.noSync,
		})
		if err != nil {
			if errors.Is(err, bbolt.ErrTimeout) {
				return nil, fmt.Errorf("open %s: %w: %w", c.path, domain.ErrStoreBusy, err)
			}
			return nil, fmt.Errorf("opening database: %w", err)
		}
		c.db = db
		c.logger.Debug("opened bolt database", "path", c.path, "noSync", c.noSync)
	}
	c.refs++
	return &conn{connector: c, db: c.db}, nil
}

func (c *Connector) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs > 0 || c.db == nil {
		return nil
	}
	db := c.db
	c.db = nil
	c.logger.Debug("closing bolt database", "path", c.path)
	return db.Close()
}

type conn struct {
	connector *Connector
	db        *bbolt.DB
	closed    atomic.Bool
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
	var v int
	err := c.db.View(func(tx *bbolt.Tx) error {
		var err error
		v, err = readVersion(tx)
		return err
	})
	return v, err
}

func readVersion(tx *bbolt.Tx) (int, error) {
	b := tx.Bucket(schemaBucket)
	if b == nil {
		return 0, nil
	}
	raw := b.Get(versionKey)
	if raw == nil {
		return 0, nil
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("decode schema version %q: %w", raw, err)
	}
	return v, nil
}

func (c *conn) Upgrade(ctx context.Context, version int, stores []string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		current, err := readVersion(tx)
		if err != nil {
			return err
		}
		if version < current {
			return fmt.Errorf("upgrade to %d: database already at %d", version, current)
		}
		for _, name := range stores {
			if name == "" || name == string(schemaBucket) {
				return fmt.Errorf("invalid store name %q", name)
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		meta, err := tx.CreateBucketIfNotExists(schemaBucket)
		if err != nil {
			return fmt.Errorf("creating schema bucket: %w", err)
		}
		return meta.Put(versionKey, []byte(strconv.Itoa(version)))
	})
}

func (c *conn) Stores(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var names []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if string(name) != string(schemaBucket) {
				names = append(names, string(name))
			}
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

func (c *conn) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	var (
		data []byte
		ok   bool
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := bucket(tx, store)
		if b == nil {
			return fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
		}
		val := b.Get([]byte(key))
		if val == nil {
			return nil
		}
		// values are only valid for the life of the transaction
		data = make([]byte, len(val))
		copy(data, val)
		ok = true
		return nil
	})
	return data, ok, err
}

func (c *conn) Put(ctx context.Context, store, key string, value []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := bucket(tx, store)
		if b == nil {
			return fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
		}
		return b.Put([]byte(key), value)
	})
}

func (c *conn) Scan(ctx context.Context, stores []string) (map[string][]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(stores))
	err := c.db.View(func(tx *bbolt.Tx) error {
		for _, name := range stores {
			b := bucket(tx, name)
			if b == nil {
				continue
			}
			if val := b.Get([]byte(name)); val != nil {
				out[name] = append([]byte(nil), val...)
			}
		}
		return nil
	})
	return out, err
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.connector.release()
}

func bucket(tx *bbolt.Tx, store string) *bbolt.Bucket {
	if store == "" || store == string(schemaBucket) {
		return nil
	}
	return tx.Bucket([]byte(store))
}
