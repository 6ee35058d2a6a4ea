// Package sqlite hosts the slice database in a single SQLite file. Each
// sub-store is its own table and the schema version lives in
// PRAGMA user_version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"hearth/pkg/domain"
)

var (
	_ domain.Connector = (*Connector)(nil)
	_ domain.Engine    = (*conn)(nil)
)

const (
	driverName  = "sqlite"
	tablePrefix = "store_"
	defaultPath = "hearth.db"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex

	storeName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Connector opens connections to one SQLite file. Connections share a
// single *sql.DB which is closed when the last connection closes.
type Connector struct {
	path string

	mu   sync.Mutex
	db   *sql.DB
	refs int
}

// NewConnector returns a connector for the database file at path.
func NewConnector(path string) *Connector {
	if path == "" {
		path = defaultPath
	}
	return &Connector{path: path}
}

// Location implements domain.Connector.
func (c *Connector) Location() string { return "sqlite://" + c.path }

// Path returns the database file path.
func (c *Connector) Path() string { return c.path }

// Connect implements domain.Connector.
func (c *Connector) Connect(ctx context.Context) (domain.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		db, err := c.openDB(ctx)
		if err != nil {
			return nil, err
		}
		c.db = db
	}
	c.refs++
	return &conn{connector: c, db: c.db}, nil
}

func (c *Connector) openDB(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, c.path)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps pragmas stable and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
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
	return db.Close()
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return mapErr(fmt.Errorf("execute %q: %w", pragma, err))
		}
	}
	return nil
}

type conn struct {
	connector *Connector
	db        *sql.DB
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
	if err := c.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, mapErr(fmt.Errorf("get user_version: %w", err))
	}
	return v, nil
}

func (c *conn) Upgrade(ctx context.Context, version int, stores []string) (retErr error) {
	if err := c.check(ctx); err != nil {
		return err
	}
	for _, name := range stores {
		if !storeName.MatchString(name) {
			return fmt.Errorf("invalid store name %q", name)
		}
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("begin upgrade: %w", err))
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	var current int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return mapErr(fmt.Errorf("get user_version: %w", err))
	}
	if version < current {
		return fmt.Errorf("upgrade to %d: database already at %d", version, current)
	}
	for _, name := range stores {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`, table(name))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return mapErr(fmt.Errorf("create store %s: %w", name, err))
		}
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return mapErr(fmt.Errorf("set user_version: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("commit upgrade: %w", err))
	}
	return nil
}

func (c *conn) Stores(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return listStores(ctx, c.db)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listStores(ctx context.Context, q queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'store\_%' ESCAPE '\'`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list stores: %w", err))
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan store name: %w", err)
		}
		names = append(names, strings.TrimPrefix(name, tablePrefix))
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterate stores: %w", err))
	}
	sort.Strings(names)
	return names, nil
}

func (c *conn) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	if !storeName.MatchString(store) {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
	}
	var value []byte
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table(store)), key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, mapStoreErr(store, err)
	}
	return value, true, nil
}

func (c *conn) Put(ctx context.Context, store, key string, value []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if !storeName.MatchString(store) {
		return fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, table(store))
	if _, err := c.db.ExecContext(ctx, stmt, key, value); err != nil {
		return mapStoreErr(store, err)
	}
	return nil
}

func (c *conn) Scan(ctx context.Context, stores []string) (map[string][]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(fmt.Errorf("begin scan: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := listStores(ctx, tx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}
	out := make(map[string][]byte, len(stores))
	for _, name := range stores {
		if !present[name] {
			continue
		}
		var value []byte
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table(name)), name).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return nil, mapStoreErr(name, err)
		}
		out[name] = value
	}
	return out, nil
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.connector.release()
}

func table(store string) string {
	return `"` + tablePrefix + store + `"`
}

func mapStoreErr(store string, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
	}
	return mapErr(fmt.Errorf("store %s: %w", store, err))
}

// mapErr tags lock contention with domain.ErrStoreBusy.
func mapErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", domain.ErrStoreBusy, err)
	}
	return err
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
