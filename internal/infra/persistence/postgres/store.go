// Package postgres hosts the slice database in Postgres: one JSONB table per
// sub-store plus a single-row schema table holding the version.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"hearth/pkg/domain"
)

var (
	_ domain.Connector = (*Connector)(nil)
	_ domain.Engine    = (*conn)(nil)
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/hearth?sslmode=disable"
	tablePrefix   = "store_"
	schemaTable   = "hearth_schema"
	// advisoryLockKey serialises schema upgrades across processes.
	advisoryLockKey int64 = 0x68656172746800
	undefinedTable        = "42P01"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Connector opens connections to one Postgres database. Connections share
// a single pooled *sql.DB.
type Connector struct {
	dsn string

	mu   sync.Mutex
	db   *sql.DB
	refs int
}

// NewConnector returns a connector for dsn (falls back to defaultDSN).
func NewConnector(dsn string) *Connector {
	if dsn == "" {
		dsn = defaultDSN
	}
	return &Connector{dsn: dsn}
}

// Location implements domain.Connector. Credentials are stripped.
func (c *Connector) Location() string {
	cfg, err := pgconn.ParseConfig(c.dsn)
	if err != nil {
		return "postgres://invalid"
	}
	return fmt.Sprintf("postgres://%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}

// Connect implements domain.Connector.
func (c *Connector) Connect(ctx context.Context) (domain.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		openMu.Lock()
		db, err := sqlOpen(defaultDriver, c.dsn)
		openMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		c.db = db
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
	return db.Close()
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

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *conn) Version(ctx context.Context) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	return readVersion(ctx, c.db)
}

func readVersion(ctx context.Context, q querier) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, `SELECT version FROM `+ident(schemaTable)+` WHERE id = 1`).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUndefinedTable(err):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("select schema version: %w", err)
	}
	return v, nil
}

func (c *conn) Upgrade(ctx context.Context, version int, stores []string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, advisoryLockKey).Scan(&locked); err != nil {
		return fmt.Errorf("acquire upgrade lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("upgrade to %d: %w", version, domain.ErrStoreBusy)
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + ident(schemaTable) + ` (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema table: %w", err)
	}
	current, err := readVersion(ctx, tx)
	if err != nil {
		return err
	}
	if version < current {
		return fmt.Errorf("upgrade to %d: database already at %d", version, current)
	}
	for _, name := range stores {
		if name == "" {
			return fmt.Errorf("invalid store name %q", name)
		}
		ddl := `CREATE TABLE IF NOT EXISTS ` + table(name) + ` (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL
		)`
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create store %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+ident(schemaTable)+`(id,version) VALUES(1,$1) ON CONFLICT(id) DO UPDATE SET version=EXCLUDED.version`, version); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (c *conn) Stores(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return listStores(ctx, c.db)
}

func listStores(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE 'store\_%'`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
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
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (c *conn) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	var value []byte
	err := c.db.QueryRowContext(ctx, `SELECT value FROM `+table(store)+` WHERE key = $1`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case isUndefinedTable(err):
		return nil, false, fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
	case err != nil:
		return nil, false, fmt.Errorf("select %s: %w", store, err)
	}
	return value, true, nil
}

func (c *conn) Put(ctx context.Context, store, key string, value []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	stmt := `INSERT INTO ` + table(store) + `(key,value) VALUES($1,$2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	if _, err := c.db.ExecContext(ctx, stmt, key, string(value)); err != nil {
		if isUndefinedTable(err) {
			return fmt.Errorf("%w: %s", domain.ErrNoSuchStore, store)
		}
		return fmt.Errorf("upsert %s: %w", store, err)
	}
	return nil
}

func (c *conn) Scan(ctx context.Context, stores []string) (map[string][]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
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
		err := tx.QueryRowContext(ctx, `SELECT value FROM `+table(name)+` WHERE key = $1`, name).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return nil, fmt.Errorf("select %s: %w", name, err)
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

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func table(store string) string {
	return ident(tablePrefix + store)
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
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
