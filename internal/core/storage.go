package core

import (
	"fmt"
	"log/slog"

	"hearth/internal/config"
	"hearth/internal/infra/persistence/bolt"
	"hearth/internal/infra/persistence/memory"
	"hearth/internal/infra/persistence/postgres"
	"hearth/internal/infra/persistence/sqlite"
	"hearth/pkg/domain"
)

// OpenConnector selects the storage engine named by cfg.Driver. Nothing is
// opened until the connector is first used.
//
//	memory    process-local, lost on exit
//	sqlite    embedded file at cfg.Path (default hearth.db)
//	bolt      embedded file at cfg.Path (default hearth.bolt)
//	postgres  server at cfg.DSN
func OpenConnector(cfg config.StorageConfig, logger *slog.Logger) (domain.Connector, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewDevice("hearth"), nil
	case "", config.DriverSQLite:
		return sqlite.NewConnector(cfg.Path), nil
	case config.DriverBolt:
		opts := []bolt.Option{bolt.WithLogger(logger)}
		if cfg.LockTimeout > 0 {
			opts = append(opts, bolt.WithTimeout(cfg.LockTimeout))
		}
		return bolt.NewConnector(cfg.Path, opts...), nil
	case config.DriverPostgres:
		return postgres.NewConnector(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
