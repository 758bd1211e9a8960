package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/db"
)

// Provide opens the configured database driver and returns a ready Store.
func Provide(cfg *config.DatabaseConfig) (Store, func() error, error) {
	switch cfg.Driver {
	case "sqlite", "":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		s, err := New(pool, "sqlite3")
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlxDB := sqlx.NewDb(conn, "pgx")
		pool := db.NewPool(sqlxDB, sqlxDB)
		s, err := New(pool, "pgx")
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
