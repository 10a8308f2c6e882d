// Order store backends selected by DSN: in-memory, SQLite and PostgreSQL
// SQL backends share schema migrations embedded from migrations/
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/andrewh/ordertrace/pkg/orders"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Store is an orders.Store that holds resources.
type Store interface {
	orders.Store
	Close() error
}

// Open selects a backend from dsn:
//   - "memory" (or empty) for a process-local map
//   - "sqlite://path" or "sqlite::memory:" for SQLite
//   - "postgres://..." or "postgresql://..." for PostgreSQL
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return nonNil(OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://")))
	case strings.HasPrefix(dsn, "sqlite:"):
		return nonNil(OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:")))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return nonNil(OpenPostgres(ctx, dsn, DefaultConnectAttempts))
	default:
		return nil, fmt.Errorf("unsupported store %q (expected memory, sqlite://path or postgres://...)", dsn)
	}
}

// nonNil keeps a failed open from returning a typed nil Store.
func nonNil[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// migrateUp applies the named migration set to an open database driver.
// The migrate instance is not closed because that would close the caller's *sql.DB.
func migrateUp(set, dbName string, driver database.Driver) error {
	src, err := iofs.New(migrations, "migrations/"+set)
	if err != nil {
		return fmt.Errorf("loading %s migrations: %w", set, err)
	}
	defer func() { _ = src.Close() }()

	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return fmt.Errorf("initialising migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
