// Package sqlite is the embedded SQLite backend on the pure-Go
// modernc.org/sqlite driver. Suitable for single-node deployments and
// tests that want real SQL semantics.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/inspect360/credits/store"
	"github.com/inspect360/credits/store/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Dialect is the SQLite flavor of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	EncodeTime:        sqlstore.UnixNano,
	IsUniqueViolation: isUniqueViolation,
	// No LockOrganization: Open uses one connection, so transactions
	// already run one at a time.
}

// Store implements store.Store using SQLite.
type Store struct {
	*sqlstore.Store
}

// Open opens (or creates) the database at path. Writes are serialized on a
// single connection.
func Open(path string) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{Store: sqlstore.New(db, Dialect)}
}

// Migrate applies the embedded migrations.
func (s *Store) Migrate(_ context.Context) error {
	driver, err := migratesqlite.WithInstance(s.DB(), &migratesqlite.Config{
		MigrationsTable: "credit_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("credits/sqlite: migration driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("credits/sqlite: migration source: %w", err)
	}
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("credits/sqlite: create migrator: %w", err)
	}
	// m.Close would close the shared *sql.DB, so only the source is closed.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("credits/sqlite: migration failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
