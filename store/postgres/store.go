// Package postgres is the PostgreSQL backend, built on lib/pq with
// golang-migrate schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/inspect360/credits/store"
	"github.com/inspect360/credits/store/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Dialect is the PostgreSQL flavor of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Numbered:          true,
	EncodeTime:        sqlstore.Native,
	IsUniqueViolation: isUniqueViolation,
	LockOrganization:  `SELECT pg_advisory_xact_lock(hashtext(?))`,
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	*sqlstore.Store
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credits/postgres: ping: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{Store: sqlstore.New(db, Dialect)}
}

// Migrate applies the embedded migrations. It is safe to call on every
// start.
func (s *Store) Migrate(ctx context.Context) error {
	conn, err := s.DB().Conn(ctx)
	if err != nil {
		return fmt.Errorf("credits/postgres: acquire connection: %w", err)
	}

	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{
		MigrationsTable: "credit_schema_migrations",
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("credits/postgres: migration driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("credits/postgres: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return fmt.Errorf("credits/postgres: create migrator: %w", err)
	}
	// The driver owns only conn, so closing it leaves the pool open.
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("credits/postgres: migration failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
