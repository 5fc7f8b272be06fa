// Package store implements the relational persistence layer: receipts,
// invalid receipts, RAVs, RAV-request forensics and the denylist, plus the
// notification fan-outs the rest of the core depends on. Schema migrations
// are carried here (golang-migrate) but
// applying them at startup is optional — deployments treat the schema as
// owned by an external migrator; this package can run them when embedded
// migrations are enabled, matching the teacher's channeldb.Open, which
// self-migrates on open.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // dialect for "postgres://" DSNs
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver used by golang-migrate

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/logutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var log = logutil.Disabled

// UseLogger installs subsystem logging for the store package, following
// the teacher's per-package logger convention.
func UseLogger(l logutil.Logger) {
	log = l
}

// Store wraps a pgx connection pool with the queries the core requires. It
// is safe for concurrent use: pgx pools hand out independent connections
// per query.
type Store struct {
	pool *pgxpool.Pool

	receiptNotices chanSet
}

// Open connects to Postgres at dsn and returns a ready Store. Callers
// typically follow this with ApplyMigrations in environments that don't
// run an external migrator.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: connect: %w", err))
	}
	return &Store{pool: pool, receiptNotices: newChanSet()}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for components (like the denylist
// listener) that need a raw connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ApplyMigrations runs every pending embedded migration against dsn. It is
// opt-in: the agent assumes the schema exists, so production deployments
// typically run a dedicated migrator instead.
func ApplyMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}
