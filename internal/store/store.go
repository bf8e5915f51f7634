// Package store is fleetd's durable state: the queue, run history,
// publish attempts, and the merge-proposal index, all backed by
// PostgreSQL. Every operation named in spec §4.1 is a method on *Store;
// writes that touch more than one table run inside a single
// transaction so a crash between them can never leave the queue and run
// history disagreeing about what happened.
package store

import (
	"context"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps a database handle. Everything — reads and transactional
// writes alike — goes through sqlx.DB rather than a separate native
// pgx pool, so the same github.com/DATA-DOG/go-sqlmock fake that covers
// read paths also covers every write path's generated SQL.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn, runs pending migrations, and returns a ready
// Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connections.
func (s *Store) Close() { s.db.Close() }
