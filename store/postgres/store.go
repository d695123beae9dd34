// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Every store operation is a single statement keyed by a primary key or a
// partition prefix of one:
//
//	<prefix>items          PRIMARY KEY (queue, slice_start, bucket, mail_key)
//	<prefix>locations      PRIMARY KEY (queue, enqueue_id)
//	<prefix>tombstones     PRIMARY KEY (queue, enqueue_id)
//	<prefix>watermarks     PRIMARY KEY (kind, queue)
//	<prefix>configuration  single row
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/queueview/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
	tables    tables
}

type tables struct {
	items, locations, tombstones, watermarks, configuration string
}

func newTables(prefix string) tables {
	return tables{
		items:         prefix + "items",
		locations:     prefix + "locations",
		tombstones:    prefix + "tombstones",
		watermarks:    prefix + "watermarks",
		configuration: prefix + "configuration",
	}
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
		tables: newTables(o.prefix),
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Open connects to dsn with the lib/pq driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	return New(db, opts...), nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Connect verifies the connection and creates the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// schema returns the DDL statements for the configured prefix.
func (s *Store) schema() []string {
	t := s.tables
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			queue                 TEXT        NOT NULL,
			slice_start           TIMESTAMPTZ NOT NULL,
			bucket                INTEGER     NOT NULL,
			mail_key              TEXT        NOT NULL,
			enqueue_id            UUID        NOT NULL,
			enqueued_time         TIMESTAMPTZ NOT NULL,
			sender                TEXT        NOT NULL DEFAULT '',
			recipients            TEXT[]      NOT NULL DEFAULT '{}',
			state                 TEXT        NOT NULL DEFAULT '',
			error_message         TEXT        NOT NULL DEFAULT '',
			remote_host           TEXT        NOT NULL DEFAULT '',
			remote_addr           TEXT        NOT NULL DEFAULT '',
			last_updated          TIMESTAMPTZ,
			attributes            JSONB       NOT NULL DEFAULT '{}',
			per_recipient_headers JSONB       NOT NULL DEFAULT '{}',
			header_blob_id        TEXT        NOT NULL DEFAULT '',
			body_blob_id          TEXT        NOT NULL DEFAULT '',
			PRIMARY KEY (queue, slice_start, bucket, mail_key)
		)`, t.items),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			queue       TEXT        NOT NULL,
			enqueue_id  UUID        NOT NULL,
			mail_key    TEXT        NOT NULL,
			slice_start TIMESTAMPTZ NOT NULL,
			bucket      INTEGER     NOT NULL,
			PRIMARY KEY (queue, enqueue_id)
		)`, t.locations),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			queue      TEXT        NOT NULL,
			enqueue_id UUID        NOT NULL,
			deleted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (queue, enqueue_id)
		)`, t.tombstones),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			kind  TEXT        NOT NULL,
			queue TEXT        NOT NULL,
			at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, queue)
		)`, t.watermarks),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id              SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			slice_window_ms BIGINT   NOT NULL,
			bucket_count    INTEGER  NOT NULL
		)`, t.configuration),
	}
}

// ensureSchema creates the required tables.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range s.schema() {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}
