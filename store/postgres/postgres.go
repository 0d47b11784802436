/*
Package postgres provides a PostgreSQL implementation of the storage interfaces.

PURPOSE:
  The production backend. It implements the same interfaces as store/sqlite
  with pgx and a connection pool, and adds row locks: inside WithTx,
  GetPosition reads with SELECT ... FOR UPDATE. The engine reads every key
  of a commit in sorted order before writing, so row locks are always taken
  in one global order and two opposite transfers cannot deadlock. Document
  and sale reads inside WithTx lock their row too, so a status check made
  in a commit hook holds until the transaction ends.

LOCK WAITS:
  Every transaction sets a local lock_timeout. A lock wait that runs out
  (55P03), a serialization failure (40001) or a detected deadlock (40P01)
  surfaces as generic.ErrConcurrentModification, which the engine retries
  and eventually reports as ErrContention.

UNIQUE KEYS:
  Inserts that may race use ON CONFLICT DO NOTHING and inspect the affected
  row count, so the transaction is not aborted:
    movements.idempotency_key   -> ErrAlreadyCommitted
    positions primary key       -> ErrConcurrentModification
    commissions.sale_ref        -> ErrAlreadyCommitted

NUMERIC:
  Quantities, volumes and money are NUMERIC columns mapped to
  shopspring/decimal through pgx-shopspring-decimal.

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/sqlite: The embedded backend
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
)

// Config holds the pool settings.
type Config struct {
	URL         string
	MaxConns    int32
	LockTimeout time.Duration // per transaction; 0 = 2s
}

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	queries
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type txStore struct {
	queries
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
	// forUpdate makes GetPosition, GetDocument and GetSale take a row lock.
	forUpdate bool
}

var (
	_ generic.TxStore       = (*Store)(nil)
	_ generic.DocumentStore = (*Store)(nil)
	_ generic.CatalogStore  = (*Store)(nil)
	_ sales.Store           = (*Store)(nil)
	_ generic.DocumentStore = (*txStore)(nil)
	_ sales.Store           = (*txStore)(nil)
	_ consumables.TxStore   = (*ConsumableStore)(nil)
)

// NewPool opens a pool with the decimal codec registered on every connection.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// New connects and migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{queries: queries{db: pool}, pool: pool, lockTimeout: cfg.LockTimeout}
	if s.lockTimeout <= 0 {
		s.lockTimeout = 2 * time.Second
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// WithTx runs fn in a READ COMMITTED transaction whose position reads lock
// their rows.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return s.withTx(ctx, func(q queries) error { return fn(&txStore{queries: q}) })
}

func (s *Store) withTx(ctx context.Context, fn func(queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return mapError(fmt.Errorf("set lock_timeout: %w", err))
	}

	if err := fn(queries{db: tx, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Consumables returns the consumable store sharing this pool.
func (s *Store) Consumables() *ConsumableStore {
	return &ConsumableStore{queries: s.queries, parent: s}
}

// ConsumableStore implements consumables.TxStore.
type ConsumableStore struct {
	queries
	parent *Store
}

func (c *ConsumableStore) WithTx(ctx context.Context, fn func(consumables.Store) error) error {
	return c.parent.withTx(ctx, func(q queries) error { return fn(&txStore{queries: q}) })
}

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		item TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		batch TEXT NOT NULL DEFAULT '',
		quantity NUMERIC NOT NULL,
		version BIGINT NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (item, warehouse, location, batch)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_warehouse ON positions(warehouse, location);

	CREATE TABLE IF NOT EXISTS movements (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		idempotency_key TEXT NOT NULL UNIQUE,
		item TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		batch TEXT NOT NULL DEFAULT '',
		from_warehouse TEXT,
		from_location TEXT,
		to_warehouse TEXT,
		to_location TEXT,
		quantity NUMERIC NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		doc_kind TEXT NOT NULL,
		doc_ref TEXT NOT NULL,
		line INTEGER NOT NULL,
		leg TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		movement_date TIMESTAMPTZ NOT NULL,
		quantity_after NUMERIC NOT NULL,
		reversal BOOLEAN NOT NULL DEFAULT FALSE,
		reverses_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_document ON movements(doc_kind, doc_ref);
	CREATE INDEX IF NOT EXISTS idx_movements_item_warehouse ON movements(item, warehouse, movement_date);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		lines JSONB NOT NULL,
		metadata JSONB,
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		history JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_kind_status ON documents(kind, status);

	CREATE TABLE IF NOT EXISTS sequences (
		prefix TEXT NOT NULL,
		year INTEGER NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (prefix, year)
	);

	CREATE TABLE IF NOT EXISTS warehouses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS locations (
		warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (warehouse_id, id)
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT '',
		min_stock NUMERIC NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consumable_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		slot INTEGER NOT NULL,
		max_volume NUMERIC,
		max_age_days INTEGER
	);

	CREATE TABLE IF NOT EXISTS host_models (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		types JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hosts (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consumable_units (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		type_id TEXT NOT NULL,
		slot INTEGER NOT NULL,
		install_date TIMESTAMPTZ NOT NULL,
		accumulated_volume NUMERIC NOT NULL,
		status TEXT NOT NULL,
		predecessor_id TEXT NOT NULL DEFAULT '',
		changed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_units_host ON consumable_units(host_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_units_live_slot
		ON consumable_units(host_id, slot) WHERE status <> 'changed';

	CREATE TABLE IF NOT EXISTS replacement_events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		unit_id TEXT NOT NULL UNIQUE,
		successor_id TEXT NOT NULL,
		host_id TEXT NOT NULL,
		type_id TEXT NOT NULL,
		slot INTEGER NOT NULL,
		replaced_by TEXT NOT NULL DEFAULT '',
		from_status TEXT NOT NULL DEFAULT '',
		volume NUMERIC NOT NULL,
		age_days INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		replaced_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_reports (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		host_id TEXT NOT NULL,
		volume NUMERIC NOT NULL,
		reported_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_host ON usage_reports(host_id);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		lines JSONB NOT NULL,
		discount NUMERIC NOT NULL DEFAULT 0,
		incentive_party_id TEXT NOT NULL DEFAULT '',
		commission_rate NUMERIC,
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		history JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		sale_ref TEXT NOT NULL UNIQUE,
		party_id TEXT NOT NULL,
		rate NUMERIC NOT NULL,
		base NUMERIC NOT NULL,
		amount NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
`

// =============================================================================
// ERRORS
// =============================================================================

const (
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// mapError turns lock waits and serialization failures into retryable
// conflicts.
func mapError(err error) error {
	switch pgCode(err) {
	case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
	}
	return err
}
