/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine in one database so
  a stock commit, its ledger rows and the status change of the document
  that caused it land in a single SQL transaction.

INTERFACES IMPLEMENTED:
  generic.TxStore:        Positions and movements
  generic.DocumentStore:  Workflow documents and reference sequences
  generic.CatalogStore:   Warehouses, locations, items
  sales.Store:            Sales and commissions
  consumables.TxStore:    Via Store.Consumables()

  The Store handed to WithTx callbacks implements all of them, which is how
  WorkflowService and sales.Sequencer make their saves atomic with stock.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the movements table
  - Corrections via reversal movements only
  - idempotency_key is UNIQUE; a duplicate insert is ErrAlreadyCommitted

KEY TABLES:
  positions:          On-hand quantity per (item, warehouse, location, batch)
  movements:          Immutable ledger
  documents:          Workflow documents (lines, metadata and history as JSON)
  sequences:          Reference counters per (prefix, year)
  consumable_units:   One row per installed unit; partial unique index keeps
                      one live unit per (host, slot)

CONCURRENCY:
  positions.version is a compare-and-swap counter. Write transactions begin
  IMMEDIATE (_txlock=immediate) so two writers never deadlock upgrading a
  read lock, and _busy_timeout lets SQLite wait briefly before reporting
  SQLITE_BUSY. Busy and locked errors surface as
  generic.ErrConcurrentModification, which the engine retries.

WAL MODE:
  File databases are opened with WAL so readers never block the writer.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := generic.NewEngine(store)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/postgres: The same schema on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	pool *sql.DB
}

// txStore is the Store handed to WithTx callbacks.
type txStore struct {
	queries
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. It runs against the pool or a transaction.
type queries struct {
	db dbtx
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

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{db: db}, pool: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.pool.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.pool }

// WithTx executes fn within a database transaction. fn must only use the
// Store it is given.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return s.withTx(ctx, func(q queries) error { return fn(&txStore{queries: q}) })
}

func (s *Store) withTx(ctx context.Context, fn func(queries) error) error {
	sqlTx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Consumables returns the consumable store sharing this database.
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

func (s *Store) migrate() error {
	_, err := s.pool.Exec(schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		item TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		batch TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		version INTEGER NOT NULL,
		last_updated TEXT NOT NULL,
		PRIMARY KEY (item, warehouse, location, batch)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_warehouse
		ON positions(warehouse, location);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
		quantity TEXT NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		doc_kind TEXT NOT NULL,
		doc_ref TEXT NOT NULL,
		line INTEGER NOT NULL,
		leg TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		movement_date TEXT NOT NULL,
		quantity_after TEXT NOT NULL,
		reversal INTEGER NOT NULL DEFAULT 0,
		reverses_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_document
		ON movements(doc_kind, doc_ref);
	CREATE INDEX IF NOT EXISTS idx_movements_item_warehouse
		ON movements(item, warehouse, movement_date);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		metadata_json TEXT,
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		history_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_kind_status
		ON documents(kind, status);

	CREATE TABLE IF NOT EXISTS sequences (
		prefix TEXT NOT NULL,
		year INTEGER NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (prefix, year)
	);

	-- Catalog
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
		min_stock TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	-- Consumables
	CREATE TABLE IF NOT EXISTS consumable_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		slot INTEGER NOT NULL,
		max_volume TEXT,
		max_age_days INTEGER
	);

	CREATE TABLE IF NOT EXISTS host_models (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		types_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hosts (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consumable_units (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		type_id TEXT NOT NULL,
		slot INTEGER NOT NULL,
		install_date TEXT NOT NULL,
		accumulated_volume TEXT NOT NULL,
		status TEXT NOT NULL,
		predecessor_id TEXT NOT NULL DEFAULT '',
		changed_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_units_host
		ON consumable_units(host_id);
	-- CRITICAL: one live unit per (host, slot)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_units_live_slot
		ON consumable_units(host_id, slot) WHERE status <> 'changed';

	CREATE TABLE IF NOT EXISTS replacement_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		unit_id TEXT NOT NULL UNIQUE,
		successor_id TEXT NOT NULL,
		host_id TEXT NOT NULL,
		type_id TEXT NOT NULL,
		slot INTEGER NOT NULL,
		replaced_by TEXT NOT NULL DEFAULT '',
		from_status TEXT NOT NULL DEFAULT '',
		volume TEXT NOT NULL,
		age_days INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		replaced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_reports (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		host_id TEXT NOT NULL,
		volume TEXT NOT NULL,
		reported_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_host
		ON usage_reports(host_id);

	-- Sales
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		discount TEXT NOT NULL DEFAULT '0',
		incentive_party_id TEXT NOT NULL DEFAULT '',
		commission_rate TEXT,
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		history_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		sale_ref TEXT NOT NULL UNIQUE,
		party_id TEXT NOT NULL,
		rate TEXT NOT NULL,
		base TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
`

// =============================================================================
// ERRORS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isBusyError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// mapError turns SQLite lock errors into retryable conflicts.
func mapError(err error) error {
	if isBusyError(err) {
		return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
	}
	return err
}
