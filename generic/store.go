/*
store.go - Persistence interfaces for positions, movements and documents

PURPOSE:
  Defines the interface between the engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:         Positions (compare-and-swap) and movements (append-only)
  TxStore:       Transactional operations (atomic multi-table writes)
  DocumentStore: Workflow documents and reference sequences
  Catalog:       Read-only master data lookups (items, warehouses, locations)

POSITION WRITES:
  PutPosition and DeletePosition take the version the caller read.
  A mismatch returns ErrConcurrentModification; expectedVersion 0 means
  "the row must not exist yet". The engine retries on that error and
  surfaces ErrContention when retries run out.

APPEND-ONLY CONTRACT:
  Movements are only ever appended. There is no Update or Delete for them.
  A second append with the same idempotency key returns ErrAlreadyCommitted.

ROW LOCKS:
  Inside WithTx, GetPosition reads the row for update where the backend
  supports it (PostgreSQL SELECT ... FOR UPDATE). The engine reads keys
  in PositionKey.Less order so row locks are taken in a global order.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level ledger using Store
  - engine.go: The only writer of positions
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Positions and movements
// =============================================================================

type Store interface {
	// GetPosition returns the position at key, or nil if no row exists.
	GetPosition(ctx context.Context, key PositionKey) (*StockPosition, error)

	// PutPosition inserts (expectedVersion 0) or updates the row if its
	// current version equals expectedVersion.
	PutPosition(ctx context.Context, pos StockPosition, expectedVersion int64) error

	// DeletePosition removes the row if its current version equals expectedVersion.
	DeletePosition(ctx context.Context, key PositionKey, expectedVersion int64) error

	// ListPositions returns positions matching the filter, ordered by key.
	ListPositions(ctx context.Context, filter PositionFilter) ([]StockPosition, error)

	// AppendMovement persists a movement. Returns ErrAlreadyCommitted if the
	// idempotency key exists. This is the ONLY write operation on movements.
	AppendMovement(ctx context.Context, rec MovementRecord) error

	// MovementByKey returns the movement with this idempotency key, or nil.
	MovementByKey(ctx context.Context, idempotencyKey string) (*MovementRecord, error)

	// MovementsByDocument returns all movements for a document, in append order.
	MovementsByDocument(ctx context.Context, ref DocumentRef) ([]MovementRecord, error)

	// Movements returns ledger history matching the filter, oldest first.
	Movements(ctx context.Context, filter MovementFilter) ([]MovementRecord, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// DOCUMENTS AND SEQUENCES
// =============================================================================

// SequenceStore hands out per-prefix, per-year sequence numbers.
type SequenceStore interface {
	NextSequence(ctx context.Context, prefix string, year int) (int, error)
}

// DocumentStore persists workflow documents. The Store passed to a WithTx
// callback implements it when the backend keeps documents in the same
// database, which makes status changes atomic with their stock effect.
type DocumentStore interface {
	SequenceStore

	SaveDocument(ctx context.Context, doc Document) error

	// GetDocument returns ErrDocumentNotFound when the id is unknown.
	GetDocument(ctx context.Context, id DocumentID) (*Document, error)

	ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error)
}

// WorkflowStore is what WorkflowService needs from a backend.
type WorkflowStore interface {
	TxStore
	DocumentStore
}

type DocumentFilter struct {
	Kind   DocumentKind
	Status Status
	Limit  int
}

// =============================================================================
// CATALOG - Master data owned by other subsystems
// =============================================================================

type Warehouse struct {
	ID   WarehouseID `json:"id"`
	Name string      `json:"name"`
}

type Location struct {
	Warehouse WarehouseID `json:"warehouse_id"`
	ID        LocationID  `json:"id"`
	Name      string      `json:"name"`
}

type Item struct {
	ID        ItemID          `json:"id"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	MinStock  decimal.Decimal `json:"min_stock"` // zero = no alert
	CreatedAt time.Time       `json:"created_at"`
}

// Catalog is a read-only lookup. Missing records return (nil, nil).
type Catalog interface {
	GetWarehouse(ctx context.Context, id WarehouseID) (*Warehouse, error)
	GetLocation(ctx context.Context, warehouse WarehouseID, id LocationID) (*Location, error)
	GetItem(ctx context.Context, id ItemID) (*Item, error)
}

// CatalogStore adds the writes used by the admin API and demo loader.
type CatalogStore interface {
	Catalog
	SaveWarehouse(ctx context.Context, w Warehouse) error
	SaveLocation(ctx context.Context, l Location) error
	SaveItem(ctx context.Context, i Item) error
	ListWarehouses(ctx context.Context) ([]Warehouse, error)
	ListLocations(ctx context.Context, warehouse WarehouseID) ([]Location, error)
	ListItems(ctx context.Context) ([]Item, error)
}
