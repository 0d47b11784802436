/*
Package generic provides the core stock engine.

PURPOSE:
  This package contains the document-agnostic types and algorithms for keeping
  on-hand stock consistent. Whether the change comes from a receipt, a transfer,
  a sale line or a consumable being used up, the same engine validates the
  delta, applies it to a StockPosition and records it in the movement ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - PositionKey: (item, warehouse, location, batch) coordinates of stock
  - StockPosition: current on-hand quantity at one key
  - MovementRecord: an immutable ledger entry recording one quantity change
  - DocumentRef: which business document caused a movement

DESIGN PRINCIPLES:
  1. Immutability: Movement records are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing item/warehouse IDs
  4. Auditability: Every movement has actor, document reference and idempotency key

USAGE:
  key := generic.PositionKey{Item: "filter-10in", Warehouse: "main", Location: "A1"}
  res, err := engine.Commit(ctx, generic.CommitRequest{
      Document:  generic.DocumentRef{Kind: "stock_receipt", Ref: "RCV-2026-00001"},
      Kind:      generic.MovementReceipt,
      Direction: generic.DirectionIn,
      Key:       key,
      Quantity:  decimal.NewFromInt(10),
  })

SEE ALSO:
  - position.go: Applying deltas to positions
  - ledger.go: Movement persistence interface
  - engine.go: Commit, reverse and transfer
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type WarehouseID string
type LocationID string
type BatchID string
type MovementID string

// =============================================================================
// POSITION KEY - Where a quantity lives
// =============================================================================

// PositionKey identifies one stock position. Location and Batch may be empty.
type PositionKey struct {
	Item      ItemID      `json:"item_id"`
	Warehouse WarehouseID `json:"warehouse_id"`
	Location  LocationID  `json:"location_id,omitempty"`
	Batch     BatchID     `json:"batch_id,omitempty"`
}

func (k PositionKey) String() string {
	return strings.Join([]string{string(k.Item), string(k.Warehouse), string(k.Location), string(k.Batch)}, "/")
}

// Less defines the global lock ordering: item, warehouse, location, batch.
func (k PositionKey) Less(o PositionKey) bool {
	if k.Item != o.Item {
		return k.Item < o.Item
	}
	if k.Warehouse != o.Warehouse {
		return k.Warehouse < o.Warehouse
	}
	if k.Location != o.Location {
		return k.Location < o.Location
	}
	return k.Batch < o.Batch
}

func (k PositionKey) Site() Site {
	return Site{Warehouse: k.Warehouse, Location: k.Location}
}

func (k PositionKey) Validate() error {
	if k.Item == "" {
		return fmt.Errorf("%w: item is required", ErrInvalidInput)
	}
	if k.Warehouse == "" {
		return fmt.Errorf("%w: warehouse is required", ErrInvalidInput)
	}
	return nil
}

// Site is a warehouse plus optional storage location.
type Site struct {
	Warehouse WarehouseID `json:"warehouse_id"`
	Location  LocationID  `json:"location_id,omitempty"`
}

func (s Site) Key(item ItemID, batch BatchID) PositionKey {
	return PositionKey{Item: item, Warehouse: s.Warehouse, Location: s.Location, Batch: batch}
}

func (s Site) IsZero() bool { return s.Warehouse == "" && s.Location == "" }

// =============================================================================
// STOCK POSITION - Current on-hand quantity
// =============================================================================

// StockPosition is the current quantity at one key.
// Quantity is never negative. Version increases on every write and is
// used for compare-and-swap by the stores.
type StockPosition struct {
	Key         PositionKey     `json:"key"`
	Quantity    decimal.Decimal `json:"quantity"`
	Version     int64           `json:"version"`
	LastUpdated time.Time       `json:"last_updated"`
}

// ZeroPolicy decides what happens to a row that a decrement brings to zero.
type ZeroPolicy string

const (
	// DeleteAtZero removes the row (adjustments, transfers, dispatches).
	DeleteAtZero ZeroPolicy = "delete"
	// KeepZeroRow keeps a zero row because a restoration is expected (sales).
	KeepZeroRow ZeroPolicy = "keep"
)

// PositionFilter narrows ListPositions. Empty fields match everything.
type PositionFilter struct {
	Item      ItemID
	Warehouse WarehouseID
	Location  LocationID
}

func (f PositionFilter) Match(k PositionKey) bool {
	return (f.Item == "" || f.Item == k.Item) &&
		(f.Warehouse == "" || f.Warehouse == k.Warehouse) &&
		(f.Location == "" || f.Location == k.Location)
}

// =============================================================================
// MOVEMENTS - Ledger entry types
// =============================================================================

type MovementKind string

const (
	MovementReceipt       MovementKind = "RECEIPT"
	MovementDispatch      MovementKind = "DISPATCH"
	MovementTransfer      MovementKind = "TRANSFER"
	MovementAdjust        MovementKind = "ADJUST"
	MovementSaleOut       MovementKind = "SALE_OUT"
	MovementSaleReturn    MovementKind = "SALE_RETURN"
	MovementConsumableUse MovementKind = "CONSUMABLE_USE"
)

func (k MovementKind) Valid() bool {
	switch k {
	case MovementReceipt, MovementDispatch, MovementTransfer, MovementAdjust,
		MovementSaleOut, MovementSaleReturn, MovementConsumableUse:
		return true
	}
	return false
}

// ReversalKind is the kind recorded when a movement of kind k is reversed.
// Sale decrements come back as returns; everything else keeps its kind.
func (k MovementKind) ReversalKind() MovementKind {
	if k == MovementSaleOut {
		return MovementSaleReturn
	}
	return k
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

func (d Direction) Valid() bool { return d == DirectionIn || d == DirectionOut }

func (d Direction) Invert() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// Signed turns a positive magnitude into the delta for this direction.
func (d Direction) Signed(q decimal.Decimal) decimal.Decimal {
	if d == DirectionOut {
		return q.Neg()
	}
	return q
}

// DocumentKind names the business document type (adjustment, sale, ...).
type DocumentKind string

// DocumentRef points a movement back at the document that caused it.
type DocumentRef struct {
	Kind DocumentKind `json:"kind"`
	Ref  string       `json:"ref"`
}

func (r DocumentRef) String() string { return string(r.Kind) + ":" + r.Ref }

// Transfer legs.
const (
	LegOut = "out"
	LegIn  = "in"
)

// MovementRecord is an immutable record of one committed delta.
// Quantity is always a positive magnitude; Direction carries the sign.
type MovementRecord struct {
	ID             MovementID      `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Key            PositionKey     `json:"key"`
	From           *Site           `json:"from,omitempty"`
	To             *Site           `json:"to,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Direction      Direction       `json:"direction"`
	Kind           MovementKind    `json:"kind"`
	Document       DocumentRef     `json:"document"`
	Line           int             `json:"line"`
	Leg            string          `json:"leg,omitempty"`
	Note           string          `json:"note,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	MovementDate   time.Time       `json:"movement_date"`
	QuantityAfter  decimal.Decimal `json:"quantity_after"`
	Reversal       bool            `json:"reversal"`
	ReversesID     MovementID      `json:"reverses_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Delta is the signed change this record applied to its position.
func (m MovementRecord) Delta() decimal.Decimal {
	return m.Direction.Signed(m.Quantity)
}

// MovementFilter narrows ledger history queries.
type MovementFilter struct {
	Item      ItemID
	Warehouse WarehouseID
	Document  *DocumentRef
	From      *time.Time
	To        *time.Time
	Limit     int
}

func (f MovementFilter) Match(m MovementRecord) bool {
	if f.Item != "" && m.Key.Item != f.Item {
		return false
	}
	if f.Warehouse != "" && m.Key.Warehouse != f.Warehouse {
		return false
	}
	if f.Document != nil && m.Document != *f.Document {
		return false
	}
	if f.From != nil && m.MovementDate.Before(*f.From) {
		return false
	}
	if f.To != nil && m.MovementDate.After(*f.To) {
		return false
	}
	return true
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
