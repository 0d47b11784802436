/*
Package sales sequences point-of-sale orders against the stock ledger.

PURPOSE:
  A sale reserves stock the moment it is created: every line commits a
  SALE_OUT decrease before the sale is saved, in the same transaction.
  Fulfilment writes at most one commission for the attached incentive
  party. Cancelling or refunding restores the stock through the ledger's
  idempotent reversal, so repeating either call never double-credits.

STATUS FLOW:

    pending ──▶ fulfilled ──▶ refunded
       │            │
       └────────────┴──────▶ cancelled

ZERO ROWS:
  Sale movements keep zero-quantity positions (generic.KeepZeroRow) since a
  later cancellation is expected to restore them.

SEE ALSO:
  - sequencer.go: Create, Fulfill, Cancel, Refund
  - generic/engine.go: CommitBatch and Reverse
*/
package sales

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/generic"
)

// DocumentKind is the ledger document kind for sale movements.
const DocumentKind generic.DocumentKind = "sale"

// RefPrefix numbers sales as SAL-2026-00001.
const RefPrefix = "SAL"

type SaleID string

type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusFulfilled, StatusCancelled},
	StatusFulfilled: {StatusCancelled, StatusRefunded},
}

// CanTransition reports whether a sale may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Line struct {
	Item      generic.ItemID      `json:"item"`
	Warehouse generic.WarehouseID `json:"warehouse"`
	Location  generic.LocationID  `json:"location"`
	Batch     generic.BatchID     `json:"batch,omitempty"`
	Quantity  decimal.Decimal     `json:"quantity"`
	UnitPrice decimal.Decimal     `json:"unit_price"`
}

func (l Line) Key() generic.PositionKey {
	return generic.PositionKey{Item: l.Item, Warehouse: l.Warehouse, Location: l.Location, Batch: l.Batch}
}

func (l Line) Total() decimal.Decimal { return l.Quantity.Mul(l.UnitPrice) }

type Sale struct {
	ID               SaleID                 `json:"id"`
	Reference        string                 `json:"reference"`
	Status           Status                 `json:"status"`
	Lines            []Line                 `json:"lines"`
	Discount         decimal.Decimal        `json:"discount"`
	IncentivePartyID string                 `json:"incentive_party_id,omitempty"`
	CommissionRate   *decimal.Decimal       `json:"commission_rate,omitempty"`
	Note             string                 `json:"note,omitempty"`
	CreatedBy        string                 `json:"created_by"`
	History          []generic.StatusChange `json:"history"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func (s Sale) Ref() generic.DocumentRef {
	return generic.DocumentRef{Kind: DocumentKind, Ref: s.Reference}
}

// Gross is the sum of line totals.
func (s Sale) Gross() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.Total())
	}
	return total
}

// Net is Gross minus Discount, never below zero.
func (s Sale) Net() decimal.Decimal {
	return decimal.Max(decimal.Zero, s.Gross().Sub(s.Discount))
}

func (s Sale) withStatus(to Status, actor, note string, at time.Time) Sale {
	next := s
	next.History = append(append([]generic.StatusChange(nil), s.History...), generic.StatusChange{
		From: generic.Status(s.Status), To: generic.Status(to), Actor: actor, Note: note, At: at,
	})
	next.Status = to
	next.UpdatedAt = at
	return next
}

// Commission is derived once per fulfilled sale with an incentive party.
type Commission struct {
	ID        string          `json:"id"`
	SaleID    SaleID          `json:"sale_id"`
	SaleRef   string          `json:"sale_ref"`
	PartyID   string          `json:"party_id"`
	Rate      decimal.Decimal `json:"rate"`
	Base      decimal.Decimal `json:"base"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type Filter struct {
	Status Status
	Limit  int
}
