/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  validator tags and are checked by decodeAndValidate before any domain call;
  the domain packages still validate on their own.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Response types returned to clients (most responses reuse the
    domain types directly since they already carry json tags)

TYPES:
  Stock:
    CommitMovementRequest, ReverseMovementRequest, TransferRequest,
    PositionDTO, CommitResultDTO

  Documents:
    CreateDocumentRequest, DocumentLineRequest, DocumentActionRequest

  Consumables:
    RegisterHostRequest, ReportUsageRequest, ReplaceConsumableRequest, UnitDTO

  Sales:
    CreateSaleRequest, SaleLineRequest, SaleActionRequest, SaleDTO

  Catalog / Scenarios:
    WarehouseRequest, LocationRequest, ItemRequest, ScenarioDTO

SEE ALSO:
  - handlers.go: Uses these types
  - validation/validation.go: dpositive / dnonneg tags
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
)

// =============================================================================
// STOCK
// =============================================================================

// CommitMovementRequest commits one movement directly against the ledger.
type CommitMovementRequest struct {
	DocumentKind string          `json:"document_kind" validate:"required"`
	DocumentRef  string          `json:"document_ref" validate:"required"`
	MovementKind string          `json:"movement_kind" validate:"required,oneof=RECEIPT DISPATCH TRANSFER ADJUST SALE_OUT SALE_RETURN CONSUMABLE_USE"`
	Direction    string          `json:"direction" validate:"required,oneof=in out"`
	Item         string          `json:"item_id" validate:"required"`
	Warehouse    string          `json:"warehouse_id" validate:"required"`
	Location     string          `json:"location_id"`
	Batch        string          `json:"batch_id"`
	Quantity     decimal.Decimal `json:"quantity" validate:"dpositive"`
	Line         int             `json:"line" validate:"min=0"`
	KeepZero     bool            `json:"keep_zero"`
	Note         string          `json:"note"`
	Actor        string          `json:"actor"`
	MovementDate *time.Time      `json:"movement_date"`
}

func (r CommitMovementRequest) toDomain() generic.CommitRequest {
	req := generic.CommitRequest{
		Document:  generic.DocumentRef{Kind: generic.DocumentKind(r.DocumentKind), Ref: r.DocumentRef},
		Kind:      generic.MovementKind(r.MovementKind),
		Direction: generic.Direction(r.Direction),
		Key: generic.PositionKey{
			Item:      generic.ItemID(r.Item),
			Warehouse: generic.WarehouseID(r.Warehouse),
			Location:  generic.LocationID(r.Location),
			Batch:     generic.BatchID(r.Batch),
		},
		Quantity: r.Quantity,
		Line:     r.Line,
		Note:     r.Note,
		Actor:    r.Actor,
	}
	if r.KeepZero {
		req.Policy = generic.KeepZeroRow
	}
	if r.MovementDate != nil {
		req.MovementDate = r.MovementDate.UTC()
	}
	return req
}

type ReverseMovementRequest struct {
	DocumentKind string `json:"document_kind" validate:"required"`
	DocumentRef  string `json:"document_ref" validate:"required"`
	MovementKind string `json:"movement_kind" validate:"omitempty,oneof=RECEIPT DISPATCH TRANSFER ADJUST SALE_OUT SALE_RETURN CONSUMABLE_USE"`
	Note         string `json:"note"`
	Actor        string `json:"actor"`
}

type TransferRequest struct {
	DocumentRef   string          `json:"document_ref" validate:"required"`
	Item          string          `json:"item_id" validate:"required"`
	Batch         string          `json:"batch_id"`
	FromWarehouse string          `json:"from_warehouse_id" validate:"required"`
	FromLocation  string          `json:"from_location_id"`
	ToWarehouse   string          `json:"to_warehouse_id" validate:"required"`
	ToLocation    string          `json:"to_location_id"`
	Quantity      decimal.Decimal `json:"quantity" validate:"dpositive"`
	Line          int             `json:"line" validate:"min=0"`
	Note          string          `json:"note"`
	Actor         string          `json:"actor"`
}

// PositionDTO is a position read. Missing rows are reported with quantity 0.
type PositionDTO struct {
	Key         generic.PositionKey `json:"key"`
	Quantity    decimal.Decimal     `json:"quantity"`
	Version     int64               `json:"version"`
	LastUpdated *time.Time          `json:"last_updated,omitempty"`
}

type CommitResultDTO struct {
	AlreadyCommitted bool                     `json:"already_committed"`
	NoOp             bool                     `json:"no_op,omitempty"`
	Movements        []generic.MovementRecord `json:"movements"`
	Positions        []generic.StockPosition  `json:"positions"`
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type DocumentLineRequest struct {
	Item        string          `json:"item_id" validate:"required"`
	Warehouse   string          `json:"warehouse_id" validate:"required"`
	Location    string          `json:"location_id"`
	Batch       string          `json:"batch_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	ToWarehouse string          `json:"to_warehouse_id"`
	ToLocation  string          `json:"to_location_id"`
	Note        string          `json:"note"`
}

// CreateDocumentRequest creates a draft. Metadata carries the kind payload
// (reason, supplier, destination...). Submit moves it to pending at once.
type CreateDocumentRequest struct {
	Kind     string                `json:"kind" validate:"required"`
	Lines    []DocumentLineRequest `json:"lines" validate:"required,min=1,dive"`
	Metadata map[string]string     `json:"metadata"`
	Note     string                `json:"note"`
	Actor    string                `json:"actor"`
	Submit   bool                  `json:"submit"`
}

func (r CreateDocumentRequest) lines() []generic.DocumentLine {
	out := make([]generic.DocumentLine, len(r.Lines))
	for i, l := range r.Lines {
		out[i] = generic.DocumentLine{
			Item:        generic.ItemID(l.Item),
			Warehouse:   generic.WarehouseID(l.Warehouse),
			Location:    generic.LocationID(l.Location),
			Batch:       generic.BatchID(l.Batch),
			Quantity:    l.Quantity,
			ToWarehouse: generic.WarehouseID(l.ToWarehouse),
			ToLocation:  generic.LocationID(l.ToLocation),
			Note:        l.Note,
		}
	}
	return out
}

type DocumentActionRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

// =============================================================================
// CONSUMABLES
// =============================================================================

type RegisterHostRequest struct {
	ID      string `json:"id" validate:"required"`
	ModelID string `json:"model_id" validate:"required"`
	Name    string `json:"name"`
}

type ReportUsageRequest struct {
	Volume decimal.Decimal `json:"volume" validate:"dpositive"`
}

type ReplaceConsumableRequest struct {
	Actor string `json:"actor" validate:"required"`
	Note  string `json:"note"`
}

// UnitDTO adds the current usage fraction to a unit.
type UnitDTO struct {
	consumables.Unit
	Usage decimal.Decimal `json:"usage"`
}

type HostDTO struct {
	consumables.Host
	Units []UnitDTO `json:"units"`
}

// =============================================================================
// SALES
// =============================================================================

type SaleLineRequest struct {
	Item      string          `json:"item_id" validate:"required"`
	Warehouse string          `json:"warehouse_id" validate:"required"`
	Location  string          `json:"location_id"`
	Batch     string          `json:"batch_id"`
	Quantity  decimal.Decimal `json:"quantity" validate:"dpositive"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"dnonneg"`
}

type CreateSaleRequest struct {
	Lines            []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
	Discount         decimal.Decimal   `json:"discount" validate:"dnonneg"`
	IncentivePartyID string            `json:"incentive_party_id"`
	CommissionRate   *decimal.Decimal  `json:"commission_rate"`
	Note             string            `json:"note"`
	Actor            string            `json:"actor"`
}

func (r CreateSaleRequest) toDomain() sales.CreateInput {
	in := sales.CreateInput{
		Discount:         r.Discount,
		IncentivePartyID: r.IncentivePartyID,
		CommissionRate:   r.CommissionRate,
		Note:             r.Note,
		Actor:            r.Actor,
	}
	for _, l := range r.Lines {
		in.Lines = append(in.Lines, sales.Line{
			Item:      generic.ItemID(l.Item),
			Warehouse: generic.WarehouseID(l.Warehouse),
			Location:  generic.LocationID(l.Location),
			Batch:     generic.BatchID(l.Batch),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	return in
}

type SaleActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// SaleDTO is a sale with its totals and commission, if any.
type SaleDTO struct {
	sales.Sale
	Gross      decimal.Decimal   `json:"gross"`
	Net        decimal.Decimal   `json:"net"`
	Commission *sales.Commission `json:"commission,omitempty"`
}

// =============================================================================
// CATALOG / SCENARIOS
// =============================================================================

type WarehouseRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

type LocationRequest struct {
	Warehouse string `json:"warehouse_id" validate:"required"`
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name"`
}

type ItemRequest struct {
	ID       string          `json:"id" validate:"required"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit"`
	MinStock decimal.Decimal `json:"min_stock" validate:"dnonneg"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"` // stock, consumables or sales
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
