/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the stores with realistic
  data for demos. Each scenario installs the demo catalog and then drives
  the real services (ledger, workflow, tracker, sequencer), so what you see
  is what the API would have produced.

AVAILABLE SCENARIOS:

	warehouse-stock:   Catalog plus opening stock in two warehouses
	transfer-workflow: Opening stock, an approved transfer, a pending adjustment
	water-filters:     Two RO hosts; one has used up its sediment filter
	pos-sales:         Opening stock, a fulfilled sale with commission, a pending sale

HOW SCENARIOS WORK:
 1. Install the demo catalog (upserts)
 2. Commit opening stock under fixed references (idempotent)
 3. Run the scenario's documents, hosts or sales through the services

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "pos-sales"}

NOTE:

	Nothing is reset. Catalog and opening stock are idempotent; documents
	and sales are new on every load.

SEE ALSO:
  - handlers.go: Handler
  - factory/catalog.go: Catalog JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/factory"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
	"github.com/warp/stock-engine/warehouse"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "warehouse-stock",
		Name:        "Warehouse Stock",
		Description: "Two warehouses with racks and opening stock of filters and membranes",
		Category:    "stock",
	},
	{
		ID:          "transfer-workflow",
		Name:        "Transfer Workflow",
		Description: "An approved inter-warehouse transfer and an adjustment waiting for approval",
		Category:    "stock",
	},
	{
		ID:          "water-filters",
		Name:        "Water Filters",
		Description: "Two 5-stage RO hosts with auto-provisioned cartridges; one sediment filter is due",
		Category:    "consumables",
	},
	{
		ID:          "pos-sales",
		Name:        "Point of Sale",
		Description: "A fulfilled sale with agent commission and a pending sale holding stock",
		Category:    "sales",
	},
}

const demoCatalog = `{
  "warehouses": [
    {"id": "main", "name": "Main depot", "locations": [
      {"id": "A1", "name": "Rack A1"},
      {"id": "A2", "name": "Rack A2"}
    ]},
    {"id": "north", "name": "North branch", "locations": [{"id": "N1", "name": "Shelf N1"}]}
  ],
  "items": [
    {"id": "filter-10in", "name": "10in PP sediment filter", "unit": "pcs", "min_stock": "20"},
    {"id": "carbon-10in", "name": "10in carbon block", "unit": "pcs", "min_stock": "10"},
    {"id": "membrane-75", "name": "RO membrane 75 GPD", "unit": "pcs", "min_stock": "5"}
  ],
  "consumable_types": [
    {"id": "sediment", "name": "Sediment 5um", "slot": 1, "max_volume": "8000", "max_age_days": 180},
    {"id": "carbon", "name": "Carbon block", "slot": 2, "max_volume": "15000", "max_age_days": 365},
    {"id": "membrane", "name": "RO membrane", "slot": 3, "max_age_days": 730}
  ],
  "host_models": [
    {"id": "ro-5", "name": "RO 5 stage", "types": ["sediment", "carbon", "membrane"]}
  ]
}`

type openingLine struct {
	key generic.PositionKey
	qty int64
}

var openingStock = []openingLine{
	{generic.PositionKey{Item: "filter-10in", Warehouse: "main", Location: "A1"}, 50},
	{generic.PositionKey{Item: "carbon-10in", Warehouse: "main", Location: "A1"}, 30},
	{generic.PositionKey{Item: "membrane-75", Warehouse: "main", Location: "A2"}, 12},
	{generic.PositionKey{Item: "filter-10in", Warehouse: "north", Location: "N1"}, 8},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID runs one scenario loader and records it as current.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "warehouse-stock":
		load = h.loadWarehouseStockScenario
	case "transfer-workflow":
		load = h.loadTransferWorkflowScenario
	case "water-filters":
		load = h.loadWaterFiltersScenario
	case "pos-sales":
		load = h.loadPOSSalesScenario
	default:
		return fmt.Errorf("%w: unknown scenario %q", generic.ErrInvalidInput, id)
	}
	if err := load(ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadWarehouseStockScenario(ctx context.Context) error {
	if err := h.installDemoCatalog(ctx); err != nil {
		return err
	}
	return h.commitOpeningStock(ctx)
}

func (h *Handler) loadTransferWorkflowScenario(ctx context.Context) error {
	if err := h.loadWarehouseStockScenario(ctx); err != nil {
		return err
	}

	// Replenish the branch from the main depot.
	transfer, err := h.Documents.Submit(ctx, warehouse.TransferPayload{Carrier: "in-house van"}, []generic.DocumentLine{{
		Item: "filter-10in", Warehouse: "main", Location: "A1",
		ToWarehouse: "north", ToLocation: "N1",
		Quantity: decimal.NewFromInt(10),
	}}, "demo", "weekly branch replenishment")
	if err != nil {
		return err
	}
	if _, err := h.Documents.Apply(ctx, transfer.ID, warehouse.ActionApprove, "supervisor", ""); err != nil {
		return err
	}

	// A stock count found two damaged membranes; waiting for approval.
	_, err = h.Documents.Submit(ctx, warehouse.AdjustmentPayload{Reason: "damaged in storage"}, []generic.DocumentLine{{
		Item: "membrane-75", Warehouse: "main", Location: "A2",
		Quantity: decimal.NewFromInt(-2),
	}}, "demo", "")
	return err
}

func (h *Handler) loadWaterFiltersScenario(ctx context.Context) error {
	if err := h.installDemoCatalog(ctx); err != nil {
		return err
	}
	for _, host := range []consumables.Host{
		{ID: "ro-0001", ModelID: "ro-5", Name: "Kitchen RO, Cafe Central"},
		{ID: "ro-0002", ModelID: "ro-5", Name: "Office RO, 3rd floor"},
	} {
		if _, err := h.Tracker.RegisterHost(ctx, host); err != nil {
			return err
		}
	}
	// 8500 L through an 8000 L sediment filter.
	_, err := h.Tracker.ReportUsage(ctx, "ro-0001", decimal.NewFromInt(8500))
	return err
}

func (h *Handler) loadPOSSalesScenario(ctx context.Context) error {
	if err := h.loadWarehouseStockScenario(ctx); err != nil {
		return err
	}
	rate := decimal.RequireFromString("0.05")
	done, err := h.Sales.Create(ctx, sales.CreateInput{
		Lines: []sales.Line{
			{Item: "filter-10in", Warehouse: "main", Location: "A1", Quantity: decimal.NewFromInt(4), UnitPrice: decimal.RequireFromString("12.50")},
			{Item: "membrane-75", Warehouse: "main", Location: "A2", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("85")},
		},
		Discount:         decimal.RequireFromString("5"),
		IncentivePartyID: "agent-rina",
		CommissionRate:   &rate,
		Actor:            "cashier-1",
	})
	if err != nil {
		return err
	}
	if _, err := h.Sales.Fulfill(ctx, done.ID, "cashier-1"); err != nil {
		return err
	}

	_, err = h.Sales.Create(ctx, sales.CreateInput{
		Lines: []sales.Line{
			{Item: "carbon-10in", Warehouse: "main", Location: "A1", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("18")},
		},
		Actor: "cashier-2",
		Note:  "customer pays on pickup",
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) installDemoCatalog(ctx context.Context) error {
	cat, err := factory.Parse([]byte(demoCatalog))
	if err != nil {
		return err
	}
	return cat.Install(ctx, h.Catalog, h.Tracker.Store)
}

// commitOpeningStock books the opening balance under fixed references, so
// loading it again changes nothing.
func (h *Handler) commitOpeningStock(ctx context.Context) error {
	reqs := make([]generic.CommitRequest, len(openingStock))
	for i, l := range openingStock {
		reqs[i] = generic.CommitRequest{
			Document:  generic.DocumentRef{Kind: warehouse.KindStockReceipt, Ref: "OPENING"},
			Kind:      generic.MovementReceipt,
			Direction: generic.DirectionIn,
			Key:       l.key,
			Quantity:  decimal.NewFromInt(l.qty),
			Line:      i + 1,
			Actor:     "demo",
			Note:      "opening balance",
		}
	}
	_, err := h.Engine.CommitBatch(ctx, reqs)
	return err
}
