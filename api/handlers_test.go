/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Movement commit idempotency and error mapping
- Document workflow over HTTP
- Consumable hosts, usage and replacement
- Sale lifecycle and commission
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
	"github.com/warp/stock-engine/store/sqlite"
	"github.com/warp/stock-engine/warehouse"
)

type testEnv struct {
	h      *Handler
	router http.Handler
	clock  *generic.ManualClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := generic.NewManualClock(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	engine := generic.NewEngine(s)
	engine.Clock = clock
	engine.Catalog = s

	kinds, err := warehouse.NewRegistry()
	require.NoError(t, err)
	docs := warehouse.NewService(generic.NewWorkflowService(engine, s, kinds))

	tracker := consumables.NewTracker(s.Consumables())
	tracker.Clock = clock

	seq := sales.NewSequencer(engine, s, s)
	seq.DefaultRate = decimal.RequireFromString("0.05")

	h := NewHandler(engine, docs, tracker, seq, s)
	return &testEnv{h: h, router: NewRouter(h), clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) loadStock(t *testing.T) {
	t.Helper()
	require.NoError(t, e.h.LoadScenarioByID(context.Background(), "warehouse-stock"))
}

func commitBody(ref, direction string, qty string) map[string]any {
	return map[string]any{
		"document_kind": "stock_receipt",
		"document_ref":  ref,
		"movement_kind": "RECEIPT",
		"direction":     direction,
		"item_id":       "filter-10in",
		"warehouse_id":  "main",
		"location_id":   "A1",
		"quantity":      qty,
		"line":          1,
	}
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestCommitMovement_IsIdempotent(t *testing.T) {
	// GIVEN: the demo catalog and opening stock (50 filters on main/A1)
	env := newTestEnv(t)
	env.loadStock(t)

	// WHEN: the same receipt is posted twice
	first := env.do(t, http.MethodPost, "/api/movements/commit", commitBody("RCV-77", "in", "5"))
	second := env.do(t, http.MethodPost, "/api/movements/commit", commitBody("RCV-77", "in", "5"))

	// THEN: the first creates, the second reports the original
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	res := decode[CommitResultDTO](t, second)
	assert.True(t, res.AlreadyCommitted)
	require.Len(t, res.Movements, 1)
	assert.Equal(t, "55", res.Movements[0].QuantityAfter.String())

	pos := decode[PositionDTO](t, env.do(t, http.MethodGet, "/api/positions/filter-10in/main?location=A1", nil))
	assert.Equal(t, "55", pos.Quantity.String())
}

func TestCommitMovement_InsufficientStockIs409(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)

	body := commitBody("DSP-1", "out", "51")
	body["movement_kind"] = "DISPATCH"
	rec := env.do(t, http.MethodPost, "/api/movements/commit", body)

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}](t, rec)
	assert.Equal(t, "insufficient_stock", resp.Code)
	assert.Equal(t, "50", resp.Details["available"])
	assert.Equal(t, "1", resp.Details["shortfall"])
}

func TestCommitMovement_ValidationIs400(t *testing.T) {
	env := newTestEnv(t)

	body := commitBody("RCV-1", "sideways", "0")
	rec := env.do(t, http.MethodPost, "/api/movements/commit", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[struct {
		Code    string `json:"code"`
		Details []struct {
			Field string `json:"field"`
			Tag   string `json:"tag"`
		} `json:"details"`
	}](t, rec)
	assert.Equal(t, "invalid_input", resp.Code)
	var tags []string
	for _, f := range resp.Details {
		tags = append(tags, f.Tag)
	}
	assert.ElementsMatch(t, []string{"oneof", "dpositive"}, tags)
}

func TestCommitMovement_UnknownWarehouseIs404(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)

	body := commitBody("RCV-2", "in", "1")
	body["warehouse_id"] = "south"
	rec := env.do(t, http.MethodPost, "/api/movements/commit", body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "location_not_found", decode[ErrorResponse](t, rec).Code)
}

func TestTransfer_MovesBothLegs(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)

	rec := env.do(t, http.MethodPost, "/api/movements/transfer", map[string]any{
		"document_ref":      "TRF-X",
		"item_id":           "filter-10in",
		"from_warehouse_id": "main",
		"from_location_id":  "A1",
		"to_warehouse_id":   "north",
		"to_location_id":    "N1",
		"quantity":          "12",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	positions := decode[[]generic.StockPosition](t, env.do(t, http.MethodGet, "/api/positions?item=filter-10in", nil))
	got := map[string]string{}
	for _, p := range positions {
		got[string(p.Key.Warehouse)] = p.Quantity.String()
	}
	assert.Equal(t, map[string]string{"main": "38", "north": "20"}, got)

	history := decode[[]generic.MovementRecord](t, env.do(t, http.MethodGet, "/api/movements?document_kind=transfer&document_ref=TRF-X", nil))
	require.Len(t, history, 2)
	assert.Equal(t, generic.LegOut, history[0].Leg)
	assert.Equal(t, generic.LegIn, history[1].Leg)
}

func TestReverseMovements_RestoresAndIsNoOpTwice(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/movements/commit", commitBody("RCV-9", "in", "5")).Code)

	reverse := map[string]any{"document_kind": "stock_receipt", "document_ref": "RCV-9"}
	first := decode[CommitResultDTO](t, env.do(t, http.MethodPost, "/api/movements/reverse", reverse))
	second := decode[CommitResultDTO](t, env.do(t, http.MethodPost, "/api/movements/reverse", reverse))

	assert.Len(t, first.Movements, 1)
	assert.True(t, second.NoOp)
	pos := decode[PositionDTO](t, env.do(t, http.MethodGet, "/api/positions/filter-10in/main?location=A1", nil))
	assert.Equal(t, "50", pos.Quantity.String())
}

func TestListMovements_BadLimit(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/movements?limit=-3", nil).Code)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func TestDocumentWorkflow_OverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)

	// GIVEN: a submitted dispatch of 8 filters
	rec := env.do(t, http.MethodPost, "/api/documents", map[string]any{
		"kind":     "stock_dispatch",
		"metadata": map[string]string{"destination": "Cafe Central"},
		"lines":    []map[string]any{{"item_id": "filter-10in", "warehouse_id": "main", "location_id": "A1", "quantity": "8"}},
		"actor":    "clerk",
		"submit":   true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[generic.Document](t, rec)
	assert.Equal(t, generic.StatusPending, doc.Status)
	assert.Equal(t, "DSP-2026-00001", doc.Reference)

	// WHEN: approved
	rec = env.do(t, http.MethodPost, "/api/documents/"+string(doc.ID)+"/approve", map[string]string{"actor": "boss"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: stock moved and the document is approved
	pos := decode[PositionDTO](t, env.do(t, http.MethodGet, "/api/positions/filter-10in/main?location=A1", nil))
	assert.Equal(t, "42", pos.Quantity.String())
	got := decode[generic.Document](t, env.do(t, http.MethodGet, "/api/documents/"+string(doc.ID), nil))
	assert.Equal(t, generic.StatusApproved, got.Status)

	// AND: approving again is a no-op, going back to pending is not allowed
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/documents/"+string(doc.ID)+"/approve", nil).Code)
	rec = env.do(t, http.MethodPost, "/api/documents/"+string(doc.ID)+"/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Code)
}

func TestCreateDocument_Rejects(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)
	line := []map[string]any{{"item_id": "filter-10in", "warehouse_id": "main", "quantity": "1"}}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown kind", map[string]any{"kind": "gift", "lines": line}},
		{"missing payload field", map[string]any{"kind": "stock_receipt", "lines": line}},
		{"no lines", map[string]any{"kind": "adjustment", "metadata": map[string]string{"reason": "count"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/documents", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestDocument_NotFoundAndUnknownAction(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/documents/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/documents/nope/explode", nil).Code)
}

// =============================================================================
// CONSUMABLES
// =============================================================================

func TestHosts_UsageAndReplacement(t *testing.T) {
	// GIVEN: two RO hosts, ro-0001 has pushed 8500 L through its sediment filter
	env := newTestEnv(t)
	require.NoError(t, env.h.LoadScenarioByID(context.Background(), "water-filters"))

	host := decode[HostDTO](t, env.do(t, http.MethodGet, "/api/hosts/ro-0001/consumables", nil))
	require.Len(t, host.Units, 3)
	sediment := host.Units[0]
	assert.Equal(t, consumables.StatusNeedsChange, sediment.Status)
	assert.Equal(t, consumables.StatusActive, host.Units[1].Status)

	// WHEN: the sediment filter is replaced
	rec := env.do(t, http.MethodPost, "/api/consumables/"+string(sediment.ID)+"/replace", map[string]string{"actor": "tech-ana"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	successor := decode[consumables.Unit](t, rec)

	// THEN: the successor is active in slot 1 and the old unit can't be replaced again
	assert.Equal(t, sediment.ID, successor.PredecessorID)
	assert.Equal(t, 1, successor.Slot)
	rec = env.do(t, http.MethodPost, "/api/consumables/"+string(sediment.ID)+"/replace", map[string]string{"actor": "tech-ana"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	events := decode[[]consumables.ReplacementEvent](t, env.do(t, http.MethodGet, "/api/hosts/ro-0001/replacements", nil))
	require.Len(t, events, 1)
	assert.Equal(t, "8500", events[0].Volume.String())
}

func TestHosts_RegisterAndReportUsage(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.h.LoadScenarioByID(context.Background(), "water-filters"))

	rec := env.do(t, http.MethodPost, "/api/hosts", map[string]string{"id": "ro-0003", "model_id": "ro-5", "name": "Lobby"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[HostDTO](t, rec).Units, 3)

	rec = env.do(t, http.MethodPost, "/api/hosts/ro-0003/usage", map[string]string{"volume": "4000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	host := decode[HostDTO](t, env.do(t, http.MethodGet, "/api/hosts/ro-0003/consumables", nil))
	assert.Equal(t, "0.5", host.Units[0].Usage.String())

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/hosts/ghost/usage", map[string]string{"volume": "1"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/hosts/ro-0003/usage", map[string]string{"volume": "0"}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/hosts", map[string]string{"id": "ro-0004", "model_id": "ro-9"}).Code)
}

// =============================================================================
// SALES
// =============================================================================

func TestSales_FulfillThenRefund(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)

	// GIVEN: a sale of 4 filters at 12.50 with an agent
	rec := env.do(t, http.MethodPost, "/api/sales", map[string]any{
		"lines":              []map[string]any{{"item_id": "filter-10in", "warehouse_id": "main", "location_id": "A1", "quantity": "4", "unit_price": "12.50"}},
		"incentive_party_id": "agent-1",
		"actor":              "cashier",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decode[SaleDTO](t, rec)
	assert.Equal(t, "SAL-2026-00001", sale.Reference)
	assert.Equal(t, "50", sale.Net.String())

	// THEN: stock is reserved at creation
	pos := decode[PositionDTO](t, env.do(t, http.MethodGet, "/api/positions/filter-10in/main?location=A1", nil))
	assert.Equal(t, "46", pos.Quantity.String())

	// WHEN: fulfilled
	rec = env.do(t, http.MethodPost, "/api/sales/"+string(sale.ID)+"/fulfill", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fulfilled := decode[SaleDTO](t, rec)
	require.NotNil(t, fulfilled.Commission)
	assert.Equal(t, "2.5", fulfilled.Commission.Amount.String())

	// WHEN: refunded
	rec = env.do(t, http.MethodPost, "/api/sales/"+string(sale.ID)+"/refund", map[string]string{"reason": "wrong size"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: stock is back once, even when the refund is repeated
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/sales/"+string(sale.ID)+"/refund", nil).Code)
	pos = decode[PositionDTO](t, env.do(t, http.MethodGet, "/api/positions/filter-10in/main?location=A1", nil))
	assert.Equal(t, "50", pos.Quantity.String())

	// AND: a refunded sale can't be cancelled
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/sales/"+string(sale.ID)+"/cancel", nil).Code)
}

func TestSales_ShortLineCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.loadStock(t)

	rec := env.do(t, http.MethodPost, "/api/sales", map[string]any{
		"lines": []map[string]any{
			{"item_id": "filter-10in", "warehouse_id": "main", "location_id": "A1", "quantity": "1", "unit_price": "10"},
			{"item_id": "membrane-75", "warehouse_id": "main", "location_id": "A2", "quantity": "13", "unit_price": "80"},
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	list := decode[[]SaleDTO](t, env.do(t, http.MethodGet, "/api/sales", nil))
	assert.Empty(t, list)
	pos := decode[PositionDTO](t, env.do(t, http.MethodGet, "/api/positions/filter-10in/main?location=A1", nil))
	assert.Equal(t, "50", pos.Quantity.String())
}

func TestSales_UnknownActionAndSale(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sales/none", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/sales/none/gift", nil).Code)
}

// =============================================================================
// CATALOG / ERRORS
// =============================================================================

func TestCatalog_LocationNeedsWarehouse(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/catalog/locations", map[string]string{"warehouse_id": "east", "id": "E1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/catalog/warehouses", map[string]string{"id": "east", "name": "East"}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/catalog/locations", map[string]string{"warehouse_id": "east", "id": "E1"}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/catalog/items", map[string]string{"id": "uv-lamp", "min_stock": "2"}).Code)

	locs := decode[[]generic.Location](t, env.do(t, http.MethodGet, "/api/catalog/locations?warehouse=east", nil))
	require.Len(t, locs, 1)
	assert.Equal(t, generic.LocationID("E1"), locs[0].ID)
	items := decode[[]generic.Item](t, env.do(t, http.MethodGet, "/api/catalog/items", nil))
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].MinStock.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&generic.InsufficientStockError{}, http.StatusConflict},
		{&generic.PositionNotFoundError{}, http.StatusConflict},
		{&generic.InvalidTransitionError{}, http.StatusConflict},
		{&generic.ContentionError{}, http.StatusServiceUnavailable},
		{generic.ErrConcurrentModification, http.StatusServiceUnavailable},
		{generic.ErrInvalidInput, http.StatusBadRequest},
		{sales.ErrSaleNotFound, http.StatusNotFound},
		{generic.ErrDocumentNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
