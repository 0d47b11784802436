/*
handlers.go - HTTP API handlers for the stock engine

PURPOSE:
  Exposes the ledger, the document workflow, the consumable tracker and the
  sale sequencer via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Stock:
    GET    /api/positions                     List positions (item, warehouse, location)
    GET    /api/positions/{item}/{warehouse}  One position (location, batch query)
    POST   /api/movements/commit              Commit one movement
    POST   /api/movements/reverse             Reverse a document's movements
    POST   /api/movements/transfer            Paired transfer
    GET    /api/movements                     Ledger history

  Documents:
    GET    /api/documents                     List (kind, status, limit)
    POST   /api/documents                     Create (optionally submit)
    GET    /api/documents/{id}                Get
    POST   /api/documents/{id}/{action}       submit/approve/reject/complete/issue/cancel/reverse/delete

  Consumables:
    GET    /api/hosts                         List hosts
    POST   /api/hosts                         Register host and install units
    GET    /api/hosts/{id}/consumables        Live units with usage
    GET    /api/hosts/{id}/replacements       Replacement history
    POST   /api/hosts/{id}/usage              Report processed volume
    POST   /api/consumables/{id}/replace      Replace a unit

  Sales:
    GET    /api/sales                         List (status, limit)
    POST   /api/sales                         Create (reserves stock)
    GET    /api/sales/{id}                    Get with totals and commission
    POST   /api/sales/{id}/{action}           fulfill/cancel/refund

  Catalog:
    GET/POST /api/catalog/warehouses, /api/catalog/locations, /api/catalog/items

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the domain error
  (see statusFor):
  - 400: Validation errors, invalid input
  - 404: Unknown document, sale, host, unit, warehouse or location
  - 409: Insufficient stock, missing position, invalid transition, duplicate
  - 503: Lock contention (Retry-After is set)
  - 500: Everything else

SECURITY NOTE:
  Currently NO authentication or authorization. Put the service behind a
  gateway that does both.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
	"github.com/warp/stock-engine/validation"
	"github.com/warp/stock-engine/warehouse"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *generic.Engine
	Documents *warehouse.Service
	Tracker   *consumables.Tracker
	Sales     *sales.Sequencer
	Catalog   generic.CatalogStore
	Logger    zerolog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. The logger is taken from the engine.
func NewHandler(engine *generic.Engine, docs *warehouse.Service, tracker *consumables.Tracker, seq *sales.Sequencer, catalog generic.CatalogStore) *Handler {
	return &Handler{
		Engine:    engine,
		Documents: docs,
		Tracker:   tracker,
		Sales:     seq,
		Catalog:   catalog,
		Logger:    engine.Logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// POSITION HANDLERS
// =============================================================================

// ListPositions returns positions ordered by key.
// GET /api/positions?item=&warehouse=&location=
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	positions, err := h.Engine.ListPositions(r.Context(), generic.PositionFilter{
		Item:      generic.ItemID(q.Get("item")),
		Warehouse: generic.WarehouseID(q.Get("warehouse")),
		Location:  generic.LocationID(q.Get("location")),
	})
	if err != nil {
		h.fail(w, r, "Failed to list positions", err)
		return
	}
	if positions == nil {
		positions = []generic.StockPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition returns one position. A key with no row reads as zero.
// GET /api/positions/{item}/{warehouse}?location=&batch=
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	key := generic.PositionKey{
		Item:      generic.ItemID(chi.URLParam(r, "item")),
		Warehouse: generic.WarehouseID(chi.URLParam(r, "warehouse")),
		Location:  generic.LocationID(r.URL.Query().Get("location")),
		Batch:     generic.BatchID(r.URL.Query().Get("batch")),
	}
	pos, err := h.Engine.Position(r.Context(), key)
	if err != nil {
		h.fail(w, r, "Failed to read position", err)
		return
	}
	dto := PositionDTO{Key: key}
	if pos != nil {
		dto.Quantity = pos.Quantity
		dto.Version = pos.Version
		dto.LastUpdated = &pos.LastUpdated
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// CommitMovement commits a single movement. Repeating the request returns
// the original movement with already_committed set.
// POST /api/movements/commit
func (h *Handler) CommitMovement(w http.ResponseWriter, r *http.Request) {
	var req CommitMovementRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Engine.Commit(r.Context(), req.toDomain())
	if err != nil {
		h.fail(w, r, "Failed to commit movement", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyCommitted {
		status = http.StatusOK
	}
	writeJSON(w, status, commitResultDTO(res.Records, res.Positions, res.AlreadyCommitted, false))
}

// ReverseMovements reverses every movement of a document.
// POST /api/movements/reverse
func (h *Handler) ReverseMovements(w http.ResponseWriter, r *http.Request) {
	var req ReverseMovementRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Engine.Reverse(r.Context(), generic.ReverseRequest{
		Document: generic.DocumentRef{Kind: generic.DocumentKind(req.DocumentKind), Ref: req.DocumentRef},
		Kind:     generic.MovementKind(req.MovementKind),
		Note:     req.Note,
		Actor:    req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to reverse movements", err)
		return
	}
	writeJSON(w, http.StatusOK, commitResultDTO(res.Records, res.Positions, false, res.NoOp))
}

// Transfer moves stock between two sites in one transaction.
// POST /api/movements/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Engine.Transfer(r.Context(), generic.TransferRequest{
		Document: generic.DocumentRef{Kind: warehouse.KindTransfer, Ref: req.DocumentRef},
		Item:     generic.ItemID(req.Item),
		Batch:    generic.BatchID(req.Batch),
		From:     generic.Site{Warehouse: generic.WarehouseID(req.FromWarehouse), Location: generic.LocationID(req.FromLocation)},
		To:       generic.Site{Warehouse: generic.WarehouseID(req.ToWarehouse), Location: generic.LocationID(req.ToLocation)},
		Quantity: req.Quantity,
		Line:     req.Line,
		Note:     req.Note,
		Actor:    req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to transfer stock", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyCommitted {
		status = http.StatusOK
	}
	writeJSON(w, status, commitResultDTO([]generic.MovementRecord{res.Out, res.In}, nil, res.AlreadyCommitted, false))
}

// ListMovements returns ledger history, oldest first.
// GET /api/movements?item=&warehouse=&document_kind=&document_ref=&limit=
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.MovementFilter{
		Item:      generic.ItemID(q.Get("item")),
		Warehouse: generic.WarehouseID(q.Get("warehouse")),
	}
	if ref := q.Get("document_ref"); ref != "" {
		filter.Document = &generic.DocumentRef{Kind: generic.DocumentKind(q.Get("document_kind")), Ref: ref}
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	records, err := h.Engine.History(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to read ledger", err)
		return
	}
	if records == nil {
		records = []generic.MovementRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func commitResultDTO(records []generic.MovementRecord, positions []generic.StockPosition, already, noop bool) CommitResultDTO {
	if records == nil {
		records = []generic.MovementRecord{}
	}
	if positions == nil {
		positions = []generic.StockPosition{}
	}
	return CommitResultDTO{AlreadyCommitted: already, NoOp: noop, Movements: records, Positions: positions}
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// ListDocuments returns documents, newest first.
// GET /api/documents?kind=&status=&limit=
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	docs, err := h.Documents.Workflow.List(r.Context(), generic.DocumentFilter{
		Kind:   generic.DocumentKind(r.URL.Query().Get("kind")),
		Status: generic.Status(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		h.fail(w, r, "Failed to list documents", err)
		return
	}
	if docs == nil {
		docs = []generic.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// CreateDocument stores a draft document, or a pending one when submit is set.
// POST /api/documents
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	payload, err := warehouse.PayloadFromMetadata(generic.DocumentKind(req.Kind), req.Metadata)
	if err != nil {
		h.fail(w, r, "Unknown document kind", err)
		return
	}

	create := h.Documents.Create
	if req.Submit {
		create = h.Documents.Submit
	}
	doc, err := create(r.Context(), payload, req.lines(), req.Actor, req.Note)
	if err != nil {
		h.fail(w, r, "Failed to create document", err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// GetDocument returns a document with its status history.
// GET /api/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Documents.Workflow.Get(r.Context(), generic.DocumentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DocumentAction runs a status transition. An empty body is allowed.
// POST /api/documents/{id}/{action}
func (h *Handler) DocumentAction(w http.ResponseWriter, r *http.Request) {
	var req DocumentActionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	id := generic.DocumentID(chi.URLParam(r, "id"))
	action := chi.URLParam(r, "action")

	doc, err := h.Documents.Apply(r.Context(), id, action, req.Actor, req.Note)
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to %s document", action), err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// =============================================================================
// CONSUMABLE HANDLERS
// =============================================================================

// ListHosts returns all registered hosts.
// GET /api/hosts
func (h *Handler) ListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.Tracker.Store.ListHosts(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list hosts", err)
		return
	}
	if hosts == nil {
		hosts = []consumables.Host{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

// RegisterHost stores a host and installs one unit per slot of its model.
// POST /api/hosts
func (h *Handler) RegisterHost(w http.ResponseWriter, r *http.Request) {
	var req RegisterHostRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	host := consumables.Host{ID: consumables.HostID(req.ID), ModelID: consumables.ModelID(req.ModelID), Name: req.Name}
	units, err := h.Tracker.RegisterHost(r.Context(), host)
	if err != nil {
		h.fail(w, r, "Failed to register host", err)
		return
	}
	stored, err := h.Tracker.Store.GetHost(r.Context(), host.ID)
	if err != nil {
		h.fail(w, r, "Failed to read host", err)
		return
	}
	dto, err := h.hostDTO(r, *stored, units)
	if err != nil {
		h.fail(w, r, "Failed to compute usage", err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// ListHostConsumables returns the live units of a host with their usage.
// GET /api/hosts/{id}/consumables
func (h *Handler) ListHostConsumables(w http.ResponseWriter, r *http.Request) {
	hostID := consumables.HostID(chi.URLParam(r, "id"))
	host, err := h.Tracker.Store.GetHost(r.Context(), hostID)
	if err != nil {
		h.fail(w, r, "Failed to get host", err)
		return
	}
	units, err := h.Tracker.Units(r.Context(), hostID)
	if err != nil {
		h.fail(w, r, "Failed to list consumables", err)
		return
	}
	dto, err := h.hostDTO(r, *host, units)
	if err != nil {
		h.fail(w, r, "Failed to compute usage", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListReplacements returns a host's replacement events, oldest first.
// GET /api/hosts/{id}/replacements
func (h *Handler) ListReplacements(w http.ResponseWriter, r *http.Request) {
	events, err := h.Tracker.Replacements(r.Context(), consumables.HostID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to list replacements", err)
		return
	}
	if events == nil {
		events = []consumables.ReplacementEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ReportUsage adds processed volume to the host's active units.
// POST /api/hosts/{id}/usage
func (h *Handler) ReportUsage(w http.ResponseWriter, r *http.Request) {
	var req ReportUsageRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	changes, err := h.Tracker.ReportUsage(r.Context(), consumables.HostID(chi.URLParam(r, "id")), req.Volume)
	if err != nil {
		h.fail(w, r, "Failed to report usage", err)
		return
	}
	if changes == nil {
		changes = []consumables.StateChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// ReplaceConsumable retires a unit and installs its successor.
// POST /api/consumables/{id}/replace
func (h *Handler) ReplaceConsumable(w http.ResponseWriter, r *http.Request) {
	var req ReplaceConsumableRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	successor, err := h.Tracker.Replace(r.Context(), consumables.UnitID(chi.URLParam(r, "id")), req.Actor, req.Note)
	if err != nil {
		h.fail(w, r, "Failed to replace consumable", err)
		return
	}
	writeJSON(w, http.StatusCreated, successor)
}

func (h *Handler) hostDTO(r *http.Request, host consumables.Host, units []consumables.Unit) (HostDTO, error) {
	dto := HostDTO{Host: host, Units: make([]UnitDTO, 0, len(units))}
	for _, u := range units {
		usage, err := h.Tracker.Usage(r.Context(), u.ID)
		if err != nil {
			return HostDTO{}, err
		}
		dto.Units = append(dto.Units, UnitDTO{Unit: u, Usage: usage})
	}
	return dto, nil
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// ListSales returns sales, newest reference first.
// GET /api/sales?status=&limit=
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	list, err := h.Sales.List(r.Context(), sales.Filter{Status: sales.Status(r.URL.Query().Get("status")), Limit: limit})
	if err != nil {
		h.fail(w, r, "Failed to list sales", err)
		return
	}
	dtos := make([]SaleDTO, len(list))
	for i, s := range list {
		dtos[i] = SaleDTO{Sale: s, Gross: s.Gross(), Net: s.Net()}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSale reserves stock for every line and stores a pending sale.
// POST /api/sales
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	sale, err := h.Sales.Create(r.Context(), req.toDomain())
	if err != nil {
		h.fail(w, r, "Failed to create sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, SaleDTO{Sale: *sale, Gross: sale.Gross(), Net: sale.Net()})
}

// GetSale returns a sale with totals and commission.
// GET /api/sales/{id}
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Sales.Get(r.Context(), sales.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get sale", err)
		return
	}
	h.writeSale(w, r, http.StatusOK, sale)
}

// SaleAction fulfils, cancels or refunds a sale.
// POST /api/sales/{id}/{action}
func (h *Handler) SaleAction(w http.ResponseWriter, r *http.Request) {
	var req SaleActionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	id := sales.SaleID(chi.URLParam(r, "id"))
	action := chi.URLParam(r, "action")

	var (
		sale *sales.Sale
		err  error
	)
	switch action {
	case "fulfill", "fulfil":
		sale, err = h.Sales.Fulfill(r.Context(), id, req.Actor)
	case "cancel":
		sale, err = h.Sales.Cancel(r.Context(), id, req.Actor, req.Reason)
	case "refund":
		sale, err = h.Sales.Refund(r.Context(), id, req.Actor, req.Reason)
	default:
		err = fmt.Errorf("%w: unknown sale action %q", generic.ErrInvalidInput, action)
	}
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to %s sale", action), err)
		return
	}
	h.writeSale(w, r, http.StatusOK, sale)
}

func (h *Handler) writeSale(w http.ResponseWriter, r *http.Request, status int, sale *sales.Sale) {
	c, err := h.Sales.Commission(r.Context(), sale.ID)
	if err != nil {
		h.fail(w, r, "Failed to read commission", err)
		return
	}
	writeJSON(w, status, SaleDTO{Sale: *sale, Gross: sale.Gross(), Net: sale.Net(), Commission: c})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// GET /api/catalog/warehouses
func (h *Handler) ListWarehouses(w http.ResponseWriter, r *http.Request) {
	list, err := h.Catalog.ListWarehouses(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list warehouses", err)
		return
	}
	if list == nil {
		list = []generic.Warehouse{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/catalog/warehouses
func (h *Handler) SaveWarehouse(w http.ResponseWriter, r *http.Request) {
	var req WarehouseRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	wh := generic.Warehouse{ID: generic.WarehouseID(req.ID), Name: req.Name}
	if err := h.Catalog.SaveWarehouse(r.Context(), wh); err != nil {
		h.fail(w, r, "Failed to save warehouse", err)
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

// GET /api/catalog/locations?warehouse=
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	list, err := h.Catalog.ListLocations(r.Context(), generic.WarehouseID(r.URL.Query().Get("warehouse")))
	if err != nil {
		h.fail(w, r, "Failed to list locations", err)
		return
	}
	if list == nil {
		list = []generic.Location{}
	}
	writeJSON(w, http.StatusOK, list)
}

// SaveLocation requires the warehouse to exist.
// POST /api/catalog/locations
func (h *Handler) SaveLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	loc := generic.Location{Warehouse: generic.WarehouseID(req.Warehouse), ID: generic.LocationID(req.ID), Name: req.Name}
	if err := generic.CheckSite(r.Context(), h.Catalog, generic.Site{Warehouse: loc.Warehouse}); err != nil {
		h.fail(w, r, "Unknown warehouse", err)
		return
	}
	if err := h.Catalog.SaveLocation(r.Context(), loc); err != nil {
		h.fail(w, r, "Failed to save location", err)
		return
	}
	writeJSON(w, http.StatusCreated, loc)
}

// GET /api/catalog/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	list, err := h.Catalog.ListItems(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list items", err)
		return
	}
	if list == nil {
		list = []generic.Item{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/catalog/items
func (h *Handler) SaveItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	item := generic.Item{
		ID:        generic.ItemID(req.ID),
		Name:      req.Name,
		Unit:      req.Unit,
		MinStock:  req.MinStock,
		CreatedAt: h.Engine.Clock.Now(),
	}
	if err := h.Catalog.SaveItem(r.Context(), item); err != nil {
		h.fail(w, r, "Failed to save item", err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a domain error to its status, logs server-side failures and
// writes the error body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var verr *validation.Error
	var short *generic.InsufficientStockError
	switch {
	case errors.As(err, &verr):
		resp.Details = verr.Fields
	case errors.As(err, &short):
		resp.Details = map[string]string{
			"position":  short.Key.String(),
			"available": short.Available.String(),
			"requested": short.Requested.String(),
			"shortfall": short.Shortfall().String(),
		}
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg(message)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

// statusFor returns the HTTP status and a stable error code for err.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, generic.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, generic.ErrPositionNotFound):
		return http.StatusConflict, "position_not_found"
	case errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, generic.ErrAlreadyCommitted):
		return http.StatusConflict, "already_committed"
	case errors.Is(err, generic.ErrContention), errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "contention"
	case errors.Is(err, generic.ErrLocationNotFound):
		return http.StatusNotFound, "location_not_found"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "internal"
}

// decodeAndValidate reads a JSON body into dst and runs the validator.
// It writes the 400 itself and returns false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validation.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Validation failed", Code: "invalid_input", Details: err.Error()}
		var verr *validation.Error
		if errors.As(err, &verr) {
			resp.Details = verr.Fields
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

// decodeOptional accepts an empty body for action endpoints.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
