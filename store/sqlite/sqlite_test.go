package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
	"github.com/warp/stock-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	bin1 = generic.PositionKey{Item: "membrane-75", Warehouse: "main", Location: "B1"}
	bin2 = generic.PositionKey{Item: "membrane-75", Warehouse: "main", Location: "B2"}
	t0   = time.Date(2026, time.April, 2, 8, 30, 0, 0, time.UTC)
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(t *testing.T, s *sqlite.Store) *generic.Engine {
	t.Helper()
	e := generic.NewEngine(s)
	e.Clock = generic.NewManualClock(t0)
	return e
}

func receipt(ref string, key generic.PositionKey, qty int64) generic.CommitRequest {
	return generic.CommitRequest{
		Document:  generic.DocumentRef{Kind: "receipt", Ref: ref},
		Kind:      generic.MovementReceipt,
		Direction: generic.DirectionIn,
		Key:       key,
		Quantity:  n(qty),
		Line:      1,
		Actor:     "clerk",
	}
}

// =============================================================================
// POSITIONS
// =============================================================================

func TestPutPosition_CompareAndSwap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	pos := generic.StockPosition{Key: bin1, Quantity: n(5), Version: 1, LastUpdated: t0}

	require.NoError(t, s.PutPosition(ctx, pos, 0))

	// Inserting again must fail: the row exists.
	err := s.PutPosition(ctx, pos, 0)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	// Stale version.
	pos.Quantity, pos.Version = n(7), 2
	err = s.PutPosition(ctx, pos, 5)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	require.NoError(t, s.PutPosition(ctx, pos, 1))
	got, err := s.GetPosition(ctx, bin1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "7", got.Quantity.String())
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.LastUpdated.Equal(t0))

	require.NoError(t, s.DeletePosition(ctx, bin1, 2))
	got, err = s.GetPosition(ctx, bin1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptTimestamp_IsReported(t *testing.T) {
	// GIVEN: a position and a movement whose stored timestamps were mangled
	s := newStore(t)
	ctx := context.Background()
	e := newEngine(t, s)
	_, err := e.Commit(ctx, receipt("RCV-1", bin1, 3))
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE positions SET last_updated = 'yesterday'`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE movements SET created_at = ''`)
	require.NoError(t, err)

	// WHEN / THEN: reads fail instead of returning a zero time
	_, err = s.GetPosition(ctx, bin1)
	assert.ErrorContains(t, err, "bad stored timestamp")
	_, err = s.ListPositions(ctx, generic.PositionFilter{})
	assert.ErrorContains(t, err, "bad stored timestamp")
	_, err = s.MovementsByDocument(ctx, generic.DocumentRef{Kind: "receipt", Ref: "RCV-1"})
	assert.ErrorContains(t, err, "bad stored timestamp")
}

func TestListPositions_FilterAndOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	other := generic.PositionKey{Item: "cartridge-pp", Warehouse: "north", Location: "A1"}
	for _, k := range []generic.PositionKey{bin2, other, bin1} {
		require.NoError(t, s.PutPosition(ctx, generic.StockPosition{Key: k, Quantity: n(1), Version: 1, LastUpdated: t0}, 0))
	}

	all, err := s.ListPositions(ctx, generic.PositionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, other, all[0].Key)
	assert.Equal(t, bin1, all[1].Key)

	main, err := s.ListPositions(ctx, generic.PositionFilter{Warehouse: "main"})
	require.NoError(t, err)
	assert.Len(t, main, 2)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestAppendMovement_DuplicateKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := generic.MovementRecord{
		ID: "m1", IdempotencyKey: "receipt|RCV-1|RECEIPT|1|membrane-75",
		Key: bin1, Quantity: n(3), Direction: generic.DirectionIn, Kind: generic.MovementReceipt,
		Document: generic.DocumentRef{Kind: "receipt", Ref: "RCV-1"}, Line: 1,
		To: &generic.Site{Warehouse: "main", Location: "B1"}, QuantityAfter: n(3),
		MovementDate: t0, CreatedAt: t0,
	}
	require.NoError(t, s.AppendMovement(ctx, rec))

	rec.ID = "m2"
	err := s.AppendMovement(ctx, rec)
	assert.ErrorIs(t, err, generic.ErrAlreadyCommitted)

	got, err := s.MovementByKey(ctx, rec.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, generic.MovementID("m1"), got.ID)
	assert.Nil(t, got.From)
	require.NotNil(t, got.To)
	assert.Equal(t, generic.LocationID("B1"), got.To.Location)

	missing, err := s.MovementByKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMovements_LimitKeepsMostRecent(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := e.Commit(ctx, receipt(fmt.Sprintf("RCV-%d", i), bin1, int64(i)))
		require.NoError(t, err)
	}

	recs, err := s.Movements(ctx, generic.MovementFilter{Item: bin1.Item, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "RCV-3", recs[0].Document.Ref)
	assert.Equal(t, "RCV-4", recs[1].Document.Ref)
	assert.Equal(t, "10", recs[1].QuantityAfter.String())
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_CommitReverse(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	// GIVEN: 10 received
	_, err := e.Commit(ctx, receipt("RCV-1", bin1, 10))
	require.NoError(t, err)

	// WHEN: the same receipt commits twice and is then reversed twice
	again, err := e.Commit(ctx, receipt("RCV-1", bin1, 10))
	require.NoError(t, err)
	assert.True(t, again.AlreadyCommitted)

	ref := generic.DocumentRef{Kind: "receipt", Ref: "RCV-1"}
	_, err = e.Reverse(ctx, generic.ReverseRequest{Document: ref, Actor: "clerk"})
	require.NoError(t, err)
	second, err := e.Reverse(ctx, generic.ReverseRequest{Document: ref, Actor: "clerk"})
	require.NoError(t, err)

	// THEN: one movement each way, position gone
	assert.True(t, second.NoOp)
	recs, err := s.MovementsByDocument(ctx, ref)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Reversal)
	assert.Equal(t, recs[0].ID, recs[1].ReversesID)

	q, err := e.GetPosition(ctx, bin1)
	require.NoError(t, err)
	assert.True(t, q.IsZero())
}

func TestEngine_Transfer_InsufficientSourceRollsBack(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s)
	ctx := context.Background()
	_, err := e.Commit(ctx, receipt("RCV-1", bin1, 2))
	require.NoError(t, err)

	_, err = e.Transfer(ctx, generic.TransferRequest{
		Document: generic.DocumentRef{Kind: "transfer", Ref: "TRF-1"},
		Item:     bin1.Item,
		From:     generic.Site{Warehouse: "main", Location: "B1"},
		To:       generic.Site{Warehouse: "main", Location: "B2"},
		Quantity: n(5),
		Line:     1,
	})
	var short *generic.InsufficientStockError
	require.ErrorAs(t, err, &short)

	src, err := e.GetPosition(ctx, bin1)
	require.NoError(t, err)
	assert.Equal(t, "2", src.String())
	dst, err := s.GetPosition(ctx, bin2)
	require.NoError(t, err)
	assert.Nil(t, dst)
}

func TestEngine_HookFailureRollsBackOnDisk(t *testing.T) {
	s, err := sqlite.New(filepath.Join(t.TempDir(), "stock.db"))
	require.NoError(t, err)
	defer s.Close()
	e := newEngine(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err = e.Commit(ctx, receipt("RCV-1", bin1, 4), func(context.Context, generic.Store) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, err := s.GetPosition(ctx, bin1)
	require.NoError(t, err)
	assert.Nil(t, got)
	recs, err := s.Movements(ctx, generic.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func TestDocuments_SaveAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc := generic.Document{
		ID: "doc-1", Kind: "adjustment", Reference: "ADJ-2026-00001", Status: generic.StatusDraft,
		Lines:     []generic.DocumentLine{{Item: bin1.Item, Warehouse: "main", Location: "B1", Quantity: n(-2)}},
		Metadata:  map[string]string{"reason": "damaged"},
		CreatedBy: "clerk", CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.SaveDocument(ctx, doc))

	doc.Status = generic.StatusPending
	doc.History = []generic.StatusChange{{From: generic.StatusDraft, To: generic.StatusPending, Actor: "clerk", At: t0}}
	require.NoError(t, s.SaveDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, got.Status)
	assert.Equal(t, "damaged", got.Metadata["reason"])
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "-2", got.Lines[0].Quantity.String())
	require.Len(t, got.History, 1)

	list, err := s.ListDocuments(ctx, generic.DocumentFilter{Status: generic.StatusDraft})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrDocumentNotFound)
}

func TestNextSequence_PerPrefixAndYear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := s.NextSequence(ctx, "ADJ", 2026)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.NextSequence(ctx, "ADJ", 2027)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	got, err = s.NextSequence(ctx, "SAL", 2026)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestWorkflow_ApproveIsAtomicWithStock(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s)
	ctx := context.Background()
	kinds := generic.NewKindRegistry()
	require.NoError(t, kinds.Register(generic.KindSpec{
		Kind: "stock_dispatch", RefPrefix: "DSP", Movement: generic.MovementDispatch,
		Mode: generic.ModeOut, CommitOn: generic.StatusApproved, Fulfilled: generic.StatusCompleted,
		ZeroPolicy: generic.DeleteAtZero,
	}))
	ws := generic.NewWorkflowService(e, s, kinds)
	ws.Clock = e.Clock

	_, err := e.Commit(ctx, receipt("RCV-1", bin1, 3))
	require.NoError(t, err)

	doc, err := ws.Create(ctx, generic.CreateDocumentInput{
		Kind:  "stock_dispatch",
		Lines: []generic.DocumentLine{{Item: bin1.Item, Warehouse: "main", Location: "B1", Quantity: n(5)}},
		Actor: "clerk",
	})
	require.NoError(t, err)
	_, err = ws.Submit(ctx, doc.ID, "clerk")
	require.NoError(t, err)

	// WHEN: approval would overdraw the bin
	_, err = ws.Approve(ctx, doc.ID, "boss")

	// THEN: the document stays pending and nothing moved
	assert.ErrorIs(t, err, generic.ErrInsufficientStock)
	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, got.Status)
	q, err := e.GetPosition(ctx, bin1)
	require.NoError(t, err)
	assert.Equal(t, "3", q.String())
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_LocationNeedsWarehouse(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.SaveLocation(ctx, generic.Location{Warehouse: "ghost", ID: "A1"})
	assert.ErrorIs(t, err, generic.ErrLocationNotFound)

	require.NoError(t, s.SaveWarehouse(ctx, generic.Warehouse{ID: "main", Name: "Main"}))
	require.NoError(t, s.SaveLocation(ctx, generic.Location{Warehouse: "main", ID: "A1", Name: "Aisle 1"}))
	require.NoError(t, s.SaveItem(ctx, generic.Item{ID: "membrane-75", Name: "Membrane", Unit: "pcs", MinStock: n(2), CreatedAt: t0}))

	loc, err := s.GetLocation(ctx, "main", "A1")
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, "Aisle 1", loc.Name)

	it, err := s.GetItem(ctx, "membrane-75")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "2", it.MinStock.String())

	none, err := s.GetWarehouse(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// =============================================================================
// CONSUMABLES
// =============================================================================

func TestConsumables_TrackerOnSQLite(t *testing.T) {
	s := newStore(t)
	cs := s.Consumables()
	ctx := context.Background()
	maxVol := n(80)
	require.NoError(t, cs.SaveType(ctx, consumables.ConsumableType{ID: "sediment", Name: "Sediment", Slot: 1, MaxVolume: &maxVol}))
	require.NoError(t, cs.SaveModel(ctx, consumables.HostModel{ID: "ro-5", Name: "RO", Types: []consumables.TypeID{"sediment"}}))

	tr := consumables.NewTracker(cs)
	clock := generic.NewManualClock(t0)
	tr.Clock = clock

	units, err := tr.RegisterHost(ctx, consumables.Host{ID: "host-1", ModelID: "ro-5"})
	require.NoError(t, err)
	require.Len(t, units, 1)

	changes, err := tr.ReportUsage(ctx, "host-1", n(90))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, consumables.StatusNeedsChange, changes[0].To)

	clock.AdvanceDays(3)
	next, err := tr.Replace(ctx, units[0].ID, "tech", "")
	require.NoError(t, err)
	assert.Equal(t, units[0].ID, next.PredecessorID)

	chain, err := tr.Chain(ctx, "host-1", 1)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, next.ID, chain[0].ID)
	assert.Equal(t, consumables.StatusChanged, chain[1].Status)
	require.NotNil(t, chain[1].ChangedAt)

	events, err := tr.Replacements(ctx, "host-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].AgeDays)
	assert.Equal(t, "90", events[0].Volume.String())
	assert.Equal(t, consumables.StatusNeedsChange, events[0].FromStatus)

	// A second replacement of the same unit is refused.
	_, err = tr.Replace(ctx, units[0].ID, "tech", "")
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestConsumables_OneLiveUnitPerSlot(t *testing.T) {
	s := newStore(t)
	cs := s.Consumables()
	ctx := context.Background()
	u := consumables.Unit{ID: "u1", HostID: "h", TypeID: "sediment", Slot: 1, Status: consumables.StatusActive, InstallDate: t0, UpdatedAt: t0}
	require.NoError(t, cs.SaveUnit(ctx, u))

	u.ID = "u2"
	err := cs.SaveUnit(ctx, u)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	_, err = cs.GetUnit(ctx, "u2")
	assert.ErrorIs(t, err, generic.ErrEntityNotFound)
}

// =============================================================================
// SALES
// =============================================================================

func TestSales_CreateCancelFulfillOnSQLite(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s)
	ctx := context.Background()
	_, err := e.Commit(ctx, receipt("RCV-1", bin1, 10))
	require.NoError(t, err)

	seq := sales.NewSequencer(e, s, s)
	seq.Clock = e.Clock
	seq.DefaultRate = decimal.RequireFromString("0.10")

	line := sales.Line{Item: bin1.Item, Warehouse: "main", Location: "B1", Quantity: n(4), UnitPrice: decimal.RequireFromString("25")}
	first, err := seq.Create(ctx, sales.CreateInput{Lines: []sales.Line{line}, IncentivePartyID: "agent-7", Actor: "cashier"})
	require.NoError(t, err)
	second, err := seq.Create(ctx, sales.CreateInput{Lines: []sales.Line{line}, Actor: "cashier"})
	require.NoError(t, err)
	assert.Equal(t, "SAL-2026-00001", first.Reference)
	assert.Equal(t, "SAL-2026-00002", second.Reference)

	q, err := e.GetPosition(ctx, bin1)
	require.NoError(t, err)
	assert.Equal(t, "2", q.String())

	_, err = seq.Cancel(ctx, second.ID, "cashier", "customer left")
	require.NoError(t, err)
	q, err = e.GetPosition(ctx, bin1)
	require.NoError(t, err)
	assert.Equal(t, "6", q.String())

	done, err := seq.Fulfill(ctx, first.ID, "cashier")
	require.NoError(t, err)
	assert.Equal(t, sales.StatusFulfilled, done.Status)

	c, err := seq.Commission(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "10", c.Amount.String())

	stored, err := s.GetSale(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.StatusFulfilled, stored.Status)
	require.Len(t, stored.Lines, 1)

	fulfilled, err := s.ListSales(ctx, sales.Filter{Status: sales.StatusFulfilled})
	require.NoError(t, err)
	assert.Len(t, fulfilled, 1)

	err = s.SaveCommission(ctx, *c)
	assert.ErrorIs(t, err, generic.ErrAlreadyCommitted)
}
