package generic_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var mainA1 = generic.PositionKey{Item: "filter-10in", Warehouse: "main", Location: "A1"}

func qty(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func newTestEngine(t *testing.T) (*generic.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := generic.NewEngine(mem)
	engine.Clock = generic.NewManualClock(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	return engine, mem
}

func docRef(kind, ref string) generic.DocumentRef {
	return generic.DocumentRef{Kind: generic.DocumentKind(kind), Ref: ref}
}

func commitReq(ref string, dir generic.Direction, key generic.PositionKey, n int64) generic.CommitRequest {
	kind := generic.MovementReceipt
	if dir == generic.DirectionOut {
		kind = generic.MovementDispatch
	}
	return generic.CommitRequest{
		Document:  docRef("test", ref),
		Kind:      kind,
		Direction: dir,
		Key:       key,
		Quantity:  qty(n),
		Line:      1,
		Actor:     "tester",
	}
}

func receive(t *testing.T, e *generic.Engine, ref string, key generic.PositionKey, n int64) {
	t.Helper()
	_, err := e.Commit(context.Background(), commitReq(ref, generic.DirectionIn, key, n))
	require.NoError(t, err)
}

func onHand(t *testing.T, e *generic.Engine, key generic.PositionKey) decimal.Decimal {
	t.Helper()
	q, err := e.GetPosition(context.Background(), key)
	require.NoError(t, err)
	return q
}

// =============================================================================
// COMMIT
// =============================================================================

func TestCommit_FirstIncrease_CreatesPosition(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Commit(ctx, commitReq("RCV-1", generic.DirectionIn, mainA1, 10))
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, generic.MovementReceipt, rec.Kind)
	assert.Equal(t, generic.DirectionIn, rec.Direction)
	assert.True(t, rec.Quantity.Equal(qty(10)))
	assert.True(t, rec.QuantityAfter.Equal(qty(10)))
	require.NotNil(t, rec.To)
	assert.Nil(t, rec.From)
	assert.Equal(t, generic.WarehouseID("main"), rec.To.Warehouse)
	assert.Equal(t, "tester", rec.Actor)

	pos, err := engine.Position(ctx, mainA1)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(1), pos.Version)
	assert.True(t, pos.Quantity.Equal(qty(10)))
}

func TestCommit_SameTransitionTwice_ProducesOneMovement(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	// GIVEN: a receipt already committed
	first, err := engine.Commit(ctx, commitReq("RCV-1", generic.DirectionIn, mainA1, 10))
	require.NoError(t, err)

	// WHEN: the same transition is committed again
	second, err := engine.Commit(ctx, commitReq("RCV-1", generic.DirectionIn, mainA1, 10))

	// THEN: no error, the existing record comes back, stock is unchanged
	require.NoError(t, err)
	assert.True(t, second.AlreadyCommitted)
	assert.Equal(t, first.Records[0].ID, second.Records[0].ID)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(10)))

	recs, err := mem.MovementsByDocument(ctx, docRef("test", "RCV-1"))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCommit_DecreaseBeyondStock_InsufficientStock(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	receive(t, engine, "RCV-1", mainA1, 3)

	_, err := engine.Commit(ctx, commitReq("DSP-1", generic.DirectionOut, mainA1, 5))

	var short *generic.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.True(t, errors.Is(err, generic.ErrInsufficientStock))
	assert.True(t, short.Available.Equal(qty(3)))
	assert.True(t, short.Requested.Equal(qty(5)))
	assert.True(t, short.Shortfall().Equal(qty(2)))
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(3)))

	recs, err := mem.MovementsByDocument(ctx, docRef("test", "DSP-1"))
	require.NoError(t, err)
	assert.Empty(t, recs, "failed commit must not leave a movement")
}

func TestCommit_DecreaseWithoutRow_PositionNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Commit(context.Background(), commitReq("DSP-1", generic.DirectionOut, mainA1, 1))

	assert.ErrorIs(t, err, generic.ErrPositionNotFound)
	assert.True(t, generic.IsClientError(err))
}

func TestCommit_RejectsNonPositiveQuantity(t *testing.T) {
	engine, _ := newTestEngine(t)

	req := commitReq("RCV-1", generic.DirectionIn, mainA1, 0)
	_, err := engine.Commit(context.Background(), req)

	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestCommit_ZeroPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    generic.ZeroPolicy
		expectRow bool
	}{
		{"delete at zero removes row", generic.DeleteAtZero, false},
		{"keep zero row", generic.KeepZeroRow, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine(t)
			ctx := context.Background()
			receive(t, engine, "RCV-1", mainA1, 4)

			req := commitReq("OUT-1", generic.DirectionOut, mainA1, 4)
			req.Policy = tt.policy
			_, err := engine.Commit(ctx, req)
			require.NoError(t, err)

			pos, err := engine.Position(ctx, mainA1)
			require.NoError(t, err)
			if tt.expectRow {
				require.NotNil(t, pos)
				assert.True(t, pos.Quantity.IsZero())
			} else {
				assert.Nil(t, pos)
			}
		})
	}
}

func TestCommitBatch_AllOrNothing(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	other := generic.PositionKey{Item: "cartridge", Warehouse: "main"}
	receive(t, engine, "RCV-1", mainA1, 5)
	receive(t, engine, "RCV-2", other, 1)

	// Line 2 cannot be satisfied, so line 1 must not be applied either.
	l1 := commitReq("DSP-9", generic.DirectionOut, mainA1, 2)
	l2 := commitReq("DSP-9", generic.DirectionOut, other, 3)
	l2.Line = 2
	_, err := engine.CommitBatch(ctx, []generic.CommitRequest{l1, l2})

	require.ErrorIs(t, err, generic.ErrInsufficientStock)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(5)))
	assert.True(t, onHand(t, engine, other).Equal(qty(1)))
}

func TestCommit_HookFailure_RollsBack(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	boom := errors.New("document save failed")

	_, err := engine.Commit(ctx, commitReq("RCV-1", generic.DirectionIn, mainA1, 10),
		func(context.Context, generic.Store) error { return boom })

	require.ErrorIs(t, err, boom)
	assert.True(t, onHand(t, engine, mainA1).IsZero())
	rec, err := mem.MovementByKey(ctx, commitReq("RCV-1", generic.DirectionIn, mainA1, 10).IdempotencyKey())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCommit_CatalogRejectsUnknownSite(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveWarehouse(ctx, generic.Warehouse{ID: "main"}))
	require.NoError(t, mem.SaveItem(ctx, generic.Item{ID: "filter-10in"}))
	engine.Catalog = mem

	_, err := engine.Commit(ctx, commitReq("RCV-1", generic.DirectionIn, mainA1, 1))

	var missing *generic.LocationNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, generic.LocationID("A1"), missing.Site.Location)
}

// =============================================================================
// REVERSE
// =============================================================================

func TestReverse_NeverCommitted_IsNoOp(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Reverse(ctx, generic.ReverseRequest{Document: docRef("test", "ADJ-404")})

	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Empty(t, res.Records)
	all, err := mem.Movements(ctx, generic.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReverse_RestoresStockOnce(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	receive(t, engine, "RCV-1", mainA1, 10)
	_, err := engine.Commit(ctx, commitReq("DSP-1", generic.DirectionOut, mainA1, 4))
	require.NoError(t, err)

	first, err := engine.Reverse(ctx, generic.ReverseRequest{Document: docRef("test", "DSP-1"), Actor: "auditor"})
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	rev := first.Records[0]
	assert.True(t, rev.Reversal)
	assert.Equal(t, generic.DirectionIn, rev.Direction)
	assert.Equal(t, "auditor", rev.Actor)
	assert.NotEmpty(t, rev.ReversesID)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(10)))

	second, err := engine.Reverse(ctx, generic.ReverseRequest{Document: docRef("test", "DSP-1")})
	require.NoError(t, err)
	assert.True(t, second.NoOp)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(10)))

	recs, err := mem.MovementsByDocument(ctx, docRef("test", "DSP-1"))
	require.NoError(t, err)
	assert.Len(t, recs, 2, "original plus one reversal")

	committed, err := engine.IsCommitted(ctx, docRef("test", "DSP-1"))
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestReverse_SaleOutIsRecordedAsSaleReturn(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, engine, "RCV-1", mainA1, 2)
	req := commitReq("SAL-1", generic.DirectionOut, mainA1, 2)
	req.Kind = generic.MovementSaleOut
	req.Policy = generic.KeepZeroRow
	_, err := engine.Commit(ctx, req)
	require.NoError(t, err)

	res, err := engine.Reverse(ctx, generic.ReverseRequest{Document: req.Document, Kind: generic.MovementSaleOut})

	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, generic.MovementSaleReturn, res.Records[0].Kind)
}

func TestReverse_ConsumedReceipt_FailsWithoutPartialEffect(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, engine, "RCV-1", mainA1, 5)
	_, err := engine.Commit(ctx, commitReq("DSP-1", generic.DirectionOut, mainA1, 4))
	require.NoError(t, err)

	_, err = engine.Reverse(ctx, generic.ReverseRequest{Document: docRef("test", "RCV-1")})

	assert.ErrorIs(t, err, generic.ErrInsufficientStock)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(1)))
}

// =============================================================================
// TRANSFER
// =============================================================================

var (
	siteA = generic.Site{Warehouse: "main", Location: "A1"}
	siteB = generic.Site{Warehouse: "north", Location: "B2"}
)

func transferReq(ref string, n int64) generic.TransferRequest {
	return generic.TransferRequest{
		Document: docRef("transfer", ref),
		Item:     "filter-10in",
		From:     siteA,
		To:       siteB,
		Quantity: qty(n),
		Line:     1,
		Actor:    "tester",
	}
}

func TestTransfer_MovesBothSides(t *testing.T) {
	engine, _ := newTestEngine(t)
	receive(t, engine, "RCV-1", siteA.Key("filter-10in", ""), 10)

	res, err := engine.Transfer(context.Background(), transferReq("TRF-1", 4))

	require.NoError(t, err)
	assert.Equal(t, generic.LegOut, res.Out.Leg)
	assert.Equal(t, generic.LegIn, res.In.Leg)
	assert.Equal(t, siteB, *res.Out.To)
	assert.Equal(t, siteA, *res.In.From)
	assert.True(t, onHand(t, engine, siteA.Key("filter-10in", "")).Equal(qty(6)))
	assert.True(t, onHand(t, engine, siteB.Key("filter-10in", "")).Equal(qty(4)))
}

func TestTransfer_InsufficientSource_NeitherSideChanges(t *testing.T) {
	engine, _ := newTestEngine(t)
	receive(t, engine, "RCV-1", siteA.Key("filter-10in", ""), 2)

	_, err := engine.Transfer(context.Background(), transferReq("TRF-1", 3))

	require.ErrorIs(t, err, generic.ErrInsufficientStock)
	assert.True(t, onHand(t, engine, siteA.Key("filter-10in", "")).Equal(qty(2)))
	assert.True(t, onHand(t, engine, siteB.Key("filter-10in", "")).IsZero())
}

func TestTransfer_MidTransferFailure_NeitherSideChanges(t *testing.T) {
	engine, mem := newTestEngine(t)
	receive(t, engine, "RCV-1", siteA.Key("filter-10in", ""), 10)

	// Both legs are applied before the hook runs; the hook failing simulates
	// a crash after the source was decremented.
	_, err := engine.Transfer(context.Background(), transferReq("TRF-1", 4),
		func(context.Context, generic.Store) error { return errors.New("simulated crash") })

	require.Error(t, err)
	assert.True(t, onHand(t, engine, siteA.Key("filter-10in", "")).Equal(qty(10)))
	assert.True(t, onHand(t, engine, siteB.Key("filter-10in", "")).IsZero())
	recs, err := mem.MovementsByDocument(context.Background(), docRef("transfer", "TRF-1"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestTransfer_MissingDestinationWarehouse_SourceUntouched(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveWarehouse(ctx, generic.Warehouse{ID: "main"}))
	require.NoError(t, mem.SaveLocation(ctx, generic.Location{Warehouse: "main", ID: "A1"}))
	require.NoError(t, mem.SaveItem(ctx, generic.Item{ID: "filter-10in"}))
	engine.Catalog = mem
	receive(t, engine, "RCV-1", siteA.Key("filter-10in", ""), 10)

	_, err := engine.Transfer(ctx, transferReq("TRF-1", 4))

	require.ErrorIs(t, err, generic.ErrLocationNotFound)
	assert.True(t, onHand(t, engine, siteA.Key("filter-10in", "")).Equal(qty(10)))
}

func TestTransfer_SameSite_Rejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	req := transferReq("TRF-1", 1)
	req.To = req.From

	_, err := engine.Transfer(context.Background(), req)

	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentDecrements_OnlyOneSucceeds(t *testing.T) {
	engine, _ := newTestEngine(t)
	receive(t, engine, "RCV-1", mainA1, 10)

	// GIVEN: 10 on hand, WHEN: 7 and 5 are taken concurrently
	amounts := []int64{7, 5}
	errs := make([]error, len(amounts))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, n := range amounts {
		wg.Add(1)
		go func(i int, n int64) {
			defer wg.Done()
			<-start
			_, errs[i] = engine.Commit(context.Background(),
				commitReq(fmt.Sprintf("DSP-%d", i), generic.DirectionOut, mainA1, n))
		}(i, n)
	}
	close(start)
	wg.Wait()

	// THEN: exactly one wins, the other sees InsufficientStock
	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			assert.ErrorIs(t, err, generic.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, failures)

	final := onHand(t, engine, mainA1)
	assert.True(t, final.Equal(qty(3)) || final.Equal(qty(5)), "final %s", final)
	if errs[1] != nil {
		assert.True(t, final.Equal(qty(3)))
	}
}

func TestOppositeTransfers_DoNotDeadlock(t *testing.T) {
	engine, _ := newTestEngine(t)
	a := siteA.Key("filter-10in", "")
	b := siteB.Key("filter-10in", "")
	receive(t, engine, "RCV-A", a, 100)
	receive(t, engine, "RCV-B", b, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			req := transferReq(fmt.Sprintf("AB-%d", i), 1)
			_, err := engine.Transfer(context.Background(), req)
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			req := transferReq(fmt.Sprintf("BA-%d", i), 1)
			req.From, req.To = siteB, siteA
			_, err := engine.Transfer(context.Background(), req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.True(t, onHand(t, engine, a).Equal(qty(100)))
	assert.True(t, onHand(t, engine, b).Equal(qty(100)))
}

func TestCommitAndReverseSequence_QuantityEqualsAppliedDeltas(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	expected := decimal.Zero
	applied := map[string]decimal.Decimal{}
	var refs []string

	for i := 0; i < 300; i++ {
		if len(refs) > 0 && rng.Intn(4) == 0 {
			ref := refs[rng.Intn(len(refs))]
			res, err := engine.Reverse(ctx, generic.ReverseRequest{Document: docRef("test", ref)})
			if err == nil && !res.NoOp {
				expected = expected.Sub(applied[ref])
			}
		} else {
			ref := fmt.Sprintf("DOC-%d", i)
			dir := generic.DirectionIn
			if rng.Intn(2) == 0 {
				dir = generic.DirectionOut
			}
			n := int64(rng.Intn(5) + 1)
			if _, err := engine.Commit(ctx, commitReq(ref, dir, mainA1, n)); err == nil {
				applied[ref] = dir.Signed(qty(n))
				expected = expected.Add(applied[ref])
				refs = append(refs, ref)
			}
		}

		got := onHand(t, engine, mainA1)
		require.False(t, got.IsNegative())
		require.True(t, got.Equal(expected), "step %d: got %s want %s", i, got, expected)
	}
}

// =============================================================================
// VERSION CONFLICTS
// =============================================================================

// conflictingStore reports a version conflict on every position write.
type conflictingStore struct {
	*store.Memory
	writes int
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return c.Memory.WithTx(ctx, func(tx generic.Store) error {
		return fn(&conflictingTx{Store: tx, parent: c})
	})
}

type conflictingTx struct {
	generic.Store
	parent *conflictingStore
}

func (c *conflictingTx) PutPosition(context.Context, generic.StockPosition, int64) error {
	c.parent.writes++
	return generic.ErrConcurrentModification
}

func TestEngine_PersistentVersionConflict_SurfacesContention(t *testing.T) {
	cs := &conflictingStore{Memory: store.NewMemory()}
	engine := generic.NewEngine(cs)
	engine.Locker = generic.NewKeyLocker(generic.LockConfig{Wait: 50 * time.Millisecond, Attempts: 3, Backoff: time.Millisecond})

	_, err := engine.Commit(context.Background(), commitReq("RCV-1", generic.DirectionIn, mainA1, 1))

	var contention *generic.ContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, 3, contention.Attempts)
	assert.Equal(t, 3, cs.writes)
	assert.True(t, generic.IsRetryable(err))
}

// =============================================================================
// LOW STOCK
// =============================================================================

func TestLowStockNotifier_AlertsBelowItemMinimum(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveItem(ctx, generic.Item{ID: "filter-10in", MinStock: qty(5)}))

	var alerts []generic.LowStockAlert
	engine.Observers = append(engine.Observers, &generic.LowStockNotifier{
		Catalog: mem,
		Deliver: func(_ context.Context, a generic.LowStockAlert) { alerts = append(alerts, a) },
	})

	receive(t, engine, "RCV-1", mainA1, 6)
	assert.Empty(t, alerts)

	_, err := engine.Commit(ctx, commitReq("DSP-1", generic.DirectionOut, mainA1, 2))
	require.NoError(t, err)

	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Quantity.Equal(qty(4)))
	assert.True(t, alerts[0].Threshold.Equal(qty(5)))
}

// =============================================================================
// APPLY DELTA
// =============================================================================

func TestApplyDelta_ConcurrentDecrements_OnlyOneSucceeds(t *testing.T) {
	// GIVEN: 10 on hand
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyDelta(ctx, mainA1, qty(10), generic.DeleteAtZero)
	require.NoError(t, err)

	// WHEN: 7 and 5 are taken at the same time
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, n := range []int64{7, 5} {
		wg.Add(1)
		go func(i int, n int64) {
			defer wg.Done()
			_, errs[i] = engine.ApplyDelta(ctx, mainA1, qty(-n), generic.DeleteAtZero)
		}(i, n)
	}
	wg.Wait()

	// THEN: exactly one wins and stock never goes negative
	failed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, generic.ErrInsufficientStock)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	left := onHand(t, engine, mainA1)
	assert.True(t, left.Equal(qty(3)) || left.Equal(qty(5)), "left %s", left)

	all, err := mem.Movements(ctx, generic.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "raw deltas are not ledger movements")
}

func TestApplyDelta_Rules(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.ApplyDelta(ctx, mainA1, qty(-1), generic.DeleteAtZero)
	require.ErrorIs(t, err, generic.ErrPositionNotFound)

	created, err := engine.ApplyDelta(ctx, mainA1, qty(2), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	kept, err := engine.ApplyDelta(ctx, mainA1, qty(-2), generic.KeepZeroRow)
	require.NoError(t, err)
	assert.True(t, kept.Quantity.IsZero())
	pos, err := engine.Position(ctx, mainA1)
	require.NoError(t, err)
	require.NotNil(t, pos, "zero row kept")

	_, err = engine.ApplyDelta(ctx, generic.PositionKey{Item: "filter-10in"}, qty(1), "")
	require.ErrorIs(t, err, generic.ErrInvalidInput)
}

// =============================================================================
// REVERSE LOCK SET
// =============================================================================

// interleavingStore runs beforeTx once, just before the next transaction
// opens, to land a write between the engine's ledger read and its lock.
type interleavingStore struct {
	*store.Memory
	beforeTx func()
}

func (s *interleavingStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if f := s.beforeTx; f != nil {
		s.beforeTx = nil
		f()
	}
	return s.Memory.WithTx(ctx, fn)
}

func TestReverse_MovementOnNewKeyBeforeLock_IsReversedToo(t *testing.T) {
	// GIVEN: a document with one committed line
	mem := store.NewMemory()
	is := &interleavingStore{Memory: mem}
	engine := generic.NewEngine(is)
	other := generic.NewEngine(mem)
	ctx := context.Background()
	mainA2 := generic.PositionKey{Item: "filter-10in", Warehouse: "main", Location: "A2"}
	receive(t, engine, "RCV-7", mainA1, 4)

	// WHEN: a second line on another key commits after Reverse read the
	// ledger but before it locked
	is.beforeTx = func() {
		second := commitReq("RCV-7", generic.DirectionIn, mainA2, 6)
		second.Line = 2
		_, err := other.Commit(ctx, second)
		require.NoError(t, err)
	}
	res, err := engine.Reverse(ctx, generic.ReverseRequest{Document: docRef("test", "RCV-7")})

	// THEN: both lines are reversed
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.True(t, onHand(t, engine, mainA1).IsZero())
	assert.True(t, onHand(t, engine, mainA2).IsZero())
}
