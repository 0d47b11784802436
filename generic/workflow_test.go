package generic_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/generic/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var (
	testAdjustment = generic.KindSpec{
		Kind: "adjustment", RefPrefix: "ADJ", Movement: generic.MovementAdjust,
		Mode: generic.ModeSigned, CommitOn: generic.StatusApproved, ZeroPolicy: generic.DeleteAtZero,
	}
	testDispatch = generic.KindSpec{
		Kind: "stock_dispatch", RefPrefix: "DSP", Movement: generic.MovementDispatch,
		Mode: generic.ModeOut, CommitOn: generic.StatusApproved, Fulfilled: generic.StatusCompleted,
		ZeroPolicy: generic.DeleteAtZero,
	}
	testIssuance = generic.KindSpec{
		Kind: "material_issuance", RefPrefix: "MIS", Movement: generic.MovementDispatch,
		Mode: generic.ModeOut, CommitOn: generic.StatusIssued, Fulfilled: generic.StatusIssued,
		ZeroPolicy: generic.DeleteAtZero,
	}
	testTransfer = generic.KindSpec{
		Kind: "transfer", RefPrefix: "TRF", Movement: generic.MovementTransfer,
		Mode: generic.ModePaired, CommitOn: generic.StatusApproved, Fulfilled: generic.StatusCompleted,
		ZeroPolicy: generic.DeleteAtZero,
	}
)

func newTestWorkflow(t *testing.T) (*generic.WorkflowService, *generic.Engine, *store.Memory) {
	t.Helper()
	engine, mem := newTestEngine(t)
	kinds := generic.NewKindRegistry()
	for _, k := range []generic.KindSpec{testAdjustment, testDispatch, testIssuance, testTransfer} {
		require.NoError(t, kinds.Register(k))
	}
	return generic.NewWorkflowService(engine, mem, kinds), engine, mem
}

func line(key generic.PositionKey, n int64) generic.DocumentLine {
	return generic.DocumentLine{Item: key.Item, Warehouse: key.Warehouse, Location: key.Location, Quantity: qty(n)}
}

func createPending(t *testing.T, ws *generic.WorkflowService, kind generic.DocumentKind, lines ...generic.DocumentLine) *generic.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: kind, Lines: lines, Actor: "clerk"})
	require.NoError(t, err)
	doc, err = ws.Submit(ctx, doc.ID, "clerk")
	require.NoError(t, err)
	return doc
}

// =============================================================================
// KIND SPEC
// =============================================================================

func TestKindSpec_Transitions(t *testing.T) {
	tests := []struct {
		spec     generic.KindSpec
		from, to generic.Status
		allowed  bool
	}{
		{testAdjustment, generic.StatusDraft, generic.StatusPending, true},
		{testAdjustment, generic.StatusDraft, generic.StatusApproved, false},
		{testAdjustment, generic.StatusPending, generic.StatusApproved, true},
		{testAdjustment, generic.StatusPending, generic.StatusRejected, true},
		{testAdjustment, generic.StatusRejected, generic.StatusApproved, false},
		{testAdjustment, generic.StatusApproved, generic.StatusCompleted, false},
		{testAdjustment, generic.StatusApproved, generic.StatusReversed, true},
		{testAdjustment, generic.StatusApproved, generic.StatusCancelled, false},
		{testDispatch, generic.StatusApproved, generic.StatusCompleted, true},
		{testDispatch, generic.StatusCompleted, generic.StatusDeleted, true},
		{testDispatch, generic.StatusCompleted, generic.StatusReversed, true},
		{testIssuance, generic.StatusApproved, generic.StatusIssued, true},
		{testIssuance, generic.StatusPending, generic.StatusIssued, false},
		{testAdjustment, generic.StatusReversed, generic.StatusDeleted, false},
	}
	for _, tt := range tests {
		got := tt.spec.CanTransition(tt.from, tt.to)
		assert.Equal(t, tt.allowed, got, "%s: %s -> %s", tt.spec.Kind, tt.from, tt.to)
	}
}

func TestKindRegistry_RejectsInvalidSpec(t *testing.T) {
	kinds := generic.NewKindRegistry()

	err := kinds.Register(generic.KindSpec{Kind: "bad", RefPrefix: "BAD", Movement: "NOPE", Mode: generic.ModeIn, CommitOn: generic.StatusApproved})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	err = kinds.Register(generic.KindSpec{Kind: "bad", RefPrefix: "BAD", Movement: generic.MovementReceipt, Mode: generic.ModeIn, CommitOn: generic.StatusCompleted})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestFormatReference(t *testing.T) {
	assert.Equal(t, "ADJ-2026-00017", generic.FormatReference("ADJ", 2026, 17))
}

// =============================================================================
// WORKFLOW SERVICE
// =============================================================================

func TestWorkflow_Create_AssignsSequentialReferences(t *testing.T) {
	ws, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	a, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: "adjustment", Lines: []generic.DocumentLine{line(mainA1, 1)}})
	require.NoError(t, err)
	b, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: "adjustment", Lines: []generic.DocumentLine{line(mainA1, -1)}})
	require.NoError(t, err)
	c, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: "stock_dispatch", Lines: []generic.DocumentLine{line(mainA1, 1)}})
	require.NoError(t, err)

	assert.Equal(t, "ADJ-2026-00001", a.Reference)
	assert.Equal(t, "ADJ-2026-00002", b.Reference)
	assert.Equal(t, "DSP-2026-00001", c.Reference)
	assert.Equal(t, generic.StatusDraft, a.Status)
}

func TestWorkflow_Create_ValidatesLines(t *testing.T) {
	ws, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	_, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: "stock_dispatch", Lines: []generic.DocumentLine{line(mainA1, -2)}})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = ws.Create(ctx, generic.CreateDocumentInput{Kind: "adjustment", Lines: []generic.DocumentLine{line(mainA1, 0)}})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = ws.Create(ctx, generic.CreateDocumentInput{Kind: "transfer", Lines: []generic.DocumentLine{line(mainA1, 2)}})
	assert.ErrorIs(t, err, generic.ErrInvalidInput, "transfer needs a destination")

	_, err = ws.Create(ctx, generic.CreateDocumentInput{Kind: "unknown", Lines: []generic.DocumentLine{line(mainA1, 1)}})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestWorkflow_DraftAndPendingNeverTouchStock(t *testing.T) {
	ws, engine, _ := newTestWorkflow(t)

	doc := createPending(t, ws, "adjustment", line(mainA1, 5))

	assert.Equal(t, generic.StatusPending, doc.Status)
	assert.True(t, onHand(t, engine, mainA1).IsZero())
}

func TestWorkflow_ApproveCommits_ReapproveIsNoOp(t *testing.T) {
	ws, engine, mem := newTestWorkflow(t)
	ctx := context.Background()
	doc := createPending(t, ws, "adjustment", line(mainA1, 5))

	approved, err := ws.Approve(ctx, doc.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusApproved, approved.Status)
	assert.Equal(t, "manager", approved.ChangedBy(generic.StatusApproved))
	assert.NotNil(t, approved.ChangedAt(generic.StatusApproved))
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(5)))

	again, err := ws.Approve(ctx, doc.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusApproved, again.Status)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(5)))

	recs, err := mem.MovementsByDocument(ctx, approved.Ref())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestWorkflow_FailedCommit_LeavesStatusUnchanged(t *testing.T) {
	ws, engine, _ := newTestWorkflow(t)
	ctx := context.Background()
	receive(t, engine, "RCV-1", mainA1, 2)
	doc := createPending(t, ws, "adjustment", line(mainA1, -3))

	_, err := ws.Approve(ctx, doc.ID, "manager")

	require.ErrorIs(t, err, generic.ErrInsufficientStock)
	stored, err := ws.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, stored.Status)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(2)))
}

func TestWorkflow_InvalidTransition_RejectedBeforeStock(t *testing.T) {
	ws, engine, _ := newTestWorkflow(t)
	ctx := context.Background()
	doc, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: "adjustment", Lines: []generic.DocumentLine{line(mainA1, 5)}})
	require.NoError(t, err)

	_, err = ws.Approve(ctx, doc.ID, "manager")

	var invalid *generic.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "draft", invalid.From)
	assert.Equal(t, "approved", invalid.To)
	assert.True(t, onHand(t, engine, mainA1).IsZero())
}

func TestWorkflow_RejectedNeverTouchesStock(t *testing.T) {
	ws, engine, _ := newTestWorkflow(t)
	ctx := context.Background()
	doc := createPending(t, ws, "adjustment", line(mainA1, 5))

	rejected, err := ws.Reject(ctx, doc.ID, "manager", "wrong bin")
	require.NoError(t, err)

	assert.Equal(t, generic.StatusRejected, rejected.Status)
	assert.Equal(t, "wrong bin", rejected.History[len(rejected.History)-1].Note)
	assert.True(t, onHand(t, engine, mainA1).IsZero())
}

func TestWorkflow_DeleteApproved_ReversesStock(t *testing.T) {
	ws, engine, _ := newTestWorkflow(t)
	ctx := context.Background()
	doc := createPending(t, ws, "adjustment", line(mainA1, 5))
	_, err := ws.Approve(ctx, doc.ID, "manager")
	require.NoError(t, err)

	deleted, err := ws.Delete(ctx, doc.ID, "manager")

	require.NoError(t, err)
	assert.Equal(t, generic.StatusDeleted, deleted.Status)
	assert.True(t, onHand(t, engine, mainA1).IsZero())
}

func TestWorkflow_DeleteDraft_NoMovements(t *testing.T) {
	ws, _, mem := newTestWorkflow(t)
	ctx := context.Background()
	doc, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: "adjustment", Lines: []generic.DocumentLine{line(mainA1, 5)}})
	require.NoError(t, err)

	_, err = ws.Delete(ctx, doc.ID, "clerk")
	require.NoError(t, err)

	all, err := mem.Movements(ctx, generic.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkflow_Issuance_CommitsOnIssued(t *testing.T) {
	ws, engine, _ := newTestWorkflow(t)
	ctx := context.Background()
	receive(t, engine, "RCV-1", mainA1, 10)
	doc := createPending(t, ws, "material_issuance", line(mainA1, 4))

	_, err := ws.Approve(ctx, doc.ID, "manager")
	require.NoError(t, err)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(10)), "approval alone does not issue")

	issued, err := ws.Complete(ctx, doc.ID, "storekeeper")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusIssued, issued.Status)
	assert.True(t, onHand(t, engine, mainA1).Equal(qty(6)))
}

func TestWorkflow_Complete_KindWithoutFulfilment(t *testing.T) {
	ws, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	doc := createPending(t, ws, "adjustment", line(mainA1, 5))
	_, err := ws.Approve(ctx, doc.ID, "manager")
	require.NoError(t, err)

	_, err = ws.Complete(ctx, doc.ID, "manager")

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestWorkflow_TransferDocument_PairedLegs(t *testing.T) {
	ws, engine, _ := newTestWorkflow(t)
	ctx := context.Background()
	src := siteA.Key("filter-10in", "")
	dst := siteB.Key("filter-10in", "")
	receive(t, engine, "RCV-1", src, 10)

	l := line(src, 3)
	l.ToWarehouse, l.ToLocation = siteB.Warehouse, siteB.Location
	doc := createPending(t, ws, "transfer", l)

	_, err := ws.Approve(ctx, doc.ID, "manager")
	require.NoError(t, err)
	assert.True(t, onHand(t, engine, src).Equal(qty(7)))
	assert.True(t, onHand(t, engine, dst).Equal(qty(3)))

	completed, err := ws.Complete(ctx, doc.ID, "driver")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusCompleted, completed.Status)
	assert.True(t, onHand(t, engine, dst).Equal(qty(3)), "completion does not commit again")

	_, err = ws.Reverse(ctx, doc.ID, "manager", "wrong destination")
	require.NoError(t, err)
	assert.True(t, onHand(t, engine, src).Equal(qty(10)))
	assert.True(t, onHand(t, engine, dst).IsZero())
}

func TestWorkflow_List_FiltersByKindAndStatus(t *testing.T) {
	ws, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	createPending(t, ws, "adjustment", line(mainA1, 1))
	_, err := ws.Create(ctx, generic.CreateDocumentInput{Kind: "adjustment", Lines: []generic.DocumentLine{line(mainA1, 1)}})
	require.NoError(t, err)

	pending, err := ws.List(ctx, generic.DocumentFilter{Kind: "adjustment", Status: generic.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := ws.List(ctx, generic.DocumentFilter{Kind: "adjustment"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// CONCURRENT TRANSITIONS
// =============================================================================

// rendezvousDocs holds the first two GetDocument calls after arm until both
// have arrived, so two transitions start from the same status.
type rendezvousDocs struct {
	generic.DocumentStore
	mu      sync.Mutex
	armed   bool
	arrived int
	release chan struct{}
}

func (r *rendezvousDocs) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed, r.arrived, r.release = true, 0, make(chan struct{})
}

func (r *rendezvousDocs) GetDocument(ctx context.Context, id generic.DocumentID) (*generic.Document, error) {
	r.mu.Lock()
	wait := r.armed && r.arrived < 2
	var release chan struct{}
	if wait {
		r.arrived++
		release = r.release
		if r.arrived == 2 {
			close(r.release)
			r.armed = false
		}
	}
	r.mu.Unlock()
	if wait {
		<-release
	}
	return r.DocumentStore.GetDocument(ctx, id)
}

func TestWorkflow_ApproveRacingReject_OnlyOneWins(t *testing.T) {
	// GIVEN: 10 on hand and a pending -4 adjustment
	engine, mem := newTestEngine(t)
	kinds := generic.NewKindRegistry()
	require.NoError(t, kinds.Register(testAdjustment))
	docs := &rendezvousDocs{DocumentStore: mem}
	ws := generic.NewWorkflowService(engine, docs, kinds)
	ctx := context.Background()
	receive(t, engine, "RCV-1", mainA1, 10)
	doc := createPending(t, ws, "adjustment", line(mainA1, -4))

	// WHEN: approve and reject both read it as pending and race
	docs.arm()
	var wg sync.WaitGroup
	var approveErr, rejectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = ws.Approve(ctx, doc.ID, "manager")
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = ws.Reject(ctx, doc.ID, "supervisor", "count was wrong")
	}()
	wg.Wait()

	// THEN: one fails with InvalidTransition and status agrees with stock
	require.True(t, (approveErr == nil) != (rejectErr == nil), "approve=%v reject=%v", approveErr, rejectErr)
	stored, err := ws.Get(ctx, doc.ID)
	require.NoError(t, err)
	if approveErr == nil {
		require.ErrorIs(t, rejectErr, generic.ErrInvalidTransition)
		assert.Equal(t, generic.StatusApproved, stored.Status)
		assert.True(t, onHand(t, engine, mainA1).Equal(qty(6)))
	} else {
		require.ErrorIs(t, approveErr, generic.ErrInvalidTransition)
		assert.Equal(t, generic.StatusRejected, stored.Status)
		assert.True(t, onHand(t, engine, mainA1).Equal(qty(10)))
		recs, err := mem.MovementsByDocument(ctx, doc.Ref())
		require.NoError(t, err)
		assert.Empty(t, recs)
	}
}
