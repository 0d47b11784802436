/*
engine.go - Workflow commit engine

PURPOSE:
  The Engine is the only component allowed to change StockPositions.
  Every document kind commits and reverses through it:

    Commit:   apply a document's deltas exactly once and record them
    Reverse:  undo a document's committed deltas exactly once
    Transfer: paired decrease at the source and increase at the destination

COMMIT FLOW (one atomic unit):
  ┌──────────────────────────────────────────────────────────────────┐
  │ lock keys (sorted) ─▶ BEGIN ─▶ idempotency check ─▶ dry-run all   │
  │ deltas ─▶ apply deltas ─▶ append movements ─▶ caller hooks ─▶     │
  │ COMMIT ─▶ unlock ─▶ notify observers                             │
  └──────────────────────────────────────────────────────────────────┘
  Any error rolls the whole unit back. A document whose commit failed
  keeps its previous status because the status save is one of the hooks.

IDEMPOTENCY:
  Each delta has an idempotency key (see MovementKey). If the key is already
  in the ledger the existing record is returned and AlreadyCommitted is set.
  Reversal keys derive from the original key, so reversing twice is a no-op
  and reversing a document that never committed is a no-op.

CONCURRENCY:
  In-process: KeyLocker, bounded wait, backoff, then ErrContention.
  Across processes: stores compare-and-swap position versions (and PostgreSQL
  takes row locks). A version conflict is retried with the same backoff; when
  retries run out the caller gets a *ContentionError.

EXAMPLE:
  engine := generic.NewEngine(store)
  res, err := engine.Transfer(ctx, generic.TransferRequest{
      Document: generic.DocumentRef{Kind: "transfer", Ref: "TRF-2026-00003"},
      Item:     "filter-10in",
      From:     generic.Site{Warehouse: "main", Location: "A1"},
      To:       generic.Site{Warehouse: "north"},
      Quantity: decimal.NewFromInt(4),
      Actor:    "u-42",
  })

SEE ALSO:
  - position.go: ApplyDelta rules
  - locks.go: KeyLocker
  - workflow.go: Drives Commit/Reverse from document status changes
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TxHook runs inside the engine's store transaction after the movements are
// written. Returning an error rolls everything back.
type TxHook func(ctx context.Context, tx Store) error

// PositionObserver is told about positions after their transaction commits.
// Low-stock notification hangs off this.
type PositionObserver interface {
	PositionChanged(ctx context.Context, pos StockPosition)
}

type Engine struct {
	Store     TxStore
	Catalog   Catalog // optional; validates warehouses, locations and items
	Locker    *KeyLocker
	Clock     Clock
	Logger    zerolog.Logger
	Observers []PositionObserver
	NewID     func() string
}

func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store:  store,
		Locker: NewKeyLocker(DefaultLockConfig()),
		Clock:  SystemClock{},
		Logger: zerolog.Nop(),
		NewID:  uuid.NewString,
	}
}

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

type CommitRequest struct {
	Document     DocumentRef
	Kind         MovementKind
	Direction    Direction
	Key          PositionKey
	Quantity     decimal.Decimal // positive magnitude
	Line         int
	Leg          string // transfer leg, empty otherwise
	Counterpart  *Site  // other side of a transfer leg
	Policy       ZeroPolicy
	Note         string
	Actor        string
	MovementDate time.Time
}

func (r CommitRequest) IdempotencyKey() string {
	return MovementKey(r.Document, r.Kind, r.Line, r.Key.Item, r.Leg)
}

func (r CommitRequest) Validate() error {
	if r.Document.Kind == "" || r.Document.Ref == "" {
		return fmt.Errorf("%w: document kind and reference are required", ErrInvalidInput)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown movement kind %q", ErrInvalidInput, r.Kind)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, r.Direction)
	}
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidInput, r.Quantity)
	}
	return nil
}

func (r CommitRequest) delta() decimal.Decimal { return r.Direction.Signed(r.Quantity) }

type CommitResult struct {
	Records          []MovementRecord
	Positions        []StockPosition // positions written by this call
	AlreadyCommitted bool
}

// Record returns the first movement, or nil for an empty result.
func (r CommitResult) Record() *MovementRecord {
	if len(r.Records) == 0 {
		return nil
	}
	return &r.Records[0]
}

type ReverseRequest struct {
	Document     DocumentRef
	Kind         MovementKind // empty = every movement kind of the document
	Policy       ZeroPolicy
	Note         string
	Actor        string
	MovementDate time.Time
}

type ReverseResult struct {
	Records   []MovementRecord
	Positions []StockPosition
	NoOp      bool
}

type TransferRequest struct {
	Document     DocumentRef
	Item         ItemID
	Batch        BatchID
	From         Site
	To           Site
	Quantity     decimal.Decimal
	Line         int
	Note         string
	Actor        string
	MovementDate time.Time
}

type TransferResult struct {
	Out              MovementRecord
	In               MovementRecord
	AlreadyCommitted bool
}

// TransferLegs expands a transfer into its out and in commit requests.
func TransferLegs(req TransferRequest) []CommitRequest {
	from, to := req.From, req.To
	base := CommitRequest{
		Document:     req.Document,
		Kind:         MovementTransfer,
		Quantity:     req.Quantity,
		Line:         req.Line,
		Policy:       DeleteAtZero,
		Note:         req.Note,
		Actor:        req.Actor,
		MovementDate: req.MovementDate,
	}
	out := base
	out.Direction, out.Key, out.Leg, out.Counterpart = DirectionOut, from.Key(req.Item, req.Batch), LegOut, &to
	in := base
	in.Direction, in.Key, in.Leg, in.Counterpart = DirectionIn, to.Key(req.Item, req.Batch), LegIn, &from
	return []CommitRequest{out, in}
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (e *Engine) Commit(ctx context.Context, req CommitRequest, hooks ...TxHook) (CommitResult, error) {
	return e.CommitBatch(ctx, []CommitRequest{req}, hooks...)
}

// CommitBatch applies several deltas all-or-nothing. Every decrease is
// validated against current stock before the first delta is written.
func (e *Engine) CommitBatch(ctx context.Context, reqs []CommitRequest, hooks ...TxHook) (CommitResult, error) {
	if len(reqs) == 0 {
		return CommitResult{}, fmt.Errorf("%w: nothing to commit", ErrInvalidInput)
	}
	keys := make([]PositionKey, 0, len(reqs))
	for i, r := range reqs {
		if err := r.Validate(); err != nil {
			return CommitResult{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		keys = append(keys, r.Key)
	}
	if err := e.checkCatalog(ctx, reqs); err != nil {
		return CommitResult{}, err
	}

	var result CommitResult
	err := e.run(ctx, keys, func(tx Store) error {
		result = CommitResult{Records: make([]MovementRecord, len(reqs))}
		ledger := NewLedger(tx)
		now := e.now()

		var pending []int
		for i, r := range reqs {
			existing, err := ledger.Lookup(ctx, r.IdempotencyKey())
			if err != nil {
				return err
			}
			if existing != nil {
				result.Records[i] = *existing
				continue
			}
			pending = append(pending, i)
		}

		if len(pending) == 0 {
			result.AlreadyCommitted = true
			return runHooks(ctx, tx, hooks)
		}

		dryKeys := make([]PositionKey, len(pending))
		deltas := make([]decimal.Decimal, len(pending))
		for j, i := range pending {
			dryKeys[j], deltas[j] = reqs[i].Key, reqs[i].delta()
		}
		if err := checkDeltas(ctx, tx, dryKeys, deltas); err != nil {
			return err
		}

		for _, i := range pending {
			r := reqs[i]
			pos, err := ApplyDelta(ctx, tx, r.Key, r.delta(), r.policyOr(DeleteAtZero), now)
			if err != nil {
				return err
			}
			rec := e.newRecord(r, pos, now)
			if _, err := ledger.Append(ctx, rec); err != nil {
				return fmt.Errorf("append movement %s: %w", rec.IdempotencyKey, err)
			}
			result.Records[i] = rec
			result.Positions = append(result.Positions, pos)
		}
		return runHooks(ctx, tx, hooks)
	})
	if err != nil {
		e.Logger.Warn().Err(err).Str("document", reqs[0].Document.String()).Msg("commit failed")
		return CommitResult{}, err
	}

	e.Logger.Debug().
		Str("document", reqs[0].Document.String()).
		Int("movements", len(result.Positions)).
		Bool("already_committed", result.AlreadyCommitted).
		Msg("commit applied")
	e.notify(ctx, result.Positions)
	return result, nil
}

// Reverse undoes every committed movement of a document (optionally only one
// movement kind). Movements are reversed newest first. A document with no
// committed movements, or one already reversed, is a no-op.
func (e *Engine) Reverse(ctx context.Context, req ReverseRequest, hooks ...TxHook) (ReverseResult, error) {
	if req.Document.Kind == "" || req.Document.Ref == "" {
		return ReverseResult{}, fmt.Errorf("%w: document kind and reference are required", ErrInvalidInput)
	}

	// The keys to lock come from a ledger read outside the transaction. If a
	// commit lands in between and touches another key, the attempt is
	// abandoned and the keys are read again.
	var (
		result   ReverseResult
		keys     []PositionKey
		err      error
		attempts = e.locker().Config().Attempts
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		keys, err = e.reversalKeys(ctx, req)
		if err != nil {
			return ReverseResult{}, err
		}
		result, err = e.reverseLocked(ctx, req, keys, hooks)
		if !errors.Is(err, errLockSetChanged) {
			break
		}
		e.Logger.Debug().Str("document", req.Document.String()).Int("attempt", attempt).Msg("reversal keys changed, retrying")
	}
	if errors.Is(err, errLockSetChanged) {
		err = &ContentionError{Keys: keys, Attempts: attempts, Cause: err}
	}
	if err != nil {
		e.Logger.Warn().Err(err).Str("document", req.Document.String()).Msg("reverse failed")
		return ReverseResult{}, err
	}

	e.Logger.Debug().
		Str("document", req.Document.String()).
		Int("movements", len(result.Records)).
		Bool("noop", result.NoOp).
		Msg("reverse applied")
	e.notify(ctx, result.Positions)
	return result, nil
}

var errLockSetChanged = errors.New("reversal touches keys outside its lock set")

func (e *Engine) reversalKeys(ctx context.Context, req ReverseRequest) ([]PositionKey, error) {
	originals, err := NewLedger(e.Store).Originals(ctx, req.Document, req.Kind)
	if err != nil {
		return nil, err
	}
	keys := make([]PositionKey, 0, len(originals))
	for _, o := range originals {
		keys = append(keys, o.Key)
	}
	return keys, nil
}

func (e *Engine) reverseLocked(ctx context.Context, req ReverseRequest, keys []PositionKey, hooks []TxHook) (ReverseResult, error) {
	locked := make(map[PositionKey]bool, len(keys))
	for _, k := range keys {
		locked[k] = true
	}

	var result ReverseResult
	err := e.run(ctx, keys, func(tx Store) error {
		result = ReverseResult{}
		ledger := NewLedger(tx)
		now := e.now()

		originals, err := ledger.Originals(ctx, req.Document, req.Kind)
		if err != nil {
			return err
		}
		for _, o := range originals {
			if !locked[o.Key] {
				return errLockSetChanged
			}
		}
		var todo []MovementRecord
		for i := len(originals) - 1; i >= 0; i-- {
			done, err := ledger.Lookup(ctx, ReversalKey(originals[i].IdempotencyKey))
			if err != nil {
				return err
			}
			if done == nil {
				todo = append(todo, originals[i])
			}
		}
		if len(todo) == 0 {
			result.NoOp = true
			return runHooks(ctx, tx, hooks)
		}

		dryKeys := make([]PositionKey, len(todo))
		deltas := make([]decimal.Decimal, len(todo))
		for i, o := range todo {
			dryKeys[i], deltas[i] = o.Key, o.Delta().Neg()
		}
		if err := checkDeltas(ctx, tx, dryKeys, deltas); err != nil {
			return err
		}

		policy := req.Policy
		if policy == "" {
			policy = DeleteAtZero
		}
		for _, o := range todo {
			pos, err := ApplyDelta(ctx, tx, o.Key, o.Delta().Neg(), policy, now)
			if err != nil {
				return err
			}
			rec := e.reversalRecord(o, req, pos, now)
			if _, err := ledger.Append(ctx, rec); err != nil {
				return fmt.Errorf("append reversal %s: %w", rec.IdempotencyKey, err)
			}
			result.Records = append(result.Records, rec)
			result.Positions = append(result.Positions, pos)
		}
		return runHooks(ctx, tx, hooks)
	})
	return result, err
}

// Transfer moves stock between two sites. The destination is checked against
// the catalog and the source quantity is checked before either leg is written.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest, hooks ...TxHook) (TransferResult, error) {
	if req.From == req.To {
		return TransferResult{}, fmt.Errorf("%w: source and destination are the same", ErrInvalidInput)
	}
	res, err := e.CommitBatch(ctx, TransferLegs(req), hooks...)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Out: res.Records[0], In: res.Records[1], AlreadyCommitted: res.AlreadyCommitted}, nil
}

// ApplyDelta changes one position under its key lock in a transaction of
// its own. No movement is recorded: document-driven changes go through
// Commit so they land in the ledger.
func (e *Engine) ApplyDelta(ctx context.Context, key PositionKey, delta decimal.Decimal, policy ZeroPolicy) (StockPosition, error) {
	if err := key.Validate(); err != nil {
		return StockPosition{}, err
	}
	if policy == "" {
		policy = DeleteAtZero
	}
	var pos StockPosition
	err := e.run(ctx, []PositionKey{key}, func(tx Store) error {
		var err error
		pos, err = ApplyDelta(ctx, tx, key, delta, policy, e.now())
		return err
	})
	if err != nil {
		return StockPosition{}, err
	}
	e.notify(ctx, []StockPosition{pos})
	return pos, nil
}

// =============================================================================
// READS
// =============================================================================

// GetPosition returns the on-hand quantity at key (zero if absent).
func (e *Engine) GetPosition(ctx context.Context, key PositionKey) (decimal.Decimal, error) {
	return QuantityAt(ctx, e.Store, key)
}

func (e *Engine) Position(ctx context.Context, key PositionKey) (*StockPosition, error) {
	return e.Store.GetPosition(ctx, key)
}

func (e *Engine) ListPositions(ctx context.Context, filter PositionFilter) ([]StockPosition, error) {
	return e.Store.ListPositions(ctx, filter)
}

func (e *Engine) History(ctx context.Context, filter MovementFilter) ([]MovementRecord, error) {
	return NewLedger(e.Store).History(ctx, filter)
}

// IsCommitted reports whether a document has any non-reversed movement.
func (e *Engine) IsCommitted(ctx context.Context, ref DocumentRef) (bool, error) {
	all, err := NewLedger(e.Store).ForDocument(ctx, ref)
	if err != nil {
		return false, err
	}
	reversed := make(map[MovementID]bool)
	for _, m := range all {
		if m.Reversal {
			reversed[m.ReversesID] = true
		}
	}
	for _, m := range all {
		if !m.Reversal && !reversed[m.ID] {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// run locks keys, then executes fn in a store transaction, retrying on
// version conflicts. Rows are read in lock order first so backends with row
// locks take them in the same global order.
func (e *Engine) run(ctx context.Context, keys []PositionKey, fn func(Store) error) error {
	keys = SortKeys(keys)
	locker := e.locker()
	if len(keys) > 0 {
		release, err := locker.Acquire(ctx, keys...)
		if err != nil {
			e.Logger.Warn().Err(err).Int("keys", len(keys)).Msg("lock acquisition failed")
			return err
		}
		defer release()
	}

	cfg := locker.Config()
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, cfg.BackoffFor(attempt)); err != nil {
				return err
			}
		}
		err := e.Store.WithTx(ctx, func(tx Store) error {
			for _, k := range keys {
				if _, err := tx.GetPosition(ctx, k); err != nil {
					return err
				}
			}
			return fn(tx)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		lastErr = err
		e.Logger.Warn().Err(err).Int("attempt", attempt).Msg("version conflict, retrying")
	}
	return &ContentionError{Keys: keys, Attempts: cfg.Attempts, Cause: lastErr}
}

func (e *Engine) checkCatalog(ctx context.Context, reqs []CommitRequest) error {
	if e.Catalog == nil {
		return nil
	}
	sites := make(map[Site]bool)
	items := make(map[ItemID]bool)
	for _, r := range reqs {
		sites[r.Key.Site()] = true
		if r.Counterpart != nil {
			sites[*r.Counterpart] = true
		}
		items[r.Key.Item] = true
	}
	for site := range sites {
		if err := CheckSite(ctx, e.Catalog, site); err != nil {
			return err
		}
	}
	for id := range items {
		item, err := e.Catalog.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("%w: item %s", ErrEntityNotFound, id)
		}
	}
	return nil
}

// CheckSite verifies that a warehouse (and location, if set) exist.
func CheckSite(ctx context.Context, c Catalog, site Site) error {
	wh, err := c.GetWarehouse(ctx, site.Warehouse)
	if err != nil {
		return err
	}
	if wh == nil {
		return &LocationNotFoundError{Site: Site{Warehouse: site.Warehouse}}
	}
	if site.Location == "" {
		return nil
	}
	loc, err := c.GetLocation(ctx, site.Warehouse, site.Location)
	if err != nil {
		return err
	}
	if loc == nil {
		return &LocationNotFoundError{Site: site}
	}
	return nil
}

func (e *Engine) newRecord(r CommitRequest, pos StockPosition, now time.Time) MovementRecord {
	rec := MovementRecord{
		ID:             MovementID(e.newID()),
		IdempotencyKey: r.IdempotencyKey(),
		Key:            r.Key,
		Quantity:       r.Quantity,
		Direction:      r.Direction,
		Kind:           r.Kind,
		Document:       r.Document,
		Line:           r.Line,
		Leg:            r.Leg,
		Note:           r.Note,
		Actor:          r.Actor,
		MovementDate:   r.MovementDate,
		QuantityAfter:  pos.Quantity,
		CreatedAt:      now,
	}
	if rec.MovementDate.IsZero() {
		rec.MovementDate = now
	}
	site := r.Key.Site()
	if r.Direction == DirectionOut {
		rec.From, rec.To = &site, r.Counterpart
	} else {
		rec.From, rec.To = r.Counterpart, &site
	}
	return rec
}

func (e *Engine) reversalRecord(o MovementRecord, req ReverseRequest, pos StockPosition, now time.Time) MovementRecord {
	rec := MovementRecord{
		ID:             MovementID(e.newID()),
		IdempotencyKey: ReversalKey(o.IdempotencyKey),
		Key:            o.Key,
		From:           o.To,
		To:             o.From,
		Quantity:       o.Quantity,
		Direction:      o.Direction.Invert(),
		Kind:           o.Kind.ReversalKind(),
		Document:       o.Document,
		Line:           o.Line,
		Leg:            o.Leg,
		Note:           req.Note,
		Actor:          req.Actor,
		MovementDate:   req.MovementDate,
		QuantityAfter:  pos.Quantity,
		Reversal:       true,
		ReversesID:     o.ID,
		CreatedAt:      now,
	}
	if rec.MovementDate.IsZero() {
		rec.MovementDate = now
	}
	return rec
}

func (r CommitRequest) policyOr(def ZeroPolicy) ZeroPolicy {
	if r.Policy == "" {
		return def
	}
	return r.Policy
}

func (e *Engine) notify(ctx context.Context, positions []StockPosition) {
	for _, pos := range positions {
		for _, o := range e.Observers {
			o.PositionChanged(ctx, pos)
		}
	}
}

func (e *Engine) locker() *KeyLocker {
	if e.Locker == nil {
		e.Locker = NewKeyLocker(DefaultLockConfig())
	}
	return e.Locker
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now()
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}

func runHooks(ctx context.Context, tx Store, hooks []TxHook) error {
	for _, h := range hooks {
		if err := h(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}
