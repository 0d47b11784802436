package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/generic"
)

// Sequencer runs sales through their lifecycle. Stock effects go through
// Engine; the sale save is an engine hook.
type Sequencer struct {
	Engine    *generic.Engine
	Sales     Store
	Sequences generic.SequenceStore
	Clock     generic.Clock
	Logger    zerolog.Logger
	NewID     func() string

	// DefaultRate applies when a sale with an incentive party carries no
	// rate of its own.
	DefaultRate decimal.Decimal
}

func NewSequencer(engine *generic.Engine, sales Store, seq generic.SequenceStore) *Sequencer {
	return &Sequencer{
		Engine:    engine,
		Sales:     sales,
		Sequences: seq,
		Clock:     engine.Clock,
		Logger:    engine.Logger,
		NewID:     uuid.NewString,
	}
}

type CreateInput struct {
	Lines            []Line
	Discount         decimal.Decimal
	IncentivePartyID string
	CommissionRate   *decimal.Decimal
	Note             string
	Actor            string
}

func (in CreateInput) Validate() error {
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: sale has no lines", generic.ErrInvalidInput)
	}
	for i, l := range in.Lines {
		if err := l.Key().Validate(); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		if !l.Quantity.IsPositive() {
			return fmt.Errorf("%w: line %d quantity must be positive", generic.ErrInvalidInput, i+1)
		}
		if l.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d unit price is negative", generic.ErrInvalidInput, i+1)
		}
	}
	if in.Discount.IsNegative() {
		return fmt.Errorf("%w: discount is negative", generic.ErrInvalidInput)
	}
	if in.CommissionRate != nil && (in.CommissionRate.IsNegative() || in.CommissionRate.GreaterThan(decimal.NewFromInt(1))) {
		return fmt.Errorf("%w: commission rate must be between 0 and 1", generic.ErrInvalidInput)
	}
	return nil
}

// Create reserves stock for every line and stores the sale as pending.
// If any line is short the sale is not created and no stock moves.
func (q *Sequencer) Create(ctx context.Context, in CreateInput) (*Sale, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := q.now()
	seq, err := q.Sequences.NextSequence(ctx, RefPrefix, now.Year())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sale reference: %w", err)
	}
	sale := Sale{
		ID:               SaleID(q.newID()),
		Reference:        generic.FormatReference(RefPrefix, now.Year(), seq),
		Status:           StatusPending,
		Lines:            in.Lines,
		Discount:         in.Discount,
		IncentivePartyID: in.IncentivePartyID,
		CommissionRate:   in.CommissionRate,
		Note:             in.Note,
		CreatedBy:        in.Actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	reqs := make([]generic.CommitRequest, len(sale.Lines))
	for i, l := range sale.Lines {
		reqs[i] = generic.CommitRequest{
			Document:     sale.Ref(),
			Kind:         generic.MovementSaleOut,
			Direction:    generic.DirectionOut,
			Key:          l.Key(),
			Quantity:     l.Quantity,
			Line:         i + 1,
			Policy:       generic.KeepZeroRow,
			Actor:        in.Actor,
			MovementDate: now,
		}
	}
	if _, err := q.Engine.CommitBatch(ctx, reqs, q.saveHook(sale)); err != nil {
		return nil, fmt.Errorf("sale %s: %w", sale.Reference, err)
	}

	q.Logger.Info().
		Str("reference", sale.Reference).
		Int("lines", len(sale.Lines)).
		Str("net", sale.Net().StringFixed(2)).
		Msg("sale created")
	return &sale, nil
}

func (q *Sequencer) Get(ctx context.Context, id SaleID) (*Sale, error) {
	return q.Sales.GetSale(ctx, id)
}

func (q *Sequencer) List(ctx context.Context, filter Filter) ([]Sale, error) {
	return q.Sales.ListSales(ctx, filter)
}

// Commission returns the sale's commission, or nil if it has none.
func (q *Sequencer) Commission(ctx context.Context, id SaleID) (*Commission, error) {
	sale, err := q.Sales.GetSale(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.Sales.CommissionBySale(ctx, sale.Reference)
}

// Fulfill marks the sale fulfilled and derives its commission.
func (q *Sequencer) Fulfill(ctx context.Context, id SaleID, actor string) (*Sale, error) {
	sale, next, err := q.prepare(ctx, id, StatusFulfilled, actor, "")
	if err != nil || next == nil {
		return sale, err
	}
	now := next.UpdatedAt
	commission := func(ctx context.Context, s Store) error {
		return q.writeCommission(ctx, s, *next, now)
	}
	err = q.Engine.Store.WithTx(ctx, func(tx generic.Store) error {
		return q.transitionHook(sale.Status, *next, commission)(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("sale %s -> %s: %w", sale.Reference, StatusFulfilled, err)
	}
	q.logTransition(*sale, *next, actor)
	return next, nil
}

// Cancel restores the sale's stock. Cancelling twice is a no-op.
func (q *Sequencer) Cancel(ctx context.Context, id SaleID, actor, reason string) (*Sale, error) {
	return q.restore(ctx, id, StatusCancelled, actor, reason)
}

// Refund restores the stock of a fulfilled sale. The commission stays.
func (q *Sequencer) Refund(ctx context.Context, id SaleID, actor, reason string) (*Sale, error) {
	return q.restore(ctx, id, StatusRefunded, actor, reason)
}

func (q *Sequencer) restore(ctx context.Context, id SaleID, to Status, actor, note string) (*Sale, error) {
	sale, next, err := q.prepare(ctx, id, to, actor, note)
	if err != nil || next == nil {
		return sale, err
	}
	res, err := q.Engine.Reverse(ctx, generic.ReverseRequest{
		Document:     next.Ref(),
		Kind:         generic.MovementSaleOut,
		Policy:       generic.KeepZeroRow,
		Note:         note,
		Actor:        actor,
		MovementDate: next.UpdatedAt,
	}, q.transitionHook(sale.Status, *next, nil))
	if err != nil {
		return nil, fmt.Errorf("sale %s -> %s: %w", sale.Reference, to, err)
	}
	q.Logger.Debug().Str("reference", sale.Reference).Int("restored", len(res.Records)).Msg("sale stock restored")
	q.logTransition(*sale, *next, actor)
	return next, nil
}

// prepare loads the sale and checks the edge. A nil next with a nil error
// means the sale already is in the target status.
func (q *Sequencer) prepare(ctx context.Context, id SaleID, to Status, actor, note string) (*Sale, *Sale, error) {
	sale, err := q.Sales.GetSale(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sale.Status == to {
		return sale, nil, nil
	}
	if !CanTransition(sale.Status, to) {
		return nil, nil, &generic.InvalidTransitionError{
			Subject: "sale " + sale.Reference,
			From:    string(sale.Status),
			To:      string(to),
		}
	}
	next := sale.withStatus(to, actor, note, q.now())
	return sale, &next, nil
}

// writeCommission is idempotent on the sale reference.
func (q *Sequencer) writeCommission(ctx context.Context, s Store, sale Sale, now time.Time) error {
	if sale.IncentivePartyID == "" {
		return nil
	}
	existing, err := s.CommissionBySale(ctx, sale.Reference)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	rate := q.DefaultRate
	if sale.CommissionRate != nil {
		rate = *sale.CommissionRate
	}
	base := sale.Net()
	c := Commission{
		ID:        q.newID(),
		SaleID:    sale.ID,
		SaleRef:   sale.Reference,
		PartyID:   sale.IncentivePartyID,
		Rate:      rate,
		Base:      base,
		Amount:    base.Mul(rate).Round(2),
		CreatedAt: now,
	}
	if err := s.SaveCommission(ctx, c); err != nil && !errors.Is(err, generic.ErrAlreadyCommitted) {
		return err
	}
	q.Logger.Info().
		Str("reference", sale.Reference).
		Str("party", c.PartyID).
		Str("amount", c.Amount.StringFixed(2)).
		Msg("commission recorded")
	return nil
}

func (q *Sequencer) saveHook(s Sale) generic.TxHook {
	return func(ctx context.Context, tx generic.Store) error {
		return q.store(tx).SaveSale(ctx, s)
	}
}

// transitionHook saves next only if the sale still is in status from when
// read inside the transaction. If a concurrent call already moved it to
// next's status nothing is written; any other status fails the transaction.
// effect runs before the save, within the same transaction.
func (q *Sequencer) transitionHook(from Status, next Sale, effect func(context.Context, Store) error) generic.TxHook {
	return func(ctx context.Context, tx generic.Store) error {
		s := q.store(tx)
		cur, err := s.GetSale(ctx, next.ID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case from:
		case next.Status:
			return nil
		default:
			return &generic.InvalidTransitionError{
				Subject: "sale " + next.Reference,
				From:    string(cur.Status),
				To:      string(next.Status),
			}
		}
		if effect != nil {
			if err := effect(ctx, s); err != nil {
				return err
			}
		}
		return s.SaveSale(ctx, next)
	}
}

// store prefers the transaction-bound sales store.
func (q *Sequencer) store(tx generic.Store) Store {
	if ss, ok := tx.(Store); ok {
		return ss
	}
	return q.Sales
}

func (q *Sequencer) logTransition(from, to Sale, actor string) {
	q.Logger.Info().
		Str("reference", to.Reference).
		Str("from", string(from.Status)).
		Str("to", string(to.Status)).
		Str("actor", actor).
		Msg("sale transitioned")
}

func (q *Sequencer) now() time.Time {
	if q.Clock == nil {
		return time.Now().UTC()
	}
	return q.Clock.Now()
}

func (q *Sequencer) newID() string {
	if q.NewID == nil {
		return uuid.NewString()
	}
	return q.NewID()
}
