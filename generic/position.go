package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POSITION BOOK - Validate-and-apply on one key
// =============================================================================

// QuantityAt returns the on-hand quantity at key, zero if no row exists.
func QuantityAt(ctx context.Context, s Store, key PositionKey) (decimal.Decimal, error) {
	pos, err := s.GetPosition(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil {
		return decimal.Zero, nil
	}
	return pos.Quantity, nil
}

// ApplyDelta applies a signed delta to the position at key using s.
//
// It must run inside a store transaction with the key locked; the engine is
// the only caller. Rules:
//   - a decrease against a missing row fails with PositionNotFound
//   - a result below zero fails with InsufficientStock
//   - the first increase creates the row
//   - a decrease to exactly zero deletes the row under DeleteAtZero
//
// The write is a compare-and-swap on Version, so a concurrent writer that
// slipped past the locks surfaces as ErrConcurrentModification.
func ApplyDelta(ctx context.Context, s Store, key PositionKey, delta decimal.Decimal, policy ZeroPolicy, at time.Time) (StockPosition, error) {
	pos, err := s.GetPosition(ctx, key)
	if err != nil {
		return StockPosition{}, fmt.Errorf("read position %s: %w", key, err)
	}

	if pos == nil {
		if delta.IsNegative() {
			return StockPosition{}, &PositionNotFoundError{Key: key}
		}
		if delta.IsZero() {
			return StockPosition{Key: key, Quantity: decimal.Zero}, nil
		}
		created := StockPosition{Key: key, Quantity: delta, Version: 1, LastUpdated: at}
		if err := s.PutPosition(ctx, created, 0); err != nil {
			return StockPosition{}, err
		}
		return created, nil
	}

	next := pos.Quantity.Add(delta)
	if next.IsNegative() {
		return StockPosition{}, &InsufficientStockError{
			Key:       key,
			Available: pos.Quantity,
			Requested: delta.Neg(),
		}
	}

	updated := StockPosition{Key: key, Quantity: next, Version: pos.Version + 1, LastUpdated: at}
	if next.IsZero() && delta.IsNegative() && policy != KeepZeroRow {
		if err := s.DeletePosition(ctx, key, pos.Version); err != nil {
			return StockPosition{}, err
		}
		return updated, nil
	}
	if err := s.PutPosition(ctx, updated, pos.Version); err != nil {
		return StockPosition{}, err
	}
	return updated, nil
}

// checkDeltas dry-runs a sequence of signed deltas against current quantities
// without writing. All decreases are validated before any delta is applied.
func checkDeltas(ctx context.Context, s Store, keys []PositionKey, deltas []decimal.Decimal) error {
	type state struct {
		qty    decimal.Decimal
		exists bool
	}
	seen := make(map[PositionKey]*state)
	for i, key := range keys {
		st, ok := seen[key]
		if !ok {
			pos, err := s.GetPosition(ctx, key)
			if err != nil {
				return fmt.Errorf("read position %s: %w", key, err)
			}
			st = &state{}
			if pos != nil {
				st.qty, st.exists = pos.Quantity, true
			}
			seen[key] = st
		}
		d := deltas[i]
		if d.IsNegative() && !st.exists {
			return &PositionNotFoundError{Key: key}
		}
		if st.qty.Add(d).IsNegative() {
			return &InsufficientStockError{Key: key, Available: st.qty, Requested: d.Neg()}
		}
		st.qty = st.qty.Add(d)
		if d.IsPositive() {
			st.exists = true
		}
	}
	return nil
}
