/*
ledger.go - Append-only movement log

PURPOSE:
  The Ledger is the audit trail for every stock change. Every receipt,
  dispatch, transfer leg, adjustment, sale line and reversal is recorded here
  with the document that caused it.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, movement records cannot be modified
  3. AUDITABLE: Every position change is traceable to a document and actor
  4. IDEMPOTENT: Same idempotency key = same movement (no duplicates)

CORRECTIONS:
  If a committed document must be undone, the record is not edited. Instead:
  1. A reversal record is appended (inverted direction, Reversal=true)
  2. Both original and reversal remain in the ledger
  3. The reversal's idempotency key is derived from the original's, so a
     document can be reversed at most once

EXAMPLE FLOW:
  1. Receipt RCV-2026-00001: +10 filter-10in @ main/A1
  2. Adjustment ADJ-2026-00004: -2 (damaged)
  3. Adjustment deleted: reversal +2

  Ledger: [+10, -2, +2] = 10 on hand

SEE ALSO:
  - store.go: Low-level persistence interface
  - engine.go: The only caller that appends
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

// MovementKey is the idempotency key for one committed delta:
// document kind, reference, movement kind, line, item and transfer leg.
func MovementKey(doc DocumentRef, kind MovementKind, line int, item ItemID, leg string) string {
	k := fmt.Sprintf("%s|%s|%s|%d|%s", doc.Kind, doc.Ref, kind, line, item)
	if leg != "" {
		k += "|" + leg
	}
	return k
}

// ReversalKey is the idempotency key of the reversal of a movement.
func ReversalKey(original string) string {
	return "rev:" + original
}

// =============================================================================
// LEDGER - Append-only movement log
// =============================================================================

// Ledger is a thin read/write view over a Store's movement methods.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Append adds a movement. If the idempotency key already exists the existing
// record is returned together with ErrAlreadyCommitted.
func (l *Ledger) Append(ctx context.Context, rec MovementRecord) (*MovementRecord, error) {
	if rec.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: movement without idempotency key", ErrInvalidInput)
	}
	existing, err := l.Store.MovementByKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrAlreadyCommitted
	}
	if err := l.Store.AppendMovement(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyCommitted) {
			existing, lookupErr := l.Store.MovementByKey(ctx, rec.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return existing, ErrAlreadyCommitted
		}
		return nil, err
	}
	return &rec, nil
}

// Lookup returns the movement recorded under key, or nil.
func (l *Ledger) Lookup(ctx context.Context, key string) (*MovementRecord, error) {
	return l.Store.MovementByKey(ctx, key)
}

// ForDocument returns all records for a document, originals and reversals.
func (l *Ledger) ForDocument(ctx context.Context, ref DocumentRef) ([]MovementRecord, error) {
	return l.Store.MovementsByDocument(ctx, ref)
}

// Originals returns the non-reversal records of a document, optionally
// restricted to one movement kind.
func (l *Ledger) Originals(ctx context.Context, ref DocumentRef, kind MovementKind) ([]MovementRecord, error) {
	all, err := l.Store.MovementsByDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	var out []MovementRecord
	for _, m := range all {
		if m.Reversal {
			continue
		}
		if kind != "" && m.Kind != kind {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// History returns ledger entries matching the filter.
func (l *Ledger) History(ctx context.Context, filter MovementFilter) ([]MovementRecord, error) {
	return l.Store.Movements(ctx, filter)
}
