/*
errors.go - Centralized error types for the stock engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages (warehouse, sales, consumables) wrap these errors with
  additional context.

ERROR CATEGORIES:
  1. Stock errors - InsufficientStock, PositionNotFound
  2. Workflow errors - AlreadyCommitted, InvalidTransition
  3. Concurrency errors - Contention, ConcurrentModification
  4. Lookup errors - missing documents, locations, entities

USAGE:
  res, err := engine.Commit(ctx, req)
  var short *generic.InsufficientStockError
  if errors.As(err, &short) {
      // short.Available, short.Requested
  }
  if errors.Is(err, generic.ErrContention) {
      // safe to retry later
  }

SEE ALSO:
  - engine.go: Returns these errors
  - position.go: InsufficientStock / PositionNotFound
  - locks.go: Contention
*/
package generic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientStock is returned when a decrease would take a position negative.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrPositionNotFound is returned when a decrease targets a key with no stock row.
	ErrPositionNotFound = errors.New("stock position not found")

	// ErrAlreadyCommitted is returned by stores when a movement with the same
	// idempotency key exists. The engine turns it into an AlreadyCommitted result.
	ErrAlreadyCommitted = errors.New("movement already committed")

	// ErrContention is returned when locks or retries are exhausted.
	ErrContention = errors.New("contention: retry later")

	// ErrInvalidTransition is returned when a state machine edge is not permitted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDocumentNotFound is returned when a referenced workflow document doesn't exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrLocationNotFound is returned when a warehouse or location is unknown to the catalog.
	ErrLocationNotFound = errors.New("warehouse or location not found")

	// ErrEntityNotFound is returned when any other referenced entity doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned for malformed requests (zero quantity, missing key).
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	Key       PositionKey
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock at %s: available %s, requested %s, shortfall %s",
		e.Key, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// PositionNotFoundError names the key a decrease was attempted against.
type PositionNotFoundError struct {
	Key PositionKey
}

func (e *PositionNotFoundError) Error() string {
	return fmt.Sprintf("stock position not found: %s", e.Key)
}

func (e *PositionNotFoundError) Unwrap() error {
	return ErrPositionNotFound
}

// InvalidTransitionError describes a rejected state machine edge.
type InvalidTransitionError struct {
	Subject string // e.g. "adjustment ADJ-2026-00001", "consumable u-1"
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Subject, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ContentionError reports which keys could not be secured.
type ContentionError struct {
	Keys     []PositionKey
	Attempts int
	Cause    error
}

func (e *ContentionError) Error() string {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = k.String()
	}
	msg := fmt.Sprintf("contention on [%s] after %d attempts", strings.Join(keys, ", "), e.Attempts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ContentionError) Unwrap() error {
	return ErrContention
}

// LocationNotFoundError names the site that failed catalog validation.
type LocationNotFoundError struct {
	Site Site
}

func (e *LocationNotFoundError) Error() string {
	if e.Site.Location == "" {
		return fmt.Sprintf("warehouse not found: %s", e.Site.Warehouse)
	}
	return fmt.Sprintf("location not found: %s/%s", e.Site.Warehouse, e.Site.Location)
}

func (e *LocationNotFoundError) Unwrap() error {
	return ErrLocationNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrContention)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the caller can correct.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrPositionNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrLocationNotFound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrEntityNotFound)
}
