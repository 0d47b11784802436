/*
workflow.go - Document kinds and the shared status machine

PURPOSE:
  Every stock-affecting business document (adjustment, transfer, issuance,
  usage, return, receipt, dispatch) shares one status machine. A kind only
  declares how its lines turn into deltas and in which status it commits.

STATUS MACHINE:

    draft ──▶ pending ──▶ approved ──▶ (completed | issued)
      │          │   └──▶ rejected          │
      └──────────┴──▶ cancelled             ▼
                               approved/fulfilled ──▶ reversed | deleted

  Entering KindSpec.CommitOn commits the document's lines.
  Entering reversed or deleted reverses whatever was committed (no-op if
  nothing was). Draft, pending, rejected and cancelled never touch stock.

DIRECTION MODES:
  in       every line increases stock (receipt, return)
  out      every line decreases stock (dispatch, issuance, usage)
  signed   the sign of each line quantity decides (adjustment)
  paired   each line is a transfer: out at source, in at destination

SEE ALSO:
  - document_service.go: WorkflowService drives these transitions
  - warehouse/kinds.go: Concrete kind registrations
*/
package generic

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type DocumentID string

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusIssued    Status = "issued"
	StatusCancelled Status = "cancelled"
	StatusReversed  Status = "reversed"
	StatusDeleted   Status = "deleted"
)

type DirectionMode string

const (
	ModeIn     DirectionMode = "in"
	ModeOut    DirectionMode = "out"
	ModeSigned DirectionMode = "signed"
	ModePaired DirectionMode = "paired"
)

// =============================================================================
// KIND SPEC
// =============================================================================

// KindSpec is everything the shared machine needs to know about a kind.
type KindSpec struct {
	Kind       DocumentKind
	Label      string
	RefPrefix  string
	Movement   MovementKind
	Mode       DirectionMode
	CommitOn   Status
	Fulfilled  Status // completed / issued; empty when the kind has no fulfilment step
	ZeroPolicy ZeroPolicy
}

func (s KindSpec) Validate() error {
	if s.Kind == "" || s.RefPrefix == "" {
		return fmt.Errorf("%w: kind and reference prefix are required", ErrInvalidInput)
	}
	if !s.Movement.Valid() {
		return fmt.Errorf("%w: kind %s has unknown movement %q", ErrInvalidInput, s.Kind, s.Movement)
	}
	switch s.Mode {
	case ModeIn, ModeOut, ModeSigned, ModePaired:
	default:
		return fmt.Errorf("%w: kind %s has unknown direction mode %q", ErrInvalidInput, s.Kind, s.Mode)
	}
	if s.CommitOn != StatusApproved && (s.Fulfilled == "" || s.CommitOn != s.Fulfilled) {
		return fmt.Errorf("%w: kind %s must commit on approved or on its fulfilment status", ErrInvalidInput, s.Kind)
	}
	return nil
}

func (s KindSpec) isFulfilled(st Status) bool {
	return s.Fulfilled != "" && s.Fulfilled != StatusApproved && st == s.Fulfilled
}

// CanTransition reports whether from -> to is an edge of the machine.
func (s KindSpec) CanTransition(from, to Status) bool {
	switch {
	case to == StatusPending:
		return from == StatusDraft
	case to == StatusApproved || to == StatusRejected:
		return from == StatusPending
	case to == StatusCancelled:
		return from == StatusDraft || from == StatusPending
	case s.isFulfilled(to):
		return from == StatusApproved
	case to == StatusReversed:
		return from == StatusApproved || s.isFulfilled(from)
	case to == StatusDeleted:
		return from != StatusDeleted && from != StatusReversed
	}
	return false
}

// ValidateLine checks one line against the kind's direction mode.
func (s KindSpec) ValidateLine(i int, l DocumentLine) error {
	if err := l.Key().Validate(); err != nil {
		return fmt.Errorf("line %d: %w", i+1, err)
	}
	switch s.Mode {
	case ModeSigned:
		if l.Quantity.IsZero() {
			return fmt.Errorf("line %d: %w: quantity must not be zero", i+1, ErrInvalidInput)
		}
	default:
		if !l.Quantity.IsPositive() {
			return fmt.Errorf("line %d: %w: quantity must be positive", i+1, ErrInvalidInput)
		}
	}
	if s.Mode == ModePaired {
		if l.ToWarehouse == "" {
			return fmt.Errorf("line %d: %w: destination warehouse is required", i+1, ErrInvalidInput)
		}
		if l.Destination() == l.Key().Site() {
			return fmt.Errorf("line %d: %w: source and destination are the same", i+1, ErrInvalidInput)
		}
	}
	return nil
}

// CommitRequests turns a document into engine requests. Line numbers are 1-based.
func (s KindSpec) CommitRequests(doc Document, actor string, at time.Time) []CommitRequest {
	var reqs []CommitRequest
	for i, l := range doc.Lines {
		line := i + 1
		if s.Mode == ModePaired {
			legs := TransferLegs(TransferRequest{
				Document:     doc.Ref(),
				Item:         l.Item,
				Batch:        l.Batch,
				From:         l.Key().Site(),
				To:           l.Destination(),
				Quantity:     l.Quantity,
				Line:         line,
				Note:         l.Note,
				Actor:        actor,
				MovementDate: at,
			})
			for j := range legs {
				legs[j].Kind = s.Movement
				legs[j].Policy = s.ZeroPolicy
			}
			reqs = append(reqs, legs...)
			continue
		}

		dir := DirectionIn
		qty := l.Quantity
		switch s.Mode {
		case ModeOut:
			dir = DirectionOut
		case ModeSigned:
			if qty.IsNegative() {
				dir = DirectionOut
			}
			qty = qty.Abs()
		}
		reqs = append(reqs, CommitRequest{
			Document:     doc.Ref(),
			Kind:         s.Movement,
			Direction:    dir,
			Key:          l.Key(),
			Quantity:     qty,
			Line:         line,
			Policy:       s.ZeroPolicy,
			Note:         l.Note,
			Actor:        actor,
			MovementDate: at,
		})
	}
	return reqs
}

// =============================================================================
// KIND REGISTRY
// =============================================================================

type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[DocumentKind]KindSpec
}

func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[DocumentKind]KindSpec)}
}

func (r *KindRegistry) Register(spec KindSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[spec.Kind] = spec
	return nil
}

func (r *KindRegistry) Lookup(kind DocumentKind) (KindSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[kind]
	if !ok {
		return KindSpec{}, fmt.Errorf("%w: unknown document kind %q", ErrInvalidInput, kind)
	}
	return spec, nil
}

func (r *KindRegistry) Kinds() []KindSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KindSpec, 0, len(r.kinds))
	for _, s := range r.kinds {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// =============================================================================
// DOCUMENT
// =============================================================================

type DocumentLine struct {
	Item        ItemID          `json:"item_id"`
	Warehouse   WarehouseID     `json:"warehouse_id"`
	Location    LocationID      `json:"location_id,omitempty"`
	Batch       BatchID         `json:"batch_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	ToWarehouse WarehouseID     `json:"to_warehouse_id,omitempty"`
	ToLocation  LocationID      `json:"to_location_id,omitempty"`
	Note        string          `json:"note,omitempty"`
}

func (l DocumentLine) Key() PositionKey {
	return PositionKey{Item: l.Item, Warehouse: l.Warehouse, Location: l.Location, Batch: l.Batch}
}

func (l DocumentLine) Destination() Site {
	return Site{Warehouse: l.ToWarehouse, Location: l.ToLocation}
}

// StatusChange is one entry in a document's transition history.
type StatusChange struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Document is the common shape of every workflow document. Kind-specific
// fields (adjustment reason, carrier, supplier...) travel in Metadata.
type Document struct {
	ID        DocumentID        `json:"id"`
	Kind      DocumentKind      `json:"kind"`
	Reference string            `json:"reference"`
	Status    Status            `json:"status"`
	Lines     []DocumentLine    `json:"lines"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Note      string            `json:"note,omitempty"`
	CreatedBy string            `json:"created_by"`
	History   []StatusChange    `json:"history,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (d Document) Ref() DocumentRef {
	return DocumentRef{Kind: d.Kind, Ref: d.Reference}
}

// ChangedAt returns when the document last entered status, or nil.
func (d Document) ChangedAt(status Status) *time.Time {
	for i := len(d.History) - 1; i >= 0; i-- {
		if d.History[i].To == status {
			t := d.History[i].At
			return &t
		}
	}
	return nil
}

// ChangedBy returns who moved the document into status, or "".
func (d Document) ChangedBy(status Status) string {
	for i := len(d.History) - 1; i >= 0; i-- {
		if d.History[i].To == status {
			return d.History[i].Actor
		}
	}
	return ""
}

func (d Document) withStatus(to Status, actor, note string, at time.Time) Document {
	next := d
	next.History = append(append([]StatusChange(nil), d.History...), StatusChange{
		From: d.Status, To: to, Actor: actor, Note: note, At: at,
	})
	next.Status = to
	next.UpdatedAt = at
	return next
}

// FormatReference builds a human-readable reference such as ADJ-2026-00017.
func FormatReference(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%04d-%05d", prefix, year, seq)
}
