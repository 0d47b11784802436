/*
Package consumables tracks wear of replaceable units (filter cartridges).

PURPOSE:
  A host machine carries one consumable unit per slot. Each unit accumulates
  processed volume and ages from its install date. When either reaches the
  consumable type's threshold the unit needs a change; replacing it writes a
  ReplacementEvent and installs a fresh successor in the same slot.

STATE MACHINE (per unit):

    Active ──(usage or age threshold reached)──▶ NeedsChange
      │                                              │
      └──────────────(Replace)───────────────────────┴──▶ Changed (terminal)

USAGE PERCENTAGE:
  usage = max(accumulated_volume / max_volume, elapsed_days / max_age_days)
  A missing threshold never triggers. usage >= 1 means NeedsChange.

CHAIN:
  Units form a history per (host, slot): each successor carries
  PredecessorID, each ReplacementEvent names the replaced unit and its
  successor. At most one Active unit exists per (host, slot).

SEE ALSO:
  - tracker.go: Tracker operations
  - store.go: Persistence interface
*/
package consumables

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/generic"
)

type TypeID string
type ModelID string
type HostID string
type UnitID string

type Status string

const (
	StatusActive      Status = "active"
	StatusNeedsChange Status = "needs_change"
	StatusChanged     Status = "changed"
)

// ConsumableType defines the thresholds and slot of a consumable.
// Nil thresholds never trigger.
type ConsumableType struct {
	ID         TypeID           `json:"id"`
	Name       string           `json:"name"`
	Slot       int              `json:"slot"`
	MaxVolume  *decimal.Decimal `json:"max_volume,omitempty"`
	MaxAgeDays *int             `json:"max_age_days,omitempty"`
}

// HostModel lists the consumable types installed on every host of the model.
type HostModel struct {
	ID    ModelID  `json:"id"`
	Name  string   `json:"name"`
	Types []TypeID `json:"types"`
}

type Host struct {
	ID        HostID    `json:"id"`
	ModelID   ModelID   `json:"model_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Unit struct {
	ID                UnitID          `json:"id"`
	HostID            HostID          `json:"host_id"`
	TypeID            TypeID          `json:"type_id"`
	Slot              int             `json:"slot"`
	InstallDate       time.Time       `json:"install_date"`
	AccumulatedVolume decimal.Decimal `json:"accumulated_volume"`
	Status            Status          `json:"status"`
	PredecessorID     UnitID          `json:"predecessor_id,omitempty"`
	ChangedAt         *time.Time      `json:"changed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ReplacementEvent is written exactly once per replacement.
type ReplacementEvent struct {
	ID          string          `json:"id"`
	UnitID      UnitID          `json:"unit_id"`
	SuccessorID UnitID          `json:"successor_id"`
	HostID      HostID          `json:"host_id"`
	TypeID      TypeID          `json:"type_id"`
	Slot        int             `json:"slot"`
	ReplacedBy  string          `json:"replaced_by"`
	// FromStatus is active for an early swap, needs_change otherwise.
	FromStatus  Status          `json:"from_status"`
	Volume      decimal.Decimal `json:"volume"`
	AgeDays     int             `json:"age_days"`
	Note        string          `json:"note,omitempty"`
	ReplacedAt  time.Time       `json:"replaced_at"`
}

// UsageReport is the raw usage event as reported by the host.
type UsageReport struct {
	ID         string          `json:"id"`
	HostID     HostID          `json:"host_id"`
	Volume     decimal.Decimal `json:"volume"`
	ReportedAt time.Time       `json:"reported_at"`
}

// StateChange describes what a usage report or sweep did to one unit.
type StateChange struct {
	UnitID UnitID          `json:"unit_id"`
	TypeID TypeID          `json:"type_id"`
	Slot   int             `json:"slot"`
	From   Status          `json:"from"`
	To     Status          `json:"to"`
	Volume decimal.Decimal `json:"volume"`
	Usage  decimal.Decimal `json:"usage"` // fraction; 1 = threshold reached
}

func (c StateChange) Changed() bool { return c.From != c.To }

// =============================================================================
// THRESHOLDS
// =============================================================================

// UsageFraction returns max(volume/max_volume, days/max_age). Missing or
// non-positive thresholds contribute zero.
func UsageFraction(u Unit, t ConsumableType, now time.Time) decimal.Decimal {
	usage := decimal.Zero
	if t.MaxVolume != nil && t.MaxVolume.IsPositive() {
		usage = decimal.Max(usage, u.AccumulatedVolume.Div(*t.MaxVolume))
	}
	if t.MaxAgeDays != nil && *t.MaxAgeDays > 0 {
		days := decimal.NewFromInt(int64(generic.DaysBetween(u.InstallDate, now)))
		usage = decimal.Max(usage, days.Div(decimal.NewFromInt(int64(*t.MaxAgeDays))))
	}
	return usage
}

// ThresholdReached reports whether either threshold is met or exceeded.
func ThresholdReached(u Unit, t ConsumableType, now time.Time) bool {
	return UsageFraction(u, t, now).GreaterThanOrEqual(decimal.NewFromInt(1))
}
