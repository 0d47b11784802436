package consumables

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/generic"
)

// Tracker drives consumable units through Active -> NeedsChange -> Changed.
// Every operation runs in one store transaction.
type Tracker struct {
	Store  TxStore
	Clock  generic.Clock
	Logger zerolog.Logger
	NewID  func() string
}

func NewTracker(store TxStore) *Tracker {
	return &Tracker{Store: store, Clock: generic.SystemClock{}, Logger: zerolog.Nop(), NewID: uuid.NewString}
}

// =============================================================================
// PROVISIONING
// =============================================================================

// RegisterHost stores the host (if new) and installs one Active unit per
// slot of its model, ordered by slot. Slots that already hold a live unit
// are left alone, so calling it twice is harmless. Returns the live units.
func (t *Tracker) RegisterHost(ctx context.Context, h Host) ([]Unit, error) {
	if h.ID == "" || h.ModelID == "" {
		return nil, fmt.Errorf("%w: host id and model are required", generic.ErrInvalidInput)
	}
	now := t.now()
	var live []Unit
	err := t.Store.WithTx(ctx, func(s Store) error {
		model, err := s.GetModel(ctx, h.ModelID)
		if err != nil {
			return err
		}
		types, err := slotOrder(ctx, s, model)
		if err != nil {
			return err
		}

		existing, err := s.GetHost(ctx, h.ID)
		switch {
		case errors.Is(err, ErrHostNotFound):
			if h.CreatedAt.IsZero() {
				h.CreatedAt = now
			}
			if err := s.SaveHost(ctx, h); err != nil {
				return err
			}
		case err != nil:
			return err
		case existing.ModelID != h.ModelID:
			return fmt.Errorf("%w: host %s already registered with model %s", generic.ErrInvalidInput, h.ID, existing.ModelID)
		}

		units, err := s.UnitsByHost(ctx, h.ID)
		if err != nil {
			return err
		}
		occupied := make(map[int]bool)
		for _, u := range units {
			if u.Status != StatusChanged {
				occupied[u.Slot] = true
			}
		}
		for _, ct := range types {
			if occupied[ct.Slot] {
				continue
			}
			u := Unit{
				ID:                UnitID(t.newID()),
				HostID:            h.ID,
				TypeID:            ct.ID,
				Slot:              ct.Slot,
				InstallDate:       now,
				AccumulatedVolume: decimal.Zero,
				Status:            StatusActive,
				UpdatedAt:         now,
			}
			if err := s.SaveUnit(ctx, u); err != nil {
				return err
			}
		}

		live, err = liveUnits(ctx, s, h.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.Logger.Info().Str("host", string(h.ID)).Int("units", len(live)).Msg("host provisioned")
	return live, nil
}

func slotOrder(ctx context.Context, s Store, model *HostModel) ([]ConsumableType, error) {
	types := make([]ConsumableType, 0, len(model.Types))
	seen := make(map[int]TypeID)
	for _, id := range model.Types {
		ct, err := s.GetType(ctx, id)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[ct.Slot]; dup {
			return nil, fmt.Errorf("%w: model %s puts %s and %s in slot %d", generic.ErrInvalidInput, model.ID, other, ct.ID, ct.Slot)
		}
		seen[ct.Slot] = ct.ID
		types = append(types, *ct)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Slot < types[j].Slot })
	return types, nil
}

// =============================================================================
// USAGE
// =============================================================================

// ReportUsage adds volume to every Active unit on the host (units in series
// all see the same flow) and re-evaluates their thresholds.
func (t *Tracker) ReportUsage(ctx context.Context, hostID HostID, volume decimal.Decimal) ([]StateChange, error) {
	if !volume.IsPositive() {
		return nil, fmt.Errorf("%w: usage volume must be positive", generic.ErrInvalidInput)
	}
	now := t.now()
	var changes []StateChange
	err := t.Store.WithTx(ctx, func(s Store) error {
		changes = nil
		if _, err := s.GetHost(ctx, hostID); err != nil {
			return err
		}
		if err := s.AppendUsage(ctx, UsageReport{ID: t.newID(), HostID: hostID, Volume: volume, ReportedAt: now}); err != nil {
			return err
		}
		units, err := s.UnitsByHost(ctx, hostID)
		if err != nil {
			return err
		}
		types := typeCache{s: s}
		for _, u := range units {
			if u.Status != StatusActive {
				continue
			}
			ct, err := types.get(ctx, u.TypeID)
			if err != nil {
				return err
			}
			u.AccumulatedVolume = u.AccumulatedVolume.Add(volume)
			change, err := t.evaluate(ctx, s, u, *ct, now)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logChanges(hostID, changes)
	return changes, nil
}

// Sweep re-evaluates every Active unit, which catches units that aged past
// their threshold without any usage being reported. Returns only units
// whose status changed.
func (t *Tracker) Sweep(ctx context.Context) ([]StateChange, error) {
	now := t.now()
	var changes []StateChange
	err := t.Store.WithTx(ctx, func(s Store) error {
		changes = nil
		units, err := s.ActiveUnits(ctx)
		if err != nil {
			return err
		}
		types := typeCache{s: s}
		for _, u := range units {
			ct, err := types.get(ctx, u.TypeID)
			if err != nil {
				return err
			}
			if !ThresholdReached(u, *ct, now) {
				continue
			}
			change, err := t.evaluate(ctx, s, u, *ct, now)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logChanges("", changes)
	return changes, nil
}

// evaluate applies the threshold rule to an Active unit and saves it.
func (t *Tracker) evaluate(ctx context.Context, s Store, u Unit, ct ConsumableType, now time.Time) (StateChange, error) {
	change := StateChange{UnitID: u.ID, TypeID: u.TypeID, Slot: u.Slot, From: u.Status, To: u.Status}
	change.Usage = UsageFraction(u, ct, now)
	if change.Usage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		u.Status = StatusNeedsChange
		change.To = StatusNeedsChange
	}
	change.Volume = u.AccumulatedVolume
	u.UpdatedAt = now
	return change, s.SaveUnit(ctx, u)
}

func (t *Tracker) logChanges(hostID HostID, changes []StateChange) {
	for _, c := range changes {
		if !c.Changed() {
			continue
		}
		t.Logger.Info().
			Str("host", string(hostID)).
			Str("unit", string(c.UnitID)).
			Int("slot", c.Slot).
			Str("usage", c.Usage.StringFixed(2)).
			Msg("consumable needs change")
	}
}

// =============================================================================
// REPLACEMENT
// =============================================================================

// Replace retires a unit and installs its successor in the same slot.
// Active (early swap) and NeedsChange units can be replaced; Changed units
// cannot.
func (t *Tracker) Replace(ctx context.Context, unitID UnitID, actor, note string) (*Unit, error) {
	now := t.now()
	var successor Unit
	var event ReplacementEvent
	err := t.Store.WithTx(ctx, func(s Store) error {
		old, err := s.GetUnit(ctx, unitID)
		if err != nil {
			return err
		}
		if old.Status == StatusChanged {
			return &generic.InvalidTransitionError{
				Subject: "consumable " + string(old.ID),
				From:    string(old.Status),
				To:      string(StatusChanged),
			}
		}

		successor = Unit{
			ID:                UnitID(t.newID()),
			HostID:            old.HostID,
			TypeID:            old.TypeID,
			Slot:              old.Slot,
			InstallDate:       now,
			AccumulatedVolume: decimal.Zero,
			Status:            StatusActive,
			PredecessorID:     old.ID,
			UpdatedAt:         now,
		}
		event = ReplacementEvent{
			ID:          t.newID(),
			UnitID:      old.ID,
			SuccessorID: successor.ID,
			HostID:      old.HostID,
			TypeID:      old.TypeID,
			Slot:        old.Slot,
			ReplacedBy:  actor,
			FromStatus:  old.Status,
			Volume:      old.AccumulatedVolume,
			AgeDays:     generic.DaysBetween(old.InstallDate, now),
			Note:        note,
			ReplacedAt:  now,
		}

		old.Status = StatusChanged
		old.ChangedAt = &now
		old.UpdatedAt = now
		if err := s.SaveUnit(ctx, *old); err != nil {
			return err
		}
		if err := s.SaveUnit(ctx, successor); err != nil {
			return err
		}
		return s.AppendReplacement(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	t.Logger.Info().
		Str("unit", string(unitID)).
		Str("successor", string(successor.ID)).
		Str("actor", actor).
		Int("age_days", event.AgeDays).
		Msg("consumable replaced")
	return &successor, nil
}

// =============================================================================
// READS
// =============================================================================

// Units returns the live (not Changed) units of a host, ordered by slot.
func (t *Tracker) Units(ctx context.Context, hostID HostID) ([]Unit, error) {
	if _, err := t.Store.GetHost(ctx, hostID); err != nil {
		return nil, err
	}
	return liveUnits(ctx, t.Store, hostID)
}

// Chain returns every unit that occupied (host, slot), newest first.
func (t *Tracker) Chain(ctx context.Context, hostID HostID, slot int) ([]Unit, error) {
	units, err := t.Store.UnitsByHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	byID := make(map[UnitID]Unit)
	var head *Unit
	for i, u := range units {
		if u.Slot != slot {
			continue
		}
		byID[u.ID] = u
		if u.Status != StatusChanged {
			head = &units[i]
		}
	}
	if head == nil {
		return nil, nil
	}
	var chain []Unit
	for cur, ok := *head, true; ok; cur, ok = byID[cur.PredecessorID] {
		chain = append(chain, cur)
		if cur.PredecessorID == "" {
			break
		}
	}
	return chain, nil
}

func (t *Tracker) Replacements(ctx context.Context, hostID HostID) ([]ReplacementEvent, error) {
	return t.Store.ReplacementsByHost(ctx, hostID)
}

// Usage returns the current usage fraction of a unit.
func (t *Tracker) Usage(ctx context.Context, unitID UnitID) (decimal.Decimal, error) {
	u, err := t.Store.GetUnit(ctx, unitID)
	if err != nil {
		return decimal.Zero, err
	}
	ct, err := t.Store.GetType(ctx, u.TypeID)
	if err != nil {
		return decimal.Zero, err
	}
	return UsageFraction(*u, *ct, t.now()), nil
}

func liveUnits(ctx context.Context, s Store, hostID HostID) ([]Unit, error) {
	units, err := s.UnitsByHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	var live []Unit
	for _, u := range units {
		if u.Status != StatusChanged {
			live = append(live, u)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Slot < live[j].Slot })
	return live, nil
}

type typeCache struct {
	s     Store
	types map[TypeID]*ConsumableType
}

func (c *typeCache) get(ctx context.Context, id TypeID) (*ConsumableType, error) {
	if ct, ok := c.types[id]; ok {
		return ct, nil
	}
	ct, err := c.s.GetType(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.types == nil {
		c.types = make(map[TypeID]*ConsumableType)
	}
	c.types[id] = ct
	return ct, nil
}

func (t *Tracker) now() time.Time {
	if t.Clock == nil {
		return time.Now().UTC()
	}
	return t.Clock.Now()
}

func (t *Tracker) newID() string {
	if t.NewID == nil {
		return uuid.NewString()
	}
	return t.NewID()
}
