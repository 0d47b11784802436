package consumables

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/stock-engine/generic"
)

// Memory is an in-memory TxStore used by tests and the memory backend.
// Transactions are serialized and rolled back from a snapshot.
type Memory struct {
	mu sync.RWMutex
	s  *memState
}

type memState struct {
	types        map[TypeID]ConsumableType
	models       map[ModelID]HostModel
	hosts        map[HostID]Host
	units        []Unit
	unitIndex    map[UnitID]int
	replacements []ReplacementEvent
	usage        []UsageReport
}

func NewMemory() *Memory {
	return &Memory{s: &memState{
		types:     make(map[TypeID]ConsumableType),
		models:    make(map[ModelID]HostModel),
		hosts:     make(map[HostID]Host),
		unitIndex: make(map[UnitID]int),
	}}
}

func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.s.clone()
	if err := fn(m.s); err != nil {
		*m.s = *snap
		return err
	}
	return nil
}

func (m *Memory) SaveType(ctx context.Context, t ConsumableType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveType(ctx, t)
}

func (m *Memory) GetType(ctx context.Context, id TypeID) (*ConsumableType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetType(ctx, id)
}

func (m *Memory) ListTypes(ctx context.Context) ([]ConsumableType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListTypes(ctx)
}

func (m *Memory) SaveModel(ctx context.Context, model HostModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveModel(ctx, model)
}

func (m *Memory) GetModel(ctx context.Context, id ModelID) (*HostModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetModel(ctx, id)
}

func (m *Memory) ListModels(ctx context.Context) ([]HostModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListModels(ctx)
}

func (m *Memory) SaveHost(ctx context.Context, h Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveHost(ctx, h)
}

func (m *Memory) GetHost(ctx context.Context, id HostID) (*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetHost(ctx, id)
}

func (m *Memory) ListHosts(ctx context.Context) ([]Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListHosts(ctx)
}

func (m *Memory) SaveUnit(ctx context.Context, u Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveUnit(ctx, u)
}

func (m *Memory) GetUnit(ctx context.Context, id UnitID) (*Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetUnit(ctx, id)
}

func (m *Memory) UnitsByHost(ctx context.Context, id HostID) ([]Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.UnitsByHost(ctx, id)
}

func (m *Memory) ActiveUnits(ctx context.Context) ([]Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ActiveUnits(ctx)
}

func (m *Memory) AppendReplacement(ctx context.Context, e ReplacementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendReplacement(ctx, e)
}

func (m *Memory) ReplacementsByHost(ctx context.Context, id HostID) ([]ReplacementEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ReplacementsByHost(ctx, id)
}

func (m *Memory) AppendUsage(ctx context.Context, r UsageReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendUsage(ctx, r)
}

func (m *Memory) UsageByHost(ctx context.Context, id HostID) ([]UsageReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.UsageByHost(ctx, id)
}

// =============================================================================
// STATE (caller holds the lock)
// =============================================================================

func (s *memState) SaveType(_ context.Context, t ConsumableType) error {
	if t.ID == "" {
		return fmt.Errorf("%w: consumable type id is required", generic.ErrInvalidInput)
	}
	s.types[t.ID] = t
	return nil
}

func (s *memState) GetType(_ context.Context, id TypeID) (*ConsumableType, error) {
	t, ok := s.types[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, id)
	}
	return &t, nil
}

func (s *memState) ListTypes(_ context.Context) ([]ConsumableType, error) {
	out := make([]ConsumableType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) SaveModel(_ context.Context, m HostModel) error {
	if m.ID == "" {
		return fmt.Errorf("%w: host model id is required", generic.ErrInvalidInput)
	}
	m.Types = append([]TypeID(nil), m.Types...)
	s.models[m.ID] = m
	return nil
}

func (s *memState) GetModel(_ context.Context, id ModelID) (*HostModel, error) {
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	m.Types = append([]TypeID(nil), m.Types...)
	return &m, nil
}

func (s *memState) ListModels(_ context.Context) ([]HostModel, error) {
	out := make([]HostModel, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) SaveHost(_ context.Context, h Host) error {
	s.hosts[h.ID] = h
	return nil
}

func (s *memState) GetHost(_ context.Context, id HostID) (*Host, error) {
	h, ok := s.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	return &h, nil
}

func (s *memState) ListHosts(_ context.Context) ([]Host, error) {
	out := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveUnit upserts a unit. A second live unit in the same (host, slot) is
// refused the way the SQL backends' partial unique index refuses it.
func (s *memState) SaveUnit(_ context.Context, u Unit) error {
	if u.Status != StatusChanged {
		for _, other := range s.units {
			if other.ID != u.ID && other.HostID == u.HostID && other.Slot == u.Slot && other.Status != StatusChanged {
				return fmt.Errorf("%w: slot %d of host %s already holds unit %s",
					generic.ErrConcurrentModification, u.Slot, u.HostID, other.ID)
			}
		}
	}
	if i, ok := s.unitIndex[u.ID]; ok {
		s.units[i] = u
		return nil
	}
	s.unitIndex[u.ID] = len(s.units)
	s.units = append(s.units, u)
	return nil
}

func (s *memState) GetUnit(_ context.Context, id UnitID) (*Unit, error) {
	i, ok := s.unitIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	u := s.units[i]
	return &u, nil
}

func (s *memState) UnitsByHost(_ context.Context, id HostID) ([]Unit, error) {
	var out []Unit
	for _, u := range s.units {
		if u.HostID == id {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *memState) ActiveUnits(_ context.Context) ([]Unit, error) {
	var out []Unit
	for _, u := range s.units {
		if u.Status == StatusActive {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *memState) AppendReplacement(_ context.Context, e ReplacementEvent) error {
	s.replacements = append(s.replacements, e)
	return nil
}

func (s *memState) ReplacementsByHost(_ context.Context, id HostID) ([]ReplacementEvent, error) {
	var out []ReplacementEvent
	for _, e := range s.replacements {
		if e.HostID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memState) AppendUsage(_ context.Context, r UsageReport) error {
	s.usage = append(s.usage, r)
	return nil
}

func (s *memState) UsageByHost(_ context.Context, id HostID) ([]UsageReport, error) {
	var out []UsageReport
	for _, r := range s.usage {
		if r.HostID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memState) clone() *memState {
	c := &memState{
		types:        make(map[TypeID]ConsumableType, len(s.types)),
		models:       make(map[ModelID]HostModel, len(s.models)),
		hosts:        make(map[HostID]Host, len(s.hosts)),
		units:        append([]Unit(nil), s.units...),
		unitIndex:    make(map[UnitID]int, len(s.unitIndex)),
		replacements: append([]ReplacementEvent(nil), s.replacements...),
		usage:        append([]UsageReport(nil), s.usage...),
	}
	for k, v := range s.types {
		c.types[k] = v
	}
	for k, v := range s.models {
		c.models[k] = v
	}
	for k, v := range s.hosts {
		c.hosts[k] = v
	}
	for k, v := range s.unitIndex {
		c.unitIndex[k] = v
	}
	return c
}
