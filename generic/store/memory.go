// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/stock-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore, generic.DocumentStore and
// generic.CatalogStore. All state lives behind one RWMutex.
type Memory struct {
	mu sync.RWMutex
	s  *memState

	warehouses map[generic.WarehouseID]generic.Warehouse
	locations  map[locationKey]generic.Location
	items      map[generic.ItemID]generic.Item
}

type locationKey struct {
	Warehouse generic.WarehouseID
	Location  generic.LocationID
}

// memState is the transactional part. Its methods assume the caller holds
// the Memory lock.
type memState struct {
	positions map[generic.PositionKey]generic.StockPosition
	movements []generic.MovementRecord
	byKey     map[string]int
	documents map[generic.DocumentID]generic.Document
	sequences map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		s: &memState{
			positions: make(map[generic.PositionKey]generic.StockPosition),
			byKey:     make(map[string]int),
			documents: make(map[generic.DocumentID]generic.Document),
			sequences: make(map[string]int),
		},
		warehouses: make(map[generic.WarehouseID]generic.Warehouse),
		locations:  make(map[locationKey]generic.Location),
		items:      make(map[generic.ItemID]generic.Item),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are fully serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.s.snapshot()
	if err := fn(&txMemoryView{s: m.s}); err != nil {
		m.s.restore(snap)
		return err
	}
	return nil
}

// =============================================================================
// LOCKED FACADE
// =============================================================================

func (m *Memory) GetPosition(ctx context.Context, key generic.PositionKey) (*generic.StockPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetPosition(ctx, key)
}

func (m *Memory) PutPosition(ctx context.Context, pos generic.StockPosition, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.PutPosition(ctx, pos, expectedVersion)
}

func (m *Memory) DeletePosition(ctx context.Context, key generic.PositionKey, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.DeletePosition(ctx, key, expectedVersion)
}

func (m *Memory) ListPositions(ctx context.Context, filter generic.PositionFilter) ([]generic.StockPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListPositions(ctx, filter)
}

func (m *Memory) AppendMovement(ctx context.Context, rec generic.MovementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendMovement(ctx, rec)
}

func (m *Memory) MovementByKey(ctx context.Context, key string) (*generic.MovementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.MovementByKey(ctx, key)
}

func (m *Memory) MovementsByDocument(ctx context.Context, ref generic.DocumentRef) ([]generic.MovementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.MovementsByDocument(ctx, ref)
}

func (m *Memory) Movements(ctx context.Context, filter generic.MovementFilter) ([]generic.MovementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Movements(ctx, filter)
}

func (m *Memory) SaveDocument(ctx context.Context, doc generic.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveDocument(ctx, doc)
}

func (m *Memory) GetDocument(ctx context.Context, id generic.DocumentID) (*generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetDocument(ctx, id)
}

func (m *Memory) ListDocuments(ctx context.Context, filter generic.DocumentFilter) ([]generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListDocuments(ctx, filter)
}

func (m *Memory) NextSequence(ctx context.Context, prefix string, year int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.NextSequence(ctx, prefix, year)
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) GetWarehouse(_ context.Context, id generic.WarehouseID) (*generic.Warehouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.warehouses[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) GetLocation(_ context.Context, wh generic.WarehouseID, id generic.LocationID) (*generic.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[locationKey{wh, id}]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *Memory) GetItem(_ context.Context, id generic.ItemID) (*generic.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (m *Memory) SaveWarehouse(_ context.Context, w generic.Warehouse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warehouses[w.ID] = w
	return nil
}

func (m *Memory) SaveLocation(_ context.Context, l generic.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.warehouses[l.Warehouse]; !ok {
		return &generic.LocationNotFoundError{Site: generic.Site{Warehouse: l.Warehouse}}
	}
	m.locations[locationKey{l.Warehouse, l.ID}] = l
	return nil
}

func (m *Memory) SaveItem(_ context.Context, i generic.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[i.ID] = i
	return nil
}

func (m *Memory) ListWarehouses(_ context.Context) ([]generic.Warehouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.Warehouse, 0, len(m.warehouses))
	for _, w := range m.warehouses {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListLocations(_ context.Context, wh generic.WarehouseID) ([]generic.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Location
	for k, l := range m.locations {
		if wh == "" || k.Warehouse == wh {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Warehouse != out[j].Warehouse {
			return out[i].Warehouse < out[j].Warehouse
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListItems(_ context.Context) ([]generic.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.Item, 0, len(m.items))
	for _, i := range m.items {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// STATE (caller holds the lock)
// =============================================================================

func (s *memState) GetPosition(_ context.Context, key generic.PositionKey) (*generic.StockPosition, error) {
	pos, ok := s.positions[key]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (s *memState) PutPosition(_ context.Context, pos generic.StockPosition, expectedVersion int64) error {
	cur, ok := s.positions[pos.Key]
	switch {
	case expectedVersion == 0 && ok:
		return fmt.Errorf("%w: position %s already exists", generic.ErrConcurrentModification, pos.Key)
	case expectedVersion != 0 && (!ok || cur.Version != expectedVersion):
		return fmt.Errorf("%w: position %s version changed", generic.ErrConcurrentModification, pos.Key)
	}
	s.positions[pos.Key] = pos
	return nil
}

func (s *memState) DeletePosition(_ context.Context, key generic.PositionKey, expectedVersion int64) error {
	cur, ok := s.positions[key]
	if !ok || cur.Version != expectedVersion {
		return fmt.Errorf("%w: position %s version changed", generic.ErrConcurrentModification, key)
	}
	delete(s.positions, key)
	return nil
}

func (s *memState) ListPositions(_ context.Context, filter generic.PositionFilter) ([]generic.StockPosition, error) {
	var out []generic.StockPosition
	for k, p := range s.positions {
		if filter.Match(k) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (s *memState) AppendMovement(_ context.Context, rec generic.MovementRecord) error {
	if _, ok := s.byKey[rec.IdempotencyKey]; ok {
		return generic.ErrAlreadyCommitted
	}
	s.byKey[rec.IdempotencyKey] = len(s.movements)
	s.movements = append(s.movements, rec)
	return nil
}

func (s *memState) MovementByKey(_ context.Context, key string) (*generic.MovementRecord, error) {
	i, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	rec := s.movements[i]
	return &rec, nil
}

func (s *memState) MovementsByDocument(_ context.Context, ref generic.DocumentRef) ([]generic.MovementRecord, error) {
	var out []generic.MovementRecord
	for _, m := range s.movements {
		if m.Document == ref {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memState) Movements(_ context.Context, filter generic.MovementFilter) ([]generic.MovementRecord, error) {
	var out []generic.MovementRecord
	for _, m := range s.movements {
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *memState) SaveDocument(_ context.Context, doc generic.Document) error {
	s.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *memState) GetDocument(_ context.Context, id generic.DocumentID) (*generic.Document, error) {
	doc, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrDocumentNotFound, id)
	}
	c := cloneDocument(doc)
	return &c, nil
}

func (s *memState) ListDocuments(_ context.Context, filter generic.DocumentFilter) ([]generic.Document, error) {
	var out []generic.Document
	for _, d := range s.documents {
		if filter.Kind != "" && d.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, cloneDocument(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference > out[j].Reference })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memState) NextSequence(_ context.Context, prefix string, year int) (int, error) {
	k := fmt.Sprintf("%s-%d", prefix, year)
	s.sequences[k]++
	return s.sequences[k], nil
}

// =============================================================================
// SNAPSHOT / ROLLBACK
// =============================================================================

type memorySnapshot struct {
	positions map[generic.PositionKey]generic.StockPosition
	movements int
	documents map[generic.DocumentID]generic.Document
	sequences map[string]int
}

// snapshot copies the mutable maps. Movements are append-only, so
// remembering the length is enough to roll them back.
func (s *memState) snapshot() memorySnapshot {
	pos := make(map[generic.PositionKey]generic.StockPosition, len(s.positions))
	for k, v := range s.positions {
		pos[k] = v
	}
	docs := make(map[generic.DocumentID]generic.Document, len(s.documents))
	for k, v := range s.documents {
		docs[k] = v
	}
	seqs := make(map[string]int, len(s.sequences))
	for k, v := range s.sequences {
		seqs[k] = v
	}
	return memorySnapshot{positions: pos, movements: len(s.movements), documents: docs, sequences: seqs}
}

func (s *memState) restore(snap memorySnapshot) {
	for _, m := range s.movements[snap.movements:] {
		delete(s.byKey, m.IdempotencyKey)
	}
	s.movements = s.movements[:snap.movements]
	s.positions = snap.positions
	s.documents = snap.documents
	s.sequences = snap.sequences
}

// txMemoryView is the Store handed to WithTx callbacks.
type txMemoryView struct {
	s *memState
}

func (tv *txMemoryView) GetPosition(ctx context.Context, key generic.PositionKey) (*generic.StockPosition, error) {
	return tv.s.GetPosition(ctx, key)
}

func (tv *txMemoryView) PutPosition(ctx context.Context, pos generic.StockPosition, expectedVersion int64) error {
	return tv.s.PutPosition(ctx, pos, expectedVersion)
}

func (tv *txMemoryView) DeletePosition(ctx context.Context, key generic.PositionKey, expectedVersion int64) error {
	return tv.s.DeletePosition(ctx, key, expectedVersion)
}

func (tv *txMemoryView) ListPositions(ctx context.Context, filter generic.PositionFilter) ([]generic.StockPosition, error) {
	return tv.s.ListPositions(ctx, filter)
}

func (tv *txMemoryView) AppendMovement(ctx context.Context, rec generic.MovementRecord) error {
	return tv.s.AppendMovement(ctx, rec)
}

func (tv *txMemoryView) MovementByKey(ctx context.Context, key string) (*generic.MovementRecord, error) {
	return tv.s.MovementByKey(ctx, key)
}

func (tv *txMemoryView) MovementsByDocument(ctx context.Context, ref generic.DocumentRef) ([]generic.MovementRecord, error) {
	return tv.s.MovementsByDocument(ctx, ref)
}

func (tv *txMemoryView) Movements(ctx context.Context, filter generic.MovementFilter) ([]generic.MovementRecord, error) {
	return tv.s.Movements(ctx, filter)
}

func (tv *txMemoryView) SaveDocument(ctx context.Context, doc generic.Document) error {
	return tv.s.SaveDocument(ctx, doc)
}

func (tv *txMemoryView) GetDocument(ctx context.Context, id generic.DocumentID) (*generic.Document, error) {
	return tv.s.GetDocument(ctx, id)
}

func (tv *txMemoryView) ListDocuments(ctx context.Context, filter generic.DocumentFilter) ([]generic.Document, error) {
	return tv.s.ListDocuments(ctx, filter)
}

func (tv *txMemoryView) NextSequence(ctx context.Context, prefix string, year int) (int, error) {
	return tv.s.NextSequence(ctx, prefix, year)
}

func cloneDocument(d generic.Document) generic.Document {
	c := d
	c.Lines = append([]generic.DocumentLine(nil), d.Lines...)
	c.History = append([]generic.StatusChange(nil), d.History...)
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
