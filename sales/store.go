package sales

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/stock-engine/generic"
)

var ErrSaleNotFound = fmt.Errorf("sale: %w", generic.ErrEntityNotFound)

// Store persists sales and their commissions. SQL backends also implement
// it on their transaction view so the sale save joins the stock commit.
type Store interface {
	SaveSale(ctx context.Context, s Sale) error
	GetSale(ctx context.Context, id SaleID) (*Sale, error)
	ListSales(ctx context.Context, filter Filter) ([]Sale, error)
	// SaveCommission returns generic.ErrAlreadyCommitted when the sale
	// already has one.
	SaveCommission(ctx context.Context, c Commission) error
	// CommissionBySale returns nil, nil when the sale has none.
	CommissionBySale(ctx context.Context, saleRef string) (*Commission, error)
}

// Memory is the in-memory Store.
type Memory struct {
	mu          sync.RWMutex
	sales       map[SaleID]Sale
	commissions map[string]Commission
}

func NewMemory() *Memory {
	return &Memory{
		sales:       make(map[SaleID]Sale),
		commissions: make(map[string]Commission),
	}
}

func (m *Memory) SaveSale(_ context.Context, s Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales[s.ID] = cloneSale(s)
	return nil
}

func (m *Memory) GetSale(_ context.Context, id SaleID) (*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSaleNotFound, id)
	}
	c := cloneSale(s)
	return &c, nil
}

func (m *Memory) ListSales(_ context.Context, filter Filter) ([]Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sale
	for _, s := range m.sales {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, cloneSale(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference > out[j].Reference })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) SaveCommission(_ context.Context, c Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commissions[c.SaleRef]; ok {
		return generic.ErrAlreadyCommitted
	}
	m.commissions[c.SaleRef] = c
	return nil
}

func (m *Memory) CommissionBySale(_ context.Context, saleRef string) (*Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commissions[saleRef]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func cloneSale(s Sale) Sale {
	c := s
	c.Lines = append([]Line(nil), s.Lines...)
	c.History = append([]generic.StatusChange(nil), s.History...)
	return c
}
