package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
)

const saleColumns = `id, reference, status, lines, discount, incentive_party_id,
	commission_rate, note, created_by, history, created_at, updated_at`

func (q queries) SaveSale(ctx context.Context, s sales.Sale) error {
	_, err := q.db.Exec(ctx, `INSERT INTO sales (`+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.Reference, s.Status, s.Lines, s.Discount, s.IncentivePartyID,
		s.CommissionRate, s.Note, s.CreatedBy, s.History, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("save sale %s: %w", s.Reference, err))
	}
	return nil
}

func (q queries) GetSale(ctx context.Context, id sales.SaleID) (*sales.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	if q.forUpdate {
		query += " FOR UPDATE"
	}
	list, err := q.querySales(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", sales.ErrSaleNotFound, id)
	}
	return &list[0], nil
}

func (q queries) ListSales(ctx context.Context, filter sales.Filter) ([]sales.Sale, error) {
	var args params
	var where []string
	if filter.Status != "" {
		where = append(where, "status = "+args.add(filter.Status))
	}
	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY reference DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + args.add(filter.Limit)
	}
	return q.querySales(ctx, query, args...)
}

func (q queries) querySales(ctx context.Context, query string, args ...any) ([]sales.Sale, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("query sales: %w", err))
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (sales.Sale, error) {
		var s sales.Sale
		err := row.Scan(&s.ID, &s.Reference, &s.Status, &s.Lines, &s.Discount, &s.IncentivePartyID,
			&s.CommissionRate, &s.Note, &s.CreatedBy, &s.History, &s.CreatedAt, &s.UpdatedAt)
		s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
		return s, err
	})
}

// SaveCommission does not abort the surrounding transaction on a duplicate.
func (q queries) SaveCommission(ctx context.Context, c sales.Commission) error {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO commissions (id, sale_id, sale_ref, party_id, rate, base, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sale_ref) DO NOTHING`,
		c.ID, c.SaleID, c.SaleRef, c.PartyID, c.Rate, c.Base, c.Amount, c.CreatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrAlreadyCommitted
	}
	return nil
}

func (q queries) CommissionBySale(ctx context.Context, saleRef string) (*sales.Commission, error) {
	var c sales.Commission
	err := q.db.QueryRow(ctx, `
		SELECT id, sale_id, sale_ref, party_id, rate, base, amount, created_at
		FROM commissions WHERE sale_ref = $1`, saleRef,
	).Scan(&c.ID, &c.SaleID, &c.SaleRef, &c.PartyID, &c.Rate, &c.Base, &c.Amount, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}
