package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/sales"
)

// =============================================================================
// SALES (sales.Store)
// =============================================================================

const saleColumns = `id, reference, status, lines_json, discount, incentive_party_id,
	commission_rate, note, created_by, history_json, created_at, updated_at`

func (q queries) SaveSale(ctx context.Context, s sales.Sale) error {
	linesJSON, err := json.Marshal(s.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode sale lines: %w", err)
	}
	historyJSON, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("failed to encode sale history: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at`,
		s.ID, s.Reference, s.Status, string(linesJSON), s.Discount.String(), s.IncentivePartyID,
		nullDecimal(s.CommissionRate), s.Note, s.CreatedBy, string(historyJSON),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save sale %s: %w", s.Reference, err))
	}
	return nil
}

func (q queries) GetSale(ctx context.Context, id sales.SaleID) (*sales.Sale, error) {
	list, err := q.querySales(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", sales.ErrSaleNotFound, id)
	}
	return &list[0], nil
}

func (q queries) ListSales(ctx context.Context, filter sales.Filter) ([]sales.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE ? = '' OR status = ? ORDER BY reference DESC`
	args := []any{filter.Status, filter.Status}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return q.querySales(ctx, query, args...)
}

func (q queries) querySales(ctx context.Context, query string, args ...any) ([]sales.Sale, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query sales: %w", err))
	}
	defer rows.Close()

	var out []sales.Sale
	for rows.Next() {
		var (
			s                    sales.Sale
			linesJSON, discount  string
			rate, history        sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&s.ID, &s.Reference, &s.Status, &linesJSON, &discount, &s.IncentivePartyID,
			&rate, &s.Note, &s.CreatedBy, &history, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		if err := json.Unmarshal([]byte(linesJSON), &s.Lines); err != nil {
			return nil, fmt.Errorf("sale %s: bad lines: %w", s.ID, err)
		}
		if history.Valid && history.String != "" {
			if err := json.Unmarshal([]byte(history.String), &s.History); err != nil {
				return nil, fmt.Errorf("sale %s: bad history: %w", s.ID, err)
			}
		}
		s.Discount = generic.MustParseDecimal(discount)
		s.CommissionRate = decimalPtr(rate)
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q queries) SaveCommission(ctx context.Context, c sales.Commission) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO commissions (id, sale_id, sale_ref, party_id, rate, base, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SaleID, c.SaleRef, c.PartyID, c.Rate.String(), c.Base.String(), c.Amount.String(), formatTime(c.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return generic.ErrAlreadyCommitted
	}
	return mapError(err)
}

func (q queries) CommissionBySale(ctx context.Context, saleRef string) (*sales.Commission, error) {
	var c sales.Commission
	var rate, base, amount, created string
	err := q.db.QueryRowContext(ctx, `
		SELECT id, sale_id, sale_ref, party_id, rate, base, amount, created_at
		FROM commissions WHERE sale_ref = ?`, saleRef,
	).Scan(&c.ID, &c.SaleID, &c.SaleRef, &c.PartyID, &rate, &base, &amount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	c.Rate = generic.MustParseDecimal(rate)
	c.Base = generic.MustParseDecimal(base)
	c.Amount = generic.MustParseDecimal(amount)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}
