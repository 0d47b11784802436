package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/generic"
)

// =============================================================================
// POSITIONS (generic.Store)
// =============================================================================

func (q queries) GetPosition(ctx context.Context, key generic.PositionKey) (*generic.StockPosition, error) {
	var qty, updated string
	pos := generic.StockPosition{Key: key}
	err := q.db.QueryRowContext(ctx, `
		SELECT quantity, version, last_updated FROM positions
		WHERE item = ? AND warehouse = ? AND location = ? AND batch = ?`,
		key.Item, key.Warehouse, key.Location, key.Batch,
	).Scan(&qty, &pos.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to read position %s: %w", key, err))
	}
	pos.Quantity = generic.MustParseDecimal(qty)
	if pos.LastUpdated, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &pos, nil
}

func (q queries) PutPosition(ctx context.Context, pos generic.StockPosition, expectedVersion int64) error {
	k := pos.Key
	if expectedVersion == 0 {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO positions (item, warehouse, location, batch, quantity, version, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			k.Item, k.Warehouse, k.Location, k.Batch, pos.Quantity.String(), pos.Version, formatTime(pos.LastUpdated),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: position %s already exists", generic.ErrConcurrentModification, k)
		}
		if err != nil {
			return mapError(fmt.Errorf("failed to insert position %s: %w", k, err))
		}
		return nil
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE positions SET quantity = ?, version = ?, last_updated = ?
		WHERE item = ? AND warehouse = ? AND location = ? AND batch = ? AND version = ?`,
		pos.Quantity.String(), pos.Version, formatTime(pos.LastUpdated),
		k.Item, k.Warehouse, k.Location, k.Batch, expectedVersion,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update position %s: %w", k, err))
	}
	return checkOneRow(res, k)
}

func (q queries) DeletePosition(ctx context.Context, key generic.PositionKey, expectedVersion int64) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM positions
		WHERE item = ? AND warehouse = ? AND location = ? AND batch = ? AND version = ?`,
		key.Item, key.Warehouse, key.Location, key.Batch, expectedVersion,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to delete position %s: %w", key, err))
	}
	return checkOneRow(res, key)
}

func checkOneRow(res sql.Result, key generic.PositionKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: position %s version changed", generic.ErrConcurrentModification, key)
	}
	return nil
}

func (q queries) ListPositions(ctx context.Context, filter generic.PositionFilter) ([]generic.StockPosition, error) {
	var where []string
	var args []any
	if filter.Item != "" {
		where, args = append(where, "item = ?"), append(args, filter.Item)
	}
	if filter.Warehouse != "" {
		where, args = append(where, "warehouse = ?"), append(args, filter.Warehouse)
	}
	if filter.Location != "" {
		where, args = append(where, "location = ?"), append(args, filter.Location)
	}
	query := `SELECT item, warehouse, location, batch, quantity, version, last_updated FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY item, warehouse, location, batch"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []generic.StockPosition
	for rows.Next() {
		var p generic.StockPosition
		var qty, updated string
		if err := rows.Scan(&p.Key.Item, &p.Key.Warehouse, &p.Key.Location, &p.Key.Batch, &qty, &p.Version, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Quantity = generic.MustParseDecimal(qty)
		if p.LastUpdated, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// MOVEMENTS (append-only)
// =============================================================================

const movementColumns = `id, idempotency_key, item, warehouse, location, batch,
	from_warehouse, from_location, to_warehouse, to_location,
	quantity, direction, kind, doc_kind, doc_ref, line, leg, note, actor,
	movement_date, quantity_after, reversal, reverses_id, created_at`

func (q queries) AppendMovement(ctx context.Context, m generic.MovementRecord) error {
	fromWh, fromLoc := siteColumns(m.From)
	toWh, toLoc := siteColumns(m.To)
	_, err := q.db.ExecContext(ctx, `INSERT INTO movements (`+movementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.IdempotencyKey, m.Key.Item, m.Key.Warehouse, m.Key.Location, m.Key.Batch,
		fromWh, fromLoc, toWh, toLoc,
		m.Quantity.String(), m.Direction, m.Kind, m.Document.Kind, m.Document.Ref, m.Line, m.Leg, m.Note, m.Actor,
		formatTime(m.MovementDate), m.QuantityAfter.String(), m.Reversal, m.ReversesID, formatTime(m.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return generic.ErrAlreadyCommitted
	}
	if err != nil {
		return mapError(fmt.Errorf("failed to append movement: %w", err))
	}
	return nil
}

func (q queries) MovementByKey(ctx context.Context, key string) (*generic.MovementRecord, error) {
	recs, err := q.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements WHERE idempotency_key = ?`, key)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (q queries) MovementsByDocument(ctx context.Context, ref generic.DocumentRef) ([]generic.MovementRecord, error) {
	return q.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements
		WHERE doc_kind = ? AND doc_ref = ? ORDER BY seq`, ref.Kind, ref.Ref)
}

// Movements returns matching history oldest first. With a limit, the most
// recent matches are kept.
func (q queries) Movements(ctx context.Context, filter generic.MovementFilter) ([]generic.MovementRecord, error) {
	var where []string
	var args []any
	if filter.Item != "" {
		where, args = append(where, "item = ?"), append(args, filter.Item)
	}
	if filter.Warehouse != "" {
		where, args = append(where, "warehouse = ?"), append(args, filter.Warehouse)
	}
	if filter.Document != nil {
		where, args = append(where, "doc_kind = ? AND doc_ref = ?"), append(args, filter.Document.Kind, filter.Document.Ref)
	}
	if filter.From != nil {
		where, args = append(where, "movement_date >= ?"), append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where, args = append(where, "movement_date <= ?"), append(args, formatTime(*filter.To))
	}
	inner := `SELECT seq, ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	inner += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return q.queryMovements(ctx, `SELECT `+movementColumns+` FROM (`+inner+`) ORDER BY seq`, args...)
}

func (q queries) queryMovements(ctx context.Context, query string, args ...any) ([]generic.MovementRecord, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query movements: %w", err))
	}
	defer rows.Close()

	var out []generic.MovementRecord
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMovement(rows *sql.Rows) (generic.MovementRecord, error) {
	var (
		m                     generic.MovementRecord
		fromWh, fromLoc       sql.NullString
		toWh, toLoc           sql.NullString
		qty, after            string
		movementDate, created string
	)
	err := rows.Scan(
		&m.ID, &m.IdempotencyKey, &m.Key.Item, &m.Key.Warehouse, &m.Key.Location, &m.Key.Batch,
		&fromWh, &fromLoc, &toWh, &toLoc,
		&qty, &m.Direction, &m.Kind, &m.Document.Kind, &m.Document.Ref, &m.Line, &m.Leg, &m.Note, &m.Actor,
		&movementDate, &after, &m.Reversal, &m.ReversesID, &created,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}
	m.From = siteFrom(fromWh, fromLoc)
	m.To = siteFrom(toWh, toLoc)
	m.Quantity = generic.MustParseDecimal(qty)
	m.QuantityAfter = generic.MustParseDecimal(after)
	if m.MovementDate, err = parseTime(movementDate); err != nil {
		return m, err
	}
	if m.CreatedAt, err = parseTime(created); err != nil {
		return m, err
	}
	return m, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func siteColumns(s *generic.Site) (sql.NullString, sql.NullString) {
	if s == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(s.Warehouse), Valid: true}, sql.NullString{String: string(s.Location), Valid: true}
}

func siteFrom(wh, loc sql.NullString) *generic.Site {
	if !wh.Valid {
		return nil
	}
	return &generic.Site{Warehouse: generic.WarehouseID(wh.String), Location: generic.LocationID(loc.String)}
}

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d := generic.MustParseDecimal(s.String)
	return &d
}
