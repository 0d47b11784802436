package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/stock-engine/generic"
)

// params numbers positional arguments while a query is assembled.
type params []any

func (p *params) add(v any) string {
	*p = append(*p, v)
	return "$" + strconv.Itoa(len(*p))
}

// =============================================================================
// POSITIONS
// =============================================================================

func (q queries) GetPosition(ctx context.Context, key generic.PositionKey) (*generic.StockPosition, error) {
	query := `SELECT quantity, version, last_updated FROM positions
		WHERE item = $1 AND warehouse = $2 AND location = $3 AND batch = $4`
	if q.forUpdate {
		query += " FOR UPDATE"
	}
	pos := generic.StockPosition{Key: key}
	err := q.db.QueryRow(ctx, query, key.Item, key.Warehouse, key.Location, key.Batch).
		Scan(&pos.Quantity, &pos.Version, &pos.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("read position %s: %w", key, err))
	}
	pos.LastUpdated = pos.LastUpdated.UTC()
	return &pos, nil
}

func (q queries) PutPosition(ctx context.Context, pos generic.StockPosition, expectedVersion int64) error {
	k := pos.Key
	if expectedVersion == 0 {
		tag, err := q.db.Exec(ctx, `
			INSERT INTO positions (item, warehouse, location, batch, quantity, version, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			k.Item, k.Warehouse, k.Location, k.Batch, pos.Quantity, pos.Version, pos.LastUpdated,
		)
		if err != nil {
			return mapError(fmt.Errorf("insert position %s: %w", k, err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: position %s already exists", generic.ErrConcurrentModification, k)
		}
		return nil
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE positions SET quantity = $1, version = $2, last_updated = $3
		WHERE item = $4 AND warehouse = $5 AND location = $6 AND batch = $7 AND version = $8`,
		pos.Quantity, pos.Version, pos.LastUpdated, k.Item, k.Warehouse, k.Location, k.Batch, expectedVersion,
	)
	if err != nil {
		return mapError(fmt.Errorf("update position %s: %w", k, err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: position %s version changed", generic.ErrConcurrentModification, k)
	}
	return nil
}

func (q queries) DeletePosition(ctx context.Context, key generic.PositionKey, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM positions
		WHERE item = $1 AND warehouse = $2 AND location = $3 AND batch = $4 AND version = $5`,
		key.Item, key.Warehouse, key.Location, key.Batch, expectedVersion,
	)
	if err != nil {
		return mapError(fmt.Errorf("delete position %s: %w", key, err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: position %s version changed", generic.ErrConcurrentModification, key)
	}
	return nil
}

func (q queries) ListPositions(ctx context.Context, filter generic.PositionFilter) ([]generic.StockPosition, error) {
	var args params
	var where []string
	if filter.Item != "" {
		where = append(where, "item = "+args.add(filter.Item))
	}
	if filter.Warehouse != "" {
		where = append(where, "warehouse = "+args.add(filter.Warehouse))
	}
	if filter.Location != "" {
		where = append(where, "location = "+args.add(filter.Location))
	}
	query := `SELECT item, warehouse, location, batch, quantity, version, last_updated FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY item COLLATE "C", warehouse COLLATE "C", location COLLATE "C", batch COLLATE "C"`

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("query positions: %w", err))
	}
	defer rows.Close()

	var out []generic.StockPosition
	for rows.Next() {
		var p generic.StockPosition
		if err := rows.Scan(&p.Key.Item, &p.Key.Warehouse, &p.Key.Location, &p.Key.Batch,
			&p.Quantity, &p.Version, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.LastUpdated = p.LastUpdated.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// MOVEMENTS
// =============================================================================

const movementColumns = `id, idempotency_key, item, warehouse, location, batch,
	from_warehouse, from_location, to_warehouse, to_location,
	quantity, direction, kind, doc_kind, doc_ref, line, leg, note, actor,
	movement_date, quantity_after, reversal, reverses_id, created_at`

func (q queries) AppendMovement(ctx context.Context, m generic.MovementRecord) error {
	fromWh, fromLoc := siteColumns(m.From)
	toWh, toLoc := siteColumns(m.To)
	tag, err := q.db.Exec(ctx, `INSERT INTO movements (`+movementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		m.ID, m.IdempotencyKey, m.Key.Item, m.Key.Warehouse, m.Key.Location, m.Key.Batch,
		fromWh, fromLoc, toWh, toLoc,
		m.Quantity, m.Direction, m.Kind, m.Document.Kind, m.Document.Ref, m.Line, m.Leg, m.Note, m.Actor,
		m.MovementDate, m.QuantityAfter, m.Reversal, m.ReversesID, m.CreatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("append movement: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrAlreadyCommitted
	}
	return nil
}

func (q queries) MovementByKey(ctx context.Context, key string) (*generic.MovementRecord, error) {
	recs, err := q.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements WHERE idempotency_key = $1`, key)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (q queries) MovementsByDocument(ctx context.Context, ref generic.DocumentRef) ([]generic.MovementRecord, error) {
	return q.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements
		WHERE doc_kind = $1 AND doc_ref = $2 ORDER BY seq`, ref.Kind, ref.Ref)
}

// Movements returns matching history oldest first; a limit keeps the most
// recent rows.
func (q queries) Movements(ctx context.Context, filter generic.MovementFilter) ([]generic.MovementRecord, error) {
	var args params
	var where []string
	if filter.Item != "" {
		where = append(where, "item = "+args.add(filter.Item))
	}
	if filter.Warehouse != "" {
		where = append(where, "warehouse = "+args.add(filter.Warehouse))
	}
	if filter.Document != nil {
		where = append(where, "doc_kind = "+args.add(filter.Document.Kind)+" AND doc_ref = "+args.add(filter.Document.Ref))
	}
	if filter.From != nil {
		where = append(where, "movement_date >= "+args.add(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "movement_date <= "+args.add(*filter.To))
	}
	inner := `SELECT seq, ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	inner += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		inner += " LIMIT " + args.add(filter.Limit)
	}
	return q.queryMovements(ctx, `SELECT `+movementColumns+` FROM (`+inner+`) recent ORDER BY seq`, args...)
}

func (q queries) queryMovements(ctx context.Context, query string, args ...any) ([]generic.MovementRecord, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("query movements: %w", err))
	}
	defer rows.Close()

	var out []generic.MovementRecord
	for rows.Next() {
		var (
			m               generic.MovementRecord
			fromWh, fromLoc *string
			toWh, toLoc     *string
		)
		if err := rows.Scan(
			&m.ID, &m.IdempotencyKey, &m.Key.Item, &m.Key.Warehouse, &m.Key.Location, &m.Key.Batch,
			&fromWh, &fromLoc, &toWh, &toLoc,
			&m.Quantity, &m.Direction, &m.Kind, &m.Document.Kind, &m.Document.Ref, &m.Line, &m.Leg, &m.Note, &m.Actor,
			&m.MovementDate, &m.QuantityAfter, &m.Reversal, &m.ReversesID, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.From = siteFrom(fromWh, fromLoc)
		m.To = siteFrom(toWh, toLoc)
		m.MovementDate = m.MovementDate.UTC()
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func siteColumns(s *generic.Site) (*string, *string) {
	if s == nil {
		return nil, nil
	}
	wh, loc := string(s.Warehouse), string(s.Location)
	return &wh, &loc
}

func siteFrom(wh, loc *string) *generic.Site {
	if wh == nil {
		return nil
	}
	site := &generic.Site{Warehouse: generic.WarehouseID(*wh)}
	if loc != nil {
		site.Location = generic.LocationID(*loc)
	}
	return site
}

// =============================================================================
// DOCUMENTS
// =============================================================================

const documentColumns = `id, kind, reference, status, lines, metadata,
	note, created_by, history, created_at, updated_at`

func (q queries) SaveDocument(ctx context.Context, doc generic.Document) error {
	_, err := q.db.Exec(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			lines = EXCLUDED.lines,
			metadata = EXCLUDED.metadata,
			note = EXCLUDED.note,
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		doc.ID, doc.Kind, doc.Reference, doc.Status, doc.Lines, doc.Metadata,
		doc.Note, doc.CreatedBy, doc.History, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("save document %s: %w", doc.Reference, err))
	}
	return nil
}

func (q queries) GetDocument(ctx context.Context, id generic.DocumentID) (*generic.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	if q.forUpdate {
		query += " FOR UPDATE"
	}
	docs, err := q.queryDocuments(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", generic.ErrDocumentNotFound, id)
	}
	return &docs[0], nil
}

func (q queries) ListDocuments(ctx context.Context, filter generic.DocumentFilter) ([]generic.Document, error) {
	var args params
	var where []string
	if filter.Kind != "" {
		where = append(where, "kind = "+args.add(filter.Kind))
	}
	if filter.Status != "" {
		where = append(where, "status = "+args.add(filter.Status))
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY reference DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + args.add(filter.Limit)
	}
	return q.queryDocuments(ctx, query, args...)
}

func (q queries) queryDocuments(ctx context.Context, query string, args ...any) ([]generic.Document, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("query documents: %w", err))
	}
	defer rows.Close()

	var out []generic.Document
	for rows.Next() {
		var d generic.Document
		if err := rows.Scan(&d.ID, &d.Kind, &d.Reference, &d.Status, &d.Lines, &d.Metadata,
			&d.Note, &d.CreatedBy, &d.History, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q queries) NextSequence(ctx context.Context, prefix string, year int) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		INSERT INTO sequences (prefix, year, value) VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year) DO UPDATE SET value = sequences.value + 1
		RETURNING value`, prefix, year,
	).Scan(&n)
	if err != nil {
		return 0, mapError(fmt.Errorf("advance sequence %s-%d: %w", prefix, year, err))
	}
	return n, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (q queries) GetWarehouse(ctx context.Context, id generic.WarehouseID) (*generic.Warehouse, error) {
	w := generic.Warehouse{ID: id}
	err := q.db.QueryRow(ctx, `SELECT name FROM warehouses WHERE id = $1`, id).Scan(&w.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get warehouse %s: %w", id, err)
	}
	return &w, nil
}

func (q queries) GetLocation(ctx context.Context, wh generic.WarehouseID, id generic.LocationID) (*generic.Location, error) {
	l := generic.Location{Warehouse: wh, ID: id}
	err := q.db.QueryRow(ctx, `SELECT name FROM locations WHERE warehouse_id = $1 AND id = $2`, wh, id).Scan(&l.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get location %s/%s: %w", wh, id, err)
	}
	return &l, nil
}

func (q queries) GetItem(ctx context.Context, id generic.ItemID) (*generic.Item, error) {
	it := generic.Item{ID: id}
	err := q.db.QueryRow(ctx, `SELECT name, unit, min_stock, created_at FROM items WHERE id = $1`, id).
		Scan(&it.Name, &it.Unit, &it.MinStock, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	it.CreatedAt = it.CreatedAt.UTC()
	return &it, nil
}

func (q queries) SaveWarehouse(ctx context.Context, w generic.Warehouse) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO warehouses (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, w.ID, w.Name)
	return err
}

func (q queries) SaveLocation(ctx context.Context, l generic.Location) error {
	wh, err := q.GetWarehouse(ctx, l.Warehouse)
	if err != nil {
		return err
	}
	if wh == nil {
		return &generic.LocationNotFoundError{Site: generic.Site{Warehouse: l.Warehouse}}
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO locations (warehouse_id, id, name) VALUES ($1, $2, $3)
		ON CONFLICT (warehouse_id, id) DO UPDATE SET name = EXCLUDED.name`, l.Warehouse, l.ID, l.Name)
	return err
}

func (q queries) SaveItem(ctx context.Context, it generic.Item) error {
	created := it.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO items (id, name, unit, min_stock, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, unit = EXCLUDED.unit, min_stock = EXCLUDED.min_stock`,
		it.ID, it.Name, it.Unit, it.MinStock, created)
	return err
}

func (q queries) ListWarehouses(ctx context.Context) ([]generic.Warehouse, error) {
	rows, err := q.db.Query(ctx, `SELECT id, name FROM warehouses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (generic.Warehouse, error) {
		var w generic.Warehouse
		err := row.Scan(&w.ID, &w.Name)
		return w, err
	})
}

func (q queries) ListLocations(ctx context.Context, wh generic.WarehouseID) ([]generic.Location, error) {
	rows, err := q.db.Query(ctx, `
		SELECT warehouse_id, id, name FROM locations
		WHERE $1 = '' OR warehouse_id = $1
		ORDER BY warehouse_id, id`, string(wh))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (generic.Location, error) {
		var l generic.Location
		err := row.Scan(&l.Warehouse, &l.ID, &l.Name)
		return l, err
	})
}

func (q queries) ListItems(ctx context.Context) ([]generic.Item, error) {
	rows, err := q.db.Query(ctx, `SELECT id, name, unit, min_stock, created_at FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (generic.Item, error) {
		var it generic.Item
		err := row.Scan(&it.ID, &it.Name, &it.Unit, &it.MinStock, &it.CreatedAt)
		it.CreatedAt = it.CreatedAt.UTC()
		return it, err
	})
}
