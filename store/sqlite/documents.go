package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/stock-engine/generic"
)

// =============================================================================
// DOCUMENTS (generic.DocumentStore)
// =============================================================================

const documentColumns = `id, kind, reference, status, lines_json, metadata_json,
	note, created_by, history_json, created_at, updated_at`

func (q queries) SaveDocument(ctx context.Context, doc generic.Document) error {
	linesJSON, err := json.Marshal(doc.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode lines: %w", err)
	}
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	historyJSON, err := json.Marshal(doc.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			lines_json = excluded.lines_json,
			metadata_json = excluded.metadata_json,
			note = excluded.note,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Kind, doc.Reference, doc.Status, string(linesJSON), string(metadataJSON),
		doc.Note, doc.CreatedBy, string(historyJSON), formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save document %s: %w", doc.Reference, err))
	}
	return nil
}

func (q queries) GetDocument(ctx context.Context, id generic.DocumentID) (*generic.Document, error) {
	docs, err := q.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", generic.ErrDocumentNotFound, id)
	}
	return &docs[0], nil
}

func (q queries) ListDocuments(ctx context.Context, filter generic.DocumentFilter) ([]generic.Document, error) {
	var where []string
	var args []any
	if filter.Kind != "" {
		where, args = append(where, "kind = ?"), append(args, filter.Kind)
	}
	if filter.Status != "" {
		where, args = append(where, "status = ?"), append(args, filter.Status)
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY reference DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return q.queryDocuments(ctx, query, args...)
}

func (q queries) queryDocuments(ctx context.Context, query string, args ...any) ([]generic.Document, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query documents: %w", err))
	}
	defer rows.Close()

	var out []generic.Document
	for rows.Next() {
		var (
			d                     generic.Document
			linesJSON             string
			metadataJSON, history sql.NullString
			createdAt, updatedAt  string
		)
		if err := rows.Scan(&d.ID, &d.Kind, &d.Reference, &d.Status, &linesJSON, &metadataJSON,
			&d.Note, &d.CreatedBy, &history, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(linesJSON), &d.Lines); err != nil {
			return nil, fmt.Errorf("document %s: bad lines: %w", d.ID, err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &d.Metadata); err != nil {
				return nil, fmt.Errorf("document %s: bad metadata: %w", d.ID, err)
			}
		}
		if history.Valid && history.String != "" {
			if err := json.Unmarshal([]byte(history.String), &d.History); err != nil {
				return nil, fmt.Errorf("document %s: bad history: %w", d.ID, err)
			}
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// NextSequence increments the (prefix, year) counter and returns the new value.
func (q queries) NextSequence(ctx context.Context, prefix string, year int) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO sequences (prefix, year, value) VALUES (?, ?, 1)
		ON CONFLICT(prefix, year) DO UPDATE SET value = value + 1
		RETURNING value`, prefix, year,
	).Scan(&n)
	if err != nil {
		return 0, mapError(fmt.Errorf("failed to advance sequence %s-%d: %w", prefix, year, err))
	}
	return n, nil
}

// =============================================================================
// CATALOG (generic.CatalogStore)
// =============================================================================

func (q queries) GetWarehouse(ctx context.Context, id generic.WarehouseID) (*generic.Warehouse, error) {
	w := generic.Warehouse{ID: id}
	err := q.db.QueryRowContext(ctx, `SELECT name FROM warehouses WHERE id = ?`, id).Scan(&w.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read warehouse %s: %w", id, err)
	}
	return &w, nil
}

func (q queries) GetLocation(ctx context.Context, wh generic.WarehouseID, id generic.LocationID) (*generic.Location, error) {
	l := generic.Location{Warehouse: wh, ID: id}
	err := q.db.QueryRowContext(ctx, `SELECT name FROM locations WHERE warehouse_id = ? AND id = ?`, wh, id).Scan(&l.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read location %s/%s: %w", wh, id, err)
	}
	return &l, nil
}

func (q queries) GetItem(ctx context.Context, id generic.ItemID) (*generic.Item, error) {
	var minStock, created string
	it := generic.Item{ID: id}
	err := q.db.QueryRowContext(ctx, `SELECT name, unit, min_stock, created_at FROM items WHERE id = ?`, id).
		Scan(&it.Name, &it.Unit, &minStock, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item %s: %w", id, err)
	}
	it.MinStock = generic.MustParseDecimal(minStock)
	if it.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &it, nil
}

func (q queries) SaveWarehouse(ctx context.Context, w generic.Warehouse) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO warehouses (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, w.ID, w.Name)
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
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO locations (warehouse_id, id, name) VALUES (?, ?, ?)
		ON CONFLICT(warehouse_id, id) DO UPDATE SET name = excluded.name`, l.Warehouse, l.ID, l.Name)
	return err
}

func (q queries) SaveItem(ctx context.Context, it generic.Item) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO items (id, name, unit, min_stock, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, unit = excluded.unit, min_stock = excluded.min_stock`,
		it.ID, it.Name, it.Unit, it.MinStock.String(), formatTime(it.CreatedAt))
	return err
}

func (q queries) ListWarehouses(ctx context.Context) ([]generic.Warehouse, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name FROM warehouses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []generic.Warehouse
	for rows.Next() {
		var w generic.Warehouse
		if err := rows.Scan(&w.ID, &w.Name); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q queries) ListLocations(ctx context.Context, wh generic.WarehouseID) ([]generic.Location, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT warehouse_id, id, name FROM locations
		WHERE ? = '' OR warehouse_id = ?
		ORDER BY warehouse_id, id`, wh, wh)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []generic.Location
	for rows.Next() {
		var l generic.Location
		if err := rows.Scan(&l.Warehouse, &l.ID, &l.Name); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q queries) ListItems(ctx context.Context) ([]generic.Item, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, unit, min_stock, created_at FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []generic.Item
	for rows.Next() {
		var it generic.Item
		var minStock, created string
		if err := rows.Scan(&it.ID, &it.Name, &it.Unit, &minStock, &created); err != nil {
			return nil, err
		}
		it.MinStock = generic.MustParseDecimal(minStock)
		if it.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
