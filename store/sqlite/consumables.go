package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
)

// =============================================================================
// CONSUMABLES (consumables.Store)
// =============================================================================

func (q queries) SaveType(ctx context.Context, t consumables.ConsumableType) error {
	var maxAge sql.NullInt64
	if t.MaxAgeDays != nil {
		maxAge = sql.NullInt64{Int64: int64(*t.MaxAgeDays), Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO consumable_types (id, name, slot, max_volume, max_age_days) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, slot = excluded.slot,
			max_volume = excluded.max_volume, max_age_days = excluded.max_age_days`,
		t.ID, t.Name, t.Slot, nullDecimal(t.MaxVolume), maxAge)
	return mapError(err)
}

func (q queries) GetType(ctx context.Context, id consumables.TypeID) (*consumables.ConsumableType, error) {
	types, err := q.queryTypes(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: %s", consumables.ErrTypeNotFound, id)
	}
	return &types[0], nil
}

func (q queries) ListTypes(ctx context.Context) ([]consumables.ConsumableType, error) {
	return q.queryTypes(ctx, `ORDER BY id`)
}

func (q queries) queryTypes(ctx context.Context, tail string, args ...any) ([]consumables.ConsumableType, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, slot, max_volume, max_age_days FROM consumable_types `+tail, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []consumables.ConsumableType
	for rows.Next() {
		var t consumables.ConsumableType
		var maxVolume sql.NullString
		var maxAge sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Name, &t.Slot, &maxVolume, &maxAge); err != nil {
			return nil, fmt.Errorf("failed to scan consumable type: %w", err)
		}
		t.MaxVolume = decimalPtr(maxVolume)
		if maxAge.Valid {
			n := int(maxAge.Int64)
			t.MaxAgeDays = &n
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q queries) SaveModel(ctx context.Context, m consumables.HostModel) error {
	typesJSON, err := json.Marshal(m.Types)
	if err != nil {
		return fmt.Errorf("failed to encode model types: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO host_models (id, name, types_json) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, types_json = excluded.types_json`,
		m.ID, m.Name, string(typesJSON))
	return mapError(err)
}

func (q queries) GetModel(ctx context.Context, id consumables.ModelID) (*consumables.HostModel, error) {
	models, err := q.queryModels(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: %s", consumables.ErrModelNotFound, id)
	}
	return &models[0], nil
}

func (q queries) ListModels(ctx context.Context) ([]consumables.HostModel, error) {
	return q.queryModels(ctx, `ORDER BY id`)
}

func (q queries) queryModels(ctx context.Context, tail string, args ...any) ([]consumables.HostModel, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, types_json FROM host_models `+tail, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []consumables.HostModel
	for rows.Next() {
		var m consumables.HostModel
		var typesJSON string
		if err := rows.Scan(&m.ID, &m.Name, &typesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan host model: %w", err)
		}
		if err := json.Unmarshal([]byte(typesJSON), &m.Types); err != nil {
			return nil, fmt.Errorf("host model %s: bad types: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q queries) SaveHost(ctx context.Context, h consumables.Host) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO hosts (id, model_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		h.ID, h.ModelID, h.Name, formatTime(h.CreatedAt))
	return mapError(err)
}

func (q queries) GetHost(ctx context.Context, id consumables.HostID) (*consumables.Host, error) {
	h := consumables.Host{ID: id}
	var created string
	err := q.db.QueryRowContext(ctx, `SELECT model_id, name, created_at FROM hosts WHERE id = ?`, id).
		Scan(&h.ModelID, &h.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", consumables.ErrHostNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	if h.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &h, nil
}

func (q queries) ListHosts(ctx context.Context) ([]consumables.Host, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, model_id, name, created_at FROM hosts ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []consumables.Host
	for rows.Next() {
		var h consumables.Host
		var created string
		if err := rows.Scan(&h.ID, &h.ModelID, &h.Name, &created); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// UNITS
// =============================================================================

const unitColumns = `id, host_id, type_id, slot, install_date, accumulated_volume,
	status, predecessor_id, changed_at, updated_at`

// SaveUnit upserts a unit. The partial unique index turns a second live
// unit in one slot into ErrConcurrentModification.
func (q queries) SaveUnit(ctx context.Context, u consumables.Unit) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO consumable_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			accumulated_volume = excluded.accumulated_volume,
			status = excluded.status,
			changed_at = excluded.changed_at,
			updated_at = excluded.updated_at`,
		u.ID, u.HostID, u.TypeID, u.Slot, formatTime(u.InstallDate), u.AccumulatedVolume.String(),
		u.Status, u.PredecessorID, nullTime(u.ChangedAt), formatTime(u.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: slot %d of host %s already holds a live unit",
			generic.ErrConcurrentModification, u.Slot, u.HostID)
	}
	return mapError(err)
}

func (q queries) GetUnit(ctx context.Context, id consumables.UnitID) (*consumables.Unit, error) {
	units, err := q.queryUnits(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: %s", consumables.ErrUnitNotFound, id)
	}
	return &units[0], nil
}

func (q queries) UnitsByHost(ctx context.Context, id consumables.HostID) ([]consumables.Unit, error) {
	return q.queryUnits(ctx, `WHERE host_id = ? ORDER BY rowid`, id)
}

func (q queries) ActiveUnits(ctx context.Context) ([]consumables.Unit, error) {
	return q.queryUnits(ctx, `WHERE status = ? ORDER BY rowid`, consumables.StatusActive)
}

func (q queries) queryUnits(ctx context.Context, tail string, args ...any) ([]consumables.Unit, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM consumable_units `+tail, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []consumables.Unit
	for rows.Next() {
		var (
			u                  consumables.Unit
			installed, updated string
			volume             string
			changed            sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.HostID, &u.TypeID, &u.Slot, &installed, &volume,
			&u.Status, &u.PredecessorID, &changed, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		if u.InstallDate, err = parseTime(installed); err != nil {
			return nil, err
		}
		u.AccumulatedVolume = generic.MustParseDecimal(volume)
		if u.ChangedAt, err = timePtr(changed); err != nil {
			return nil, err
		}
		if u.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// =============================================================================
// EVENTS
// =============================================================================

func (q queries) AppendReplacement(ctx context.Context, e consumables.ReplacementEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO replacement_events
		(id, unit_id, successor_id, host_id, type_id, slot, replaced_by, from_status, volume, age_days, note, replaced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UnitID, e.SuccessorID, e.HostID, e.TypeID, e.Slot, e.ReplacedBy, e.FromStatus,
		e.Volume.String(), e.AgeDays, e.Note, formatTime(e.ReplacedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: unit %s already replaced", generic.ErrConcurrentModification, e.UnitID)
	}
	return mapError(err)
}

func (q queries) ReplacementsByHost(ctx context.Context, id consumables.HostID) ([]consumables.ReplacementEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, unit_id, successor_id, host_id, type_id, slot, replaced_by, from_status, volume, age_days, note, replaced_at
		FROM replacement_events WHERE host_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []consumables.ReplacementEvent
	for rows.Next() {
		var e consumables.ReplacementEvent
		var volume, at string
		if err := rows.Scan(&e.ID, &e.UnitID, &e.SuccessorID, &e.HostID, &e.TypeID, &e.Slot,
			&e.ReplacedBy, &e.FromStatus, &volume, &e.AgeDays, &e.Note, &at); err != nil {
			return nil, fmt.Errorf("failed to scan replacement: %w", err)
		}
		e.Volume = generic.MustParseDecimal(volume)
		if e.ReplacedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q queries) AppendUsage(ctx context.Context, r consumables.UsageReport) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO usage_reports (id, host_id, volume, reported_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.HostID, r.Volume.String(), formatTime(r.ReportedAt))
	return mapError(err)
}

func (q queries) UsageByHost(ctx context.Context, id consumables.HostID) ([]consumables.UsageReport, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, host_id, volume, reported_at FROM usage_reports WHERE host_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []consumables.UsageReport
	for rows.Next() {
		var r consumables.UsageReport
		var volume, at string
		if err := rows.Scan(&r.ID, &r.HostID, &volume, &at); err != nil {
			return nil, err
		}
		r.Volume = generic.MustParseDecimal(volume)
		if r.ReportedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
