package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
)

// =============================================================================
// TYPES, MODELS, HOSTS
// =============================================================================

func (q queries) SaveType(ctx context.Context, t consumables.ConsumableType) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO consumable_types (id, name, slot, max_volume, max_age_days) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, slot = EXCLUDED.slot,
			max_volume = EXCLUDED.max_volume, max_age_days = EXCLUDED.max_age_days`,
		t.ID, t.Name, t.Slot, t.MaxVolume, t.MaxAgeDays)
	return mapError(err)
}

func (q queries) GetType(ctx context.Context, id consumables.TypeID) (*consumables.ConsumableType, error) {
	types, err := q.queryTypes(ctx, `WHERE id = $1`, id)
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
	rows, err := q.db.Query(ctx, `SELECT id, name, slot, max_volume, max_age_days FROM consumable_types `+tail, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (consumables.ConsumableType, error) {
		var t consumables.ConsumableType
		err := row.Scan(&t.ID, &t.Name, &t.Slot, &t.MaxVolume, &t.MaxAgeDays)
		return t, err
	})
}

func (q queries) SaveModel(ctx context.Context, m consumables.HostModel) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO host_models (id, name, types) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, types = EXCLUDED.types`,
		m.ID, m.Name, m.Types)
	return mapError(err)
}

func (q queries) GetModel(ctx context.Context, id consumables.ModelID) (*consumables.HostModel, error) {
	models, err := q.queryModels(ctx, `WHERE id = $1`, id)
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
	rows, err := q.db.Query(ctx, `SELECT id, name, types FROM host_models `+tail, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (consumables.HostModel, error) {
		var m consumables.HostModel
		err := row.Scan(&m.ID, &m.Name, &m.Types)
		return m, err
	})
}

func (q queries) SaveHost(ctx context.Context, h consumables.Host) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO hosts (id, model_id, name, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		h.ID, h.ModelID, h.Name, h.CreatedAt)
	return mapError(err)
}

func (q queries) GetHost(ctx context.Context, id consumables.HostID) (*consumables.Host, error) {
	h := consumables.Host{ID: id}
	err := q.db.QueryRow(ctx, `SELECT model_id, name, created_at FROM hosts WHERE id = $1`, id).
		Scan(&h.ModelID, &h.Name, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", consumables.ErrHostNotFound, id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	h.CreatedAt = h.CreatedAt.UTC()
	return &h, nil
}

func (q queries) ListHosts(ctx context.Context) ([]consumables.Host, error) {
	rows, err := q.db.Query(ctx, `SELECT id, model_id, name, created_at FROM hosts ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (consumables.Host, error) {
		var h consumables.Host
		err := row.Scan(&h.ID, &h.ModelID, &h.Name, &h.CreatedAt)
		h.CreatedAt = h.CreatedAt.UTC()
		return h, err
	})
}

// =============================================================================
// UNITS
// =============================================================================

const unitColumns = `id, host_id, type_id, slot, install_date, accumulated_volume,
	status, predecessor_id, changed_at, updated_at`

func (q queries) SaveUnit(ctx context.Context, u consumables.Unit) error {
	_, err := q.db.Exec(ctx, `INSERT INTO consumable_units (`+unitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			accumulated_volume = EXCLUDED.accumulated_volume,
			status = EXCLUDED.status,
			changed_at = EXCLUDED.changed_at,
			updated_at = EXCLUDED.updated_at`,
		u.ID, u.HostID, u.TypeID, u.Slot, u.InstallDate, u.AccumulatedVolume,
		u.Status, u.PredecessorID, u.ChangedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: slot %d of host %s already holds a live unit",
			generic.ErrConcurrentModification, u.Slot, u.HostID)
	}
	return mapError(err)
}

func (q queries) GetUnit(ctx context.Context, id consumables.UnitID) (*consumables.Unit, error) {
	units, err := q.queryUnits(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: %s", consumables.ErrUnitNotFound, id)
	}
	return &units[0], nil
}

func (q queries) UnitsByHost(ctx context.Context, id consumables.HostID) ([]consumables.Unit, error) {
	return q.queryUnits(ctx, `WHERE host_id = $1 ORDER BY seq`, id)
}

func (q queries) ActiveUnits(ctx context.Context) ([]consumables.Unit, error) {
	return q.queryUnits(ctx, `WHERE status = $1 ORDER BY seq`, consumables.StatusActive)
}

func (q queries) queryUnits(ctx context.Context, tail string, args ...any) ([]consumables.Unit, error) {
	rows, err := q.db.Query(ctx, `SELECT `+unitColumns+` FROM consumable_units `+tail, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (consumables.Unit, error) {
		var u consumables.Unit
		err := row.Scan(&u.ID, &u.HostID, &u.TypeID, &u.Slot, &u.InstallDate, &u.AccumulatedVolume,
			&u.Status, &u.PredecessorID, &u.ChangedAt, &u.UpdatedAt)
		u.InstallDate, u.UpdatedAt = u.InstallDate.UTC(), u.UpdatedAt.UTC()
		if u.ChangedAt != nil {
			at := u.ChangedAt.UTC()
			u.ChangedAt = &at
		}
		return u, err
	})
}

// =============================================================================
// EVENTS
// =============================================================================

func (q queries) AppendReplacement(ctx context.Context, e consumables.ReplacementEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO replacement_events
		(id, unit_id, successor_id, host_id, type_id, slot, replaced_by, from_status, volume, age_days, note, replaced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.UnitID, e.SuccessorID, e.HostID, e.TypeID, e.Slot, e.ReplacedBy, e.FromStatus,
		e.Volume, e.AgeDays, e.Note, e.ReplacedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: unit %s already replaced", generic.ErrConcurrentModification, e.UnitID)
	}
	return mapError(err)
}

func (q queries) ReplacementsByHost(ctx context.Context, id consumables.HostID) ([]consumables.ReplacementEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, unit_id, successor_id, host_id, type_id, slot, replaced_by, from_status, volume, age_days, note, replaced_at
		FROM replacement_events WHERE host_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (consumables.ReplacementEvent, error) {
		var e consumables.ReplacementEvent
		err := row.Scan(&e.ID, &e.UnitID, &e.SuccessorID, &e.HostID, &e.TypeID, &e.Slot,
			&e.ReplacedBy, &e.FromStatus, &e.Volume, &e.AgeDays, &e.Note, &e.ReplacedAt)
		e.ReplacedAt = e.ReplacedAt.UTC()
		return e, err
	})
}

func (q queries) AppendUsage(ctx context.Context, r consumables.UsageReport) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO usage_reports (id, host_id, volume, reported_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.HostID, r.Volume, r.ReportedAt)
	return mapError(err)
}

func (q queries) UsageByHost(ctx context.Context, id consumables.HostID) ([]consumables.UsageReport, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, host_id, volume, reported_at FROM usage_reports WHERE host_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (consumables.UsageReport, error) {
		var r consumables.UsageReport
		err := row.Scan(&r.ID, &r.HostID, &r.Volume, &r.ReportedAt)
		r.ReportedAt = r.ReportedAt.UTC()
		return r, err
	})
}
