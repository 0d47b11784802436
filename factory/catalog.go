/*
Package factory converts JSON catalog files into master data.

PURPOSE:
  Warehouses, locations, items, consumable types, host models and document
  kind overrides are configuration, not code. A catalog file describes them
  once; Install writes them into the stores on startup.

JSON SCHEMA:
  {
    "warehouses": [
      {"id": "main", "name": "Main depot",
       "locations": [{"id": "A1", "name": "Rack A1"}]}
    ],
    "items": [
      {"id": "filter-10in", "name": "10in PP filter", "unit": "pcs", "min_stock": "20"}
    ],
    "consumable_types": [
      {"id": "sediment", "name": "Sediment 5um", "slot": 1, "max_volume": "8000", "max_age_days": 180}
    ],
    "host_models": [
      {"id": "ro-5", "name": "RO 5 stage", "types": ["sediment", "carbon"]}
    ],
    "kinds": [
      {"kind": "adjustment", "ref_prefix": "SA", "zero_policy": "delete"}
    ]
  }

USAGE:
  cat, err := factory.LoadFile("catalog.json")
  kinds, err := warehouse.NewRegistry(cat.KindOverrides()...)
  err = cat.Install(ctx, store, consumableStore)

SEE ALSO:
  - generic/store.go: Catalog types
  - consumables/types.go: ConsumableType, HostModel
  - warehouse/kinds.go: NewRegistry overrides
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/consumables"
	"github.com/warp/stock-engine/generic"
	"github.com/warp/stock-engine/validation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	Warehouses      []WarehouseJSON      `json:"warehouses" validate:"dive"`
	Items           []ItemJSON           `json:"items" validate:"dive"`
	ConsumableTypes []ConsumableTypeJSON `json:"consumable_types" validate:"dive"`
	HostModels      []HostModelJSON      `json:"host_models" validate:"dive"`
	Kinds           []KindJSON           `json:"kinds" validate:"dive"`
}

type WarehouseJSON struct {
	ID        string         `json:"id" validate:"required"`
	Name      string         `json:"name"`
	Locations []LocationJSON `json:"locations" validate:"dive"`
}

type LocationJSON struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

type ItemJSON struct {
	ID       string          `json:"id" validate:"required"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit"`
	MinStock decimal.Decimal `json:"min_stock" validate:"dnonneg"`
}

type ConsumableTypeJSON struct {
	ID         string           `json:"id" validate:"required"`
	Name       string           `json:"name"`
	Slot       int              `json:"slot" validate:"min=1"`
	MaxVolume  *decimal.Decimal `json:"max_volume,omitempty"`
	MaxAgeDays *int             `json:"max_age_days,omitempty" validate:"omitempty,min=1"`
}

type HostModelJSON struct {
	ID    string   `json:"id" validate:"required"`
	Name  string   `json:"name"`
	Types []string `json:"types" validate:"required,min=1,dive,required"`
}

type KindJSON struct {
	Kind       string `json:"kind" validate:"required"`
	Label      string `json:"label"`
	RefPrefix  string `json:"ref_prefix" validate:"omitempty,alphanum,max=8"`
	ZeroPolicy string `json:"zero_policy" validate:"omitempty,oneof=delete keep"`
}

// =============================================================================
// PARSING
// =============================================================================

// Catalog is a validated catalog file.
type Catalog struct {
	raw CatalogJSON
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog JSON. Unknown fields are rejected so
// a typo does not silently drop a threshold.
func Parse(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse catalog JSON: %v", generic.ErrInvalidInput, err)
	}
	return FromJSON(cj)
}

// FromJSON validates a decoded catalog, including cross references.
func FromJSON(cj CatalogJSON) (*Catalog, error) {
	if err := validation.Struct(cj); err != nil {
		return nil, err
	}

	slots := make(map[string]int, len(cj.ConsumableTypes))
	for _, ct := range cj.ConsumableTypes {
		if _, dup := slots[ct.ID]; dup {
			return nil, fmt.Errorf("%w: consumable type %s defined twice", generic.ErrInvalidInput, ct.ID)
		}
		if ct.MaxVolume != nil && !ct.MaxVolume.IsPositive() {
			return nil, fmt.Errorf("%w: consumable type %s max_volume must be positive", generic.ErrInvalidInput, ct.ID)
		}
		slots[ct.ID] = ct.Slot
	}
	for _, m := range cj.HostModels {
		used := make(map[int]string)
		for _, id := range m.Types {
			slot, ok := slots[id]
			if !ok {
				return nil, fmt.Errorf("%w: host model %s uses unknown consumable type %s", generic.ErrInvalidInput, m.ID, id)
			}
			if other, dup := used[slot]; dup {
				return nil, fmt.Errorf("%w: host model %s puts %s and %s in slot %d", generic.ErrInvalidInput, m.ID, other, id, slot)
			}
			used[slot] = id
		}
	}
	return &Catalog{raw: cj}, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

func (c *Catalog) Warehouses() []generic.Warehouse {
	out := make([]generic.Warehouse, len(c.raw.Warehouses))
	for i, w := range c.raw.Warehouses {
		out[i] = generic.Warehouse{ID: generic.WarehouseID(w.ID), Name: w.Name}
	}
	return out
}

func (c *Catalog) Locations() []generic.Location {
	var out []generic.Location
	for _, w := range c.raw.Warehouses {
		for _, l := range w.Locations {
			out = append(out, generic.Location{
				Warehouse: generic.WarehouseID(w.ID),
				ID:        generic.LocationID(l.ID),
				Name:      l.Name,
			})
		}
	}
	return out
}

func (c *Catalog) Items() []generic.Item {
	out := make([]generic.Item, len(c.raw.Items))
	for i, it := range c.raw.Items {
		out[i] = generic.Item{ID: generic.ItemID(it.ID), Name: it.Name, Unit: it.Unit, MinStock: it.MinStock}
	}
	return out
}

func (c *Catalog) ConsumableTypes() []consumables.ConsumableType {
	out := make([]consumables.ConsumableType, len(c.raw.ConsumableTypes))
	for i, ct := range c.raw.ConsumableTypes {
		out[i] = consumables.ConsumableType{
			ID:         consumables.TypeID(ct.ID),
			Name:       ct.Name,
			Slot:       ct.Slot,
			MaxVolume:  ct.MaxVolume,
			MaxAgeDays: ct.MaxAgeDays,
		}
	}
	return out
}

func (c *Catalog) HostModels() []consumables.HostModel {
	out := make([]consumables.HostModel, len(c.raw.HostModels))
	for i, m := range c.raw.HostModels {
		types := make([]consumables.TypeID, len(m.Types))
		for j, t := range m.Types {
			types[j] = consumables.TypeID(t)
		}
		out[i] = consumables.HostModel{ID: consumables.ModelID(m.ID), Name: m.Name, Types: types}
	}
	return out
}

// KindOverrides returns the per-kind label, prefix and zero policy changes
// for warehouse.NewRegistry.
func (c *Catalog) KindOverrides() []generic.KindSpec {
	out := make([]generic.KindSpec, len(c.raw.Kinds))
	for i, k := range c.raw.Kinds {
		out[i] = generic.KindSpec{
			Kind:       generic.DocumentKind(k.Kind),
			Label:      k.Label,
			RefPrefix:  k.RefPrefix,
			ZeroPolicy: generic.ZeroPolicy(k.ZeroPolicy),
		}
	}
	return out
}

// Install writes the catalog into the stores. Saves are upserts, so
// installing the same file on every start is fine. cons may be nil.
func (c *Catalog) Install(ctx context.Context, catalog generic.CatalogStore, cons consumables.Store) error {
	for _, w := range c.Warehouses() {
		if err := catalog.SaveWarehouse(ctx, w); err != nil {
			return fmt.Errorf("warehouse %s: %w", w.ID, err)
		}
	}
	for _, l := range c.Locations() {
		if err := catalog.SaveLocation(ctx, l); err != nil {
			return fmt.Errorf("location %s/%s: %w", l.Warehouse, l.ID, err)
		}
	}
	for _, it := range c.Items() {
		if err := catalog.SaveItem(ctx, it); err != nil {
			return fmt.Errorf("item %s: %w", it.ID, err)
		}
	}
	if cons == nil {
		return nil
	}
	for _, ct := range c.ConsumableTypes() {
		if err := cons.SaveType(ctx, ct); err != nil {
			return fmt.Errorf("consumable type %s: %w", ct.ID, err)
		}
	}
	for _, m := range c.HostModels() {
		if err := cons.SaveModel(ctx, m); err != nil {
			return fmt.Errorf("host model %s: %w", m.ID, err)
		}
	}
	return nil
}
