package consumables

import (
	"context"
	"fmt"

	"github.com/warp/stock-engine/generic"
)

// Lookup errors. All of them match generic.ErrEntityNotFound.
var (
	ErrTypeNotFound  = fmt.Errorf("consumable type: %w", generic.ErrEntityNotFound)
	ErrModelNotFound = fmt.Errorf("host model: %w", generic.ErrEntityNotFound)
	ErrHostNotFound  = fmt.Errorf("host: %w", generic.ErrEntityNotFound)
	ErrUnitNotFound  = fmt.Errorf("consumable unit: %w", generic.ErrEntityNotFound)
)

// Store persists consumable master data, units and events.
// Get methods return the package's not-found errors for unknown ids.
type Store interface {
	SaveType(ctx context.Context, t ConsumableType) error
	GetType(ctx context.Context, id TypeID) (*ConsumableType, error)
	ListTypes(ctx context.Context) ([]ConsumableType, error)

	SaveModel(ctx context.Context, m HostModel) error
	GetModel(ctx context.Context, id ModelID) (*HostModel, error)
	ListModels(ctx context.Context) ([]HostModel, error)

	SaveHost(ctx context.Context, h Host) error
	GetHost(ctx context.Context, id HostID) (*Host, error)
	ListHosts(ctx context.Context) ([]Host, error)

	SaveUnit(ctx context.Context, u Unit) error
	GetUnit(ctx context.Context, id UnitID) (*Unit, error)
	// UnitsByHost returns every unit ever installed on the host, oldest first.
	UnitsByHost(ctx context.Context, id HostID) ([]Unit, error)
	// ActiveUnits returns all Active units across hosts.
	ActiveUnits(ctx context.Context) ([]Unit, error)

	AppendReplacement(ctx context.Context, e ReplacementEvent) error
	ReplacementsByHost(ctx context.Context, id HostID) ([]ReplacementEvent, error)

	AppendUsage(ctx context.Context, r UsageReport) error
	UsageByHost(ctx context.Context, id HostID) ([]UsageReport, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
