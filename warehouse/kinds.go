/*
Package warehouse registers the concrete stock document kinds.

PURPOSE:
  Each business document that moves stock is a tagged variant of
  generic.Document. This package declares, per kind, how lines turn into
  deltas, which status commits, the reference prefix, and the zero-row
  policy. Kind-specific fields travel as a small payload struct that is
  flattened into Document.Metadata.

KINDS:
  ┌───────────────────┬────────┬────────────────┬─────────┬──────────┬───────────┬────────┐
  │ Kind              │ Prefix │ Movement       │ Mode    │ CommitOn │ Fulfilled │ Zero   │
  ├───────────────────┼────────┼────────────────┼─────────┼──────────┼───────────┼────────┤
  │ adjustment        │ ADJ    │ ADJUST         │ signed  │ approved │ -         │ delete │
  │ transfer          │ TRF    │ TRANSFER       │ paired  │ approved │ completed │ delete │
  │ material_issuance │ MIS    │ DISPATCH       │ out     │ issued   │ issued    │ delete │
  │ material_usage    │ MUS    │ CONSUMABLE_USE │ out     │ approved │ -         │ delete │
  │ return            │ RET    │ RECEIPT        │ in      │ approved │ -         │ keep   │
  │ stock_receipt     │ RCV    │ RECEIPT        │ in      │ approved │ -         │ keep   │
  │ stock_dispatch    │ DSP    │ DISPATCH       │ out     │ approved │ completed │ delete │
  └───────────────────┴────────┴────────────────┴─────────┴──────────┴───────────┴────────┘

SEE ALSO:
  - generic/workflow.go: The shared status machine
  - factory/catalog.go: JSON overrides for prefixes and zero policies
*/
package warehouse

import (
	"github.com/warp/stock-engine/generic"
)

const (
	KindAdjustment       generic.DocumentKind = "adjustment"
	KindTransfer         generic.DocumentKind = "transfer"
	KindMaterialIssuance generic.DocumentKind = "material_issuance"
	KindMaterialUsage    generic.DocumentKind = "material_usage"
	KindReturn           generic.DocumentKind = "return"
	KindStockReceipt     generic.DocumentKind = "stock_receipt"
	KindStockDispatch    generic.DocumentKind = "stock_dispatch"
)

// DefaultKinds returns the built-in kind table.
func DefaultKinds() []generic.KindSpec {
	return []generic.KindSpec{
		{
			Kind: KindAdjustment, Label: "Stock adjustment", RefPrefix: "ADJ",
			Movement: generic.MovementAdjust, Mode: generic.ModeSigned,
			CommitOn: generic.StatusApproved, ZeroPolicy: generic.DeleteAtZero,
		},
		{
			Kind: KindTransfer, Label: "Stock transfer", RefPrefix: "TRF",
			Movement: generic.MovementTransfer, Mode: generic.ModePaired,
			CommitOn: generic.StatusApproved, Fulfilled: generic.StatusCompleted,
			ZeroPolicy: generic.DeleteAtZero,
		},
		{
			Kind: KindMaterialIssuance, Label: "Material issuance", RefPrefix: "MIS",
			Movement: generic.MovementDispatch, Mode: generic.ModeOut,
			CommitOn: generic.StatusIssued, Fulfilled: generic.StatusIssued,
			ZeroPolicy: generic.DeleteAtZero,
		},
		{
			Kind: KindMaterialUsage, Label: "Material usage", RefPrefix: "MUS",
			Movement: generic.MovementConsumableUse, Mode: generic.ModeOut,
			CommitOn: generic.StatusApproved, ZeroPolicy: generic.DeleteAtZero,
		},
		{
			Kind: KindReturn, Label: "Defective item return", RefPrefix: "RET",
			Movement: generic.MovementReceipt, Mode: generic.ModeIn,
			CommitOn: generic.StatusApproved, ZeroPolicy: generic.KeepZeroRow,
		},
		{
			Kind: KindStockReceipt, Label: "Stock receipt", RefPrefix: "RCV",
			Movement: generic.MovementReceipt, Mode: generic.ModeIn,
			CommitOn: generic.StatusApproved, ZeroPolicy: generic.KeepZeroRow,
		},
		{
			Kind: KindStockDispatch, Label: "Stock dispatch", RefPrefix: "DSP",
			Movement: generic.MovementDispatch, Mode: generic.ModeOut,
			CommitOn: generic.StatusApproved, Fulfilled: generic.StatusCompleted,
			ZeroPolicy: generic.DeleteAtZero,
		},
	}
}

// NewRegistry returns a registry holding DefaultKinds with overrides applied
// on top (matched by Kind; zero-valued override fields keep the default).
func NewRegistry(overrides ...generic.KindSpec) (*generic.KindRegistry, error) {
	reg := generic.NewKindRegistry()
	byKind := make(map[generic.DocumentKind]generic.KindSpec)
	for _, o := range overrides {
		byKind[o.Kind] = o
	}
	for _, spec := range DefaultKinds() {
		if o, ok := byKind[spec.Kind]; ok {
			spec = merge(spec, o)
			delete(byKind, spec.Kind)
		}
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}
	for _, extra := range byKind {
		if err := reg.Register(extra); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func merge(base, o generic.KindSpec) generic.KindSpec {
	if o.Label != "" {
		base.Label = o.Label
	}
	if o.RefPrefix != "" {
		base.RefPrefix = o.RefPrefix
	}
	if o.ZeroPolicy != "" {
		base.ZeroPolicy = o.ZeroPolicy
	}
	return base
}
