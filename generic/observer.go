package generic

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LowStockAlert is what a notifier hands to the delivery collaborator.
type LowStockAlert struct {
	Key       PositionKey
	Quantity  decimal.Decimal
	Threshold decimal.Decimal
}

// LowStockNotifier watches committed positions and raises an alert when the
// quantity drops below the item's MinStock (or Default when the item has none).
// Delivery (chat, email) is out of scope; Deliver receives the alert.
type LowStockNotifier struct {
	Catalog Catalog
	Default decimal.Decimal
	Logger  zerolog.Logger
	Deliver func(ctx context.Context, alert LowStockAlert)
}

func (n *LowStockNotifier) PositionChanged(ctx context.Context, pos StockPosition) {
	threshold := n.Default
	if n.Catalog != nil {
		item, err := n.Catalog.GetItem(ctx, pos.Key.Item)
		if err != nil {
			n.Logger.Warn().Err(err).Str("item", string(pos.Key.Item)).Msg("low-stock lookup failed")
			return
		}
		if item != nil && item.MinStock.IsPositive() {
			threshold = item.MinStock
		}
	}
	if !threshold.IsPositive() || !pos.Quantity.LessThan(threshold) {
		return
	}

	alert := LowStockAlert{Key: pos.Key, Quantity: pos.Quantity, Threshold: threshold}
	n.Logger.Warn().
		Str("position", pos.Key.String()).
		Str("quantity", pos.Quantity.String()).
		Str("threshold", threshold.String()).
		Msg("low stock")
	if n.Deliver != nil {
		n.Deliver(ctx, alert)
	}
}
