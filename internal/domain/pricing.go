package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is one observed USD price for an asset.
type PriceQuote struct {
	AssetID string
	Price   decimal.Decimal
	AsOf    time.Time
}

// PriceSource fetches the current USD price for a tracked asset. It has no
// knowledge of races; callers tolerate ErrPriceUnavailable at every call
// site.
type PriceSource interface {
	GetPrice(ctx context.Context, assetID string) (PriceQuote, error)
}
