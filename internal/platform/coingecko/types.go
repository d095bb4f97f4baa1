package coingecko

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// apiSimplePrice mirrors one entry of the /simple/price response.
type apiSimplePrice struct {
	USD           decimal.Decimal `json:"usd"`
	LastUpdatedAt int64           `json:"last_updated_at"`
}

func (p apiSimplePrice) toQuote(assetID string) domain.PriceQuote {
	asOf := time.Now().UTC()
	if p.LastUpdatedAt > 0 {
		asOf = time.Unix(p.LastUpdatedAt, 0).UTC()
	}
	return domain.PriceQuote{
		AssetID: assetID,
		Price:   p.USD,
		AsOf:    asOf,
	}
}

// checkHTTPStatus maps API error statuses onto the domain error taxonomy.
func checkHTTPStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("coingecko: %w", domain.ErrRateLimited)
	case status == http.StatusNotFound:
		return fmt.Errorf("coingecko: %w", domain.ErrNotFound)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("coingecko: %w", domain.ErrUnauthorized)
	default:
		return fmt.Errorf("coingecko: unexpected status %d: %s", status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
