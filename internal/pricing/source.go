// Package pricing assembles the price source the engine captures baselines
// and finals from: a REST fetcher behind a short-TTL read-through cache.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raceswap/raced/internal/domain"
)

// Fetcher is the upstream price API as seen by the cached source.
type Fetcher interface {
	GetPrice(ctx context.Context, assetID string) (domain.PriceQuote, error)
}

// CachedSource serves prices from the cache while fresh and falls through to
// the upstream fetcher otherwise. Cache failures degrade to direct fetches;
// they never make a price unavailable on their own.
type CachedSource struct {
	fetcher Fetcher
	cache   domain.PriceCache
	ttl     time.Duration
	logger  *slog.Logger
}

var _ domain.PriceSource = (*CachedSource)(nil)

// NewCachedSource creates a read-through price source. cache may be nil, in
// which case every call hits the fetcher.
func NewCachedSource(fetcher Fetcher, cache domain.PriceCache, ttl time.Duration, logger *slog.Logger) *CachedSource {
	return &CachedSource{
		fetcher: fetcher,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "price_source")),
	}
}

// GetPrice returns the current USD price for assetID.
func (s *CachedSource) GetPrice(ctx context.Context, assetID string) (domain.PriceQuote, error) {
	if s.cache != nil && s.ttl > 0 {
		price, ts, err := s.cache.GetPrice(ctx, assetID)
		if err == nil && time.Since(ts) <= s.ttl {
			return domain.PriceQuote{AssetID: assetID, Price: price, AsOf: ts}, nil
		}
	}

	quote, err := s.fetcher.GetPrice(ctx, assetID)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("pricing: fetch %s: %w", assetID, err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.SetPrice(ctx, assetID, quote.Price, quote.AsOf); cacheErr != nil {
			s.logger.WarnContext(ctx, "price cache write failed",
				slog.String("asset_id", assetID),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return quote, nil
}
