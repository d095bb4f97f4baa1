package pricing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/store/memory"
)

type stubFetcher struct {
	calls int
	price decimal.Decimal
	err   error
}

func (f *stubFetcher) GetPrice(_ context.Context, assetID string) (domain.PriceQuote, error) {
	f.calls++
	if f.err != nil {
		return domain.PriceQuote{}, f.err
	}
	return domain.PriceQuote{AssetID: assetID, Price: f.price, AsOf: time.Now().UTC()}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedSourceServesFreshCacheHits(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewPriceCache()
	fetcher := &stubFetcher{price: decimal.NewFromInt(50000)}
	src := NewCachedSource(fetcher, cache, 10*time.Second, testLogger())

	first, err := src.GetPrice(ctx, "bitcoin")
	require.NoError(t, err)
	assert.True(t, first.Price.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, 1, fetcher.calls)

	// Second read is served from the cache written by the first.
	second, err := src.GetPrice(ctx, "bitcoin")
	require.NoError(t, err)
	assert.True(t, second.Price.Equal(first.Price))
	assert.Equal(t, 1, fetcher.calls, "fresh cache entry must not hit upstream")
}

func TestCachedSourceRefetchesStaleEntries(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewPriceCache()
	require.NoError(t, cache.SetPrice(ctx, "bitcoin", decimal.NewFromInt(48000), time.Now().Add(-time.Minute)))

	fetcher := &stubFetcher{price: decimal.NewFromInt(50000)}
	src := NewCachedSource(fetcher, cache, 10*time.Second, testLogger())

	quote, err := src.GetPrice(ctx, "bitcoin")
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.NewFromInt(50000)), "stale entry must be refetched")
	assert.Equal(t, 1, fetcher.calls)
}

func TestCachedSourceWorksWithoutCache(t *testing.T) {
	fetcher := &stubFetcher{price: decimal.NewFromInt(2000)}
	src := NewCachedSource(fetcher, nil, 10*time.Second, testLogger())

	quote, err := src.GetPrice(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.NewFromInt(2000)))
}

func TestCachedSourceWrapsFetchErrors(t *testing.T) {
	upstream := errors.New("rate limited")
	fetcher := &stubFetcher{err: upstream}
	src := NewCachedSource(fetcher, memory.NewPriceCache(), 10*time.Second, testLogger())

	_, err := src.GetPrice(context.Background(), "solana")
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream)
	assert.Contains(t, err.Error(), "solana")
}
