// Package feed runs the live display-price stream. Ticks land in the price
// cache and on the signal bus for dashboards; they are never used for
// baseline or final capture.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/platform/binance"
)

// PriceFeed connects to the exchange stream for a fixed symbol set, maps each
// tick to its asset ID, and fans it out to the price cache and the signal
// bus. It reconnects on disconnect.
type PriceFeed struct {
	wsURL   string
	symbols map[string]string // stream symbol -> asset ID (lowercase keys)
	cache   domain.PriceCache
	bus     domain.SignalBus
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPriceFeed creates a feed for the given symbol-to-asset mapping. cache
// and bus may each be nil.
func NewPriceFeed(wsURL string, symbols map[string]string, cache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *PriceFeed {
	lowered := make(map[string]string, len(symbols))
	for sym, asset := range symbols {
		lowered[strings.ToLower(sym)] = asset
	}
	return &PriceFeed{
		wsURL:   wsURL,
		symbols: lowered,
		cache:   cache,
		bus:     bus,
		logger:  logger.With(slog.String("component", "price_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and streams until ctx is cancelled. Reconnects with backoff on
// disconnect.
func (f *PriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to stream, exiting")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := f.runConnection(ctx, connCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("price stream disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *PriceFeed) runConnection(ctx, connCtx context.Context) error {
	symbols := make([]string, 0, len(f.symbols))
	for sym := range f.symbols {
		symbols = append(symbols, sym)
	}

	client := binance.NewWSClient(f.wsURL, symbols)
	defer client.Close()

	client.OnTick(func(tick binance.Tick) {
		f.handleTick(ctx, tick)
	})

	if err := client.Connect(connCtx); err != nil {
		return err
	}
	f.logger.Info("price stream subscribed", slog.Int("symbols", len(symbols)))

	<-ctx.Done()
	return ctx.Err()
}

// handleTick stores the display price and publishes a tick event.
func (f *PriceFeed) handleTick(ctx context.Context, tick binance.Tick) {
	assetID, ok := f.symbols[strings.ToLower(tick.Symbol)]
	if !ok {
		return
	}

	if f.cache != nil {
		if err := f.cache.SetPrice(ctx, assetID, tick.Price, tick.EventTime); err != nil {
			f.logger.WarnContext(ctx, "display price cache write failed",
				slog.String("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}

	if f.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":     "price_tick",
			"asset_id":  assetID,
			"price":     tick.Price.String(),
			"timestamp": tick.EventTime.Format(time.RFC3339Nano),
		})
		if err := f.bus.Publish(ctx, "prices", evt); err != nil {
			f.logger.WarnContext(ctx, "publish price tick failed",
				slog.String("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close stops the feed.
func (f *PriceFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
