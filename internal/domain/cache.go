package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache stores the latest observed display price per asset.
type PriceCache interface {
	SetPrice(ctx context.Context, assetID string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, assetID string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
}

// RaceCache is a read-through cache of race records in front of the RaceStore.
type RaceCache interface {
	Set(ctx context.Context, race Race) error
	Get(ctx context.Context, id string) (Race, error)
	Invalidate(ctx context.Context, id string) error
}

// LockManager provides distributed mutual exclusion. The engine uses it for
// the single-live-race critical section and for jackpot mutation.
type LockManager interface {
	// Acquire obtains the named lock with the given TTL. It returns an unlock
	// function on success or ErrLockHeld when another party holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter enforces a sliding request budget per caller key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus publishes engine events (transitions, settlements, price ticks)
// for out-of-process consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads for the given channel (glob
	// patterns allowed). The channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
