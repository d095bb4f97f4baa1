package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// PriceCache is an in-memory domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

type pricePoint struct {
	price decimal.Decimal
	ts    time.Time
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

func (c *PriceCache) SetPrice(_ context.Context, assetID string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[assetID] = pricePoint{price: price, ts: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, assetID string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[assetID]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

func (c *PriceCache) GetPrices(_ context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(assetIDs))
	for _, id := range assetIDs {
		if p, ok := c.prices[id]; ok {
			out[id] = p.price
		}
	}
	return out, nil
}

// RaceCache is an in-memory domain.RaceCache.
type RaceCache struct {
	mu    sync.RWMutex
	races map[string]domain.Race
}

func NewRaceCache() *RaceCache {
	return &RaceCache{races: make(map[string]domain.Race)}
}

func (c *RaceCache) Set(_ context.Context, race domain.Race) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.races[race.ID] = cloneRace(race)
	return nil
}

func (c *RaceCache) Get(_ context.Context, id string) (domain.Race, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	race, ok := c.races[id]
	if !ok {
		return domain.Race{}, domain.ErrNotFound
	}
	return cloneRace(race), nil
}

func (c *RaceCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.races, id)
	return nil
}

// LockManager is an in-memory domain.LockManager. TTLs are honoured so a
// crashed holder in a test cannot wedge the lock forever.
type LockManager struct {
	mu    sync.Mutex
	holds map[string]time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{holds: make(map[string]time.Time)}
}

func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deadline, held := m.holds[key]; held && time.Now().Before(deadline) {
		return nil, domain.ErrLockHeld
	}
	m.holds[key] = time.Now().Add(ttl)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.holds, key)
	}, nil
}

// SignalBus is an in-memory domain.SignalBus. Pattern subscriptions support a
// single trailing "*" wildcard, which covers what the engine publishes.
type SignalBus struct {
	mu   sync.Mutex
	subs []*memorySub
}

type memorySub struct {
	pattern string
	ch      chan []byte
}

func NewSignalBus() *SignalBus {
	return &SignalBus{}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !matchChannel(sub.pattern, channel) {
			continue
		}
		select {
		case sub.ch <- payload:
		default: // slow subscriber, drop
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := &memorySub{pattern: channel, ch: make(chan []byte, 128)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

func matchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(channel) >= len(prefix) && channel[:len(prefix)] == prefix
	}
	return false
}

// Compile-time interface checks.
var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.RaceCache   = (*RaceCache)(nil)
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
)
