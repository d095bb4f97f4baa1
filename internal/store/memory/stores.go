// Package memory provides in-memory implementations of the domain store
// interfaces. They back unit tests and local development; everything is
// guarded by a single mutex per store and safe for concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// RaceStore is an in-memory domain.RaceStore.
type RaceStore struct {
	mu    sync.RWMutex
	races map[string]domain.Race
}

func NewRaceStore() *RaceStore {
	return &RaceStore{races: make(map[string]domain.Race)}
}

func (s *RaceStore) Get(_ context.Context, id string) (domain.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	race, ok := s.races[id]
	if !ok {
		return domain.Race{}, domain.ErrNotFound
	}
	return cloneRace(race), nil
}

func (s *RaceStore) Put(_ context.Context, race domain.Race) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.races[race.ID] = cloneRace(race)
	return nil
}

func (s *RaceStore) ListNonTerminal(_ context.Context) ([]domain.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Race
	for _, r := range s.races {
		if !r.Status.Terminal() {
			out = append(out, cloneRace(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *RaceStore) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Race
	for _, r := range s.races {
		if r.Status == domain.RaceSettled && r.SettledAt != nil && r.SettledAt.Before(before) {
			out = append(out, cloneRace(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(*out[j].SettledAt) })
	return out, nil
}

func (s *RaceStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Race
	for _, r := range s.races {
		if opts.Since != nil && r.StartAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.StartAt.After(*opts.Until) {
			continue
		}
		out = append(out, cloneRace(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	return paginate(out, opts), nil
}

func cloneRace(r domain.Race) domain.Race {
	out := r
	out.Runners = make([]domain.Runner, len(r.Runners))
	copy(out.Runners, r.Runners)
	if r.JackpotPaid != nil {
		out.JackpotPaid = make(map[string]decimal.Decimal, len(r.JackpotPaid))
		for currency, amount := range r.JackpotPaid {
			out.JackpotPaid[currency] = amount
		}
	}
	return out
}

// BetStore is an in-memory domain.BetStore.
type BetStore struct {
	mu   sync.RWMutex
	bets map[string][]domain.Bet // race ID -> bets in placement order
	ids  map[string]bool
}

func NewBetStore() *BetStore {
	return &BetStore{
		bets: make(map[string][]domain.Bet),
		ids:  make(map[string]bool),
	}
}

func (s *BetStore) Append(_ context.Context, bet domain.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[bet.ID] {
		return domain.ErrAlreadyExists
	}
	s.ids[bet.ID] = true
	s.bets[bet.RaceID] = append(s.bets[bet.RaceID], bet)
	return nil
}

func (s *BetStore) ListByRace(_ context.Context, raceID string) ([]domain.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Bet, len(s.bets[raceID]))
	copy(out, s.bets[raceID])
	return out, nil
}

// TransferStore is an in-memory domain.TransferStore enforcing the same
// (race, recipient, kind, currency) idempotency key as the PostgreSQL store.
type TransferStore struct {
	mu        sync.RWMutex
	transfers []domain.SettlementTransfer
	byID      map[string]int
	byKey     map[string]int
}

func NewTransferStore() *TransferStore {
	return &TransferStore{
		byID:  make(map[string]int),
		byKey: make(map[string]int),
	}
}

func transferKey(raceID, recipient string, kind domain.TransferKind, currency string) string {
	return raceID + "|" + recipient + "|" + string(kind) + "|" + currency
}

func (s *TransferStore) Append(_ context.Context, tr domain.SettlementTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := transferKey(tr.RaceID, tr.Recipient, tr.Kind, tr.Currency)
	if _, exists := s.byKey[key]; exists {
		return domain.ErrAlreadyExists
	}
	s.byID[tr.ID] = len(s.transfers)
	s.byKey[key] = len(s.transfers)
	s.transfers = append(s.transfers, tr)
	return nil
}

func (s *TransferStore) UpdateStatus(_ context.Context, id string, status domain.TransferStatus, receiptID, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.transfers[idx].Status = status
	s.transfers[idx].ReceiptID = receiptID
	s.transfers[idx].ErrorDetail = errorDetail
	s.transfers[idx].UpdatedAt = time.Now().UTC()
	return nil
}

func (s *TransferStore) Find(_ context.Context, raceID, recipient string, kind domain.TransferKind, currency string) (domain.SettlementTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byKey[transferKey(raceID, recipient, kind, currency)]
	if !ok {
		return domain.SettlementTransfer{}, domain.ErrNotFound
	}
	return s.transfers[idx], nil
}

func (s *TransferStore) ListByRace(_ context.Context, raceID string) ([]domain.SettlementTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SettlementTransfer
	for _, tr := range s.transfers {
		if tr.RaceID == raceID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *TransferStore) ListFailed(_ context.Context, limit int) ([]domain.SettlementTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SettlementTransfer
	for _, tr := range s.transfers {
		if tr.Status == domain.TransferFailed {
			out = append(out, tr)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *TransferStore) ListBefore(_ context.Context, before time.Time) ([]domain.SettlementTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SettlementTransfer
	for _, tr := range s.transfers {
		if tr.CreatedAt.Before(before) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// ResultStore is an in-memory domain.ResultStore.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]domain.UserResult // race|wallet|currency
	stats   map[string]domain.UserStats
}

func NewResultStore() *ResultStore {
	return &ResultStore{
		results: make(map[string]domain.UserResult),
		stats:   make(map[string]domain.UserStats),
	}
}

func resultKey(raceID, wallet, currency string) string {
	return raceID + "|" + wallet + "|" + currency
}

func (s *ResultStore) UpsertResult(_ context.Context, res domain.UserResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[resultKey(res.RaceID, res.Wallet, res.Currency)] = res
	return nil
}

func (s *ResultStore) ListResultsByRace(_ context.Context, raceID string) ([]domain.UserResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UserResult
	for _, r := range s.results {
		if r.RaceID == raceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out, nil
}

func (s *ResultStore) GetStats(_ context.Context, wallet string) (domain.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[wallet]
	if !ok {
		return domain.UserStats{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *ResultStore) UpsertStats(_ context.Context, stats domain.UserStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[stats.Wallet] = stats
	return nil
}

func (s *ResultStore) ListTopStats(_ context.Context, limit int) ([]domain.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalScore > out[j].TotalScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TreasuryStore is an in-memory domain.TreasuryStore.
type TreasuryStore struct {
	mu    sync.RWMutex
	state domain.TreasuryState
}

func NewTreasuryStore() *TreasuryStore {
	return &TreasuryStore{state: domain.NewTreasuryState()}
}

func (s *TreasuryStore) Get(_ context.Context) (domain.TreasuryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTreasury(s.state), nil
}

func (s *TreasuryStore) Put(_ context.Context, state domain.TreasuryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneTreasury(state)
	return nil
}

func cloneTreasury(t domain.TreasuryState) domain.TreasuryState {
	out := t
	out.JackpotBalances = make(map[string]decimal.Decimal, len(t.JackpotBalances))
	for currency, amount := range t.JackpotBalances {
		out.JackpotBalances[currency] = amount
	}
	return out
}

// AuditStore is an in-memory domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

func (s *AuditStore) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.RaceStore     = (*RaceStore)(nil)
	_ domain.BetStore      = (*BetStore)(nil)
	_ domain.TransferStore = (*TransferStore)(nil)
	_ domain.ResultStore   = (*ResultStore)(nil)
	_ domain.TreasuryStore = (*TreasuryStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)
