package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// TreasuryStore implements domain.TreasuryStore using PostgreSQL. The
// treasury is a singleton row; jackpot balances are a JSONB map of currency
// to decimal string.
type TreasuryStore struct {
	pool *pgxpool.Pool
}

// NewTreasuryStore creates a new TreasuryStore backed by the given pool.
func NewTreasuryStore(pool *pgxpool.Pool) *TreasuryStore {
	return &TreasuryStore{pool: pool}
}

// Get returns the treasury state. A missing row is treated as the empty
// state, so a fresh database starts with zero jackpot and maintenance off.
func (s *TreasuryStore) Get(ctx context.Context) (domain.TreasuryState, error) {
	var (
		balancesJSON []byte
		state        = domain.NewTreasuryState()
	)
	err := s.pool.QueryRow(ctx,
		`SELECT jackpot_balances, maintenance, updated_at FROM treasury WHERE id = 1`).
		Scan(&balancesJSON, &state.Maintenance, &state.UpdatedAt)
	if err != nil {
		return domain.TreasuryState{}, fmt.Errorf("postgres: get treasury: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(balancesJSON, &raw); err != nil {
		return domain.TreasuryState{}, fmt.Errorf("postgres: unmarshal jackpot balances: %w", err)
	}
	for currency, v := range raw {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return domain.TreasuryState{}, fmt.Errorf("postgres: parse jackpot balance %s: %w", currency, err)
		}
		state.JackpotBalances[currency] = amount
	}
	return state, nil
}

// Put overwrites the treasury state. Callers serialise through the treasury
// lock; the store itself does no compare-and-swap.
func (s *TreasuryStore) Put(ctx context.Context, state domain.TreasuryState) error {
	raw := make(map[string]string, len(state.JackpotBalances))
	for currency, amount := range state.JackpotBalances {
		raw[currency] = amount.String()
	}
	balancesJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("postgres: marshal jackpot balances: %w", err)
	}

	const query = `
		INSERT INTO treasury (id, jackpot_balances, maintenance, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			jackpot_balances = EXCLUDED.jackpot_balances,
			maintenance = EXCLUDED.maintenance,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, query, balancesJSON, state.Maintenance, state.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: put treasury: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TreasuryStore = (*TreasuryStore)(nil)
