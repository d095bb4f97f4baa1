package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL. Bets are append-only;
// nothing in the engine ever mutates one.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

const betSelectCols = `id, race_id, runner_index, wallet, amount::text, currency,
	funding_receipt, created_at`

func scanBetRows(rows pgx.Rows) ([]domain.Bet, error) {
	var bets []domain.Bet
	for rows.Next() {
		var (
			b      domain.Bet
			amount string
		)
		if err := rows.Scan(
			&b.ID, &b.RaceID, &b.RunnerIndex, &b.Wallet, &amount,
			&b.Currency, &b.FundingReceipt, &b.CreatedAt,
		); err != nil {
			return nil, err
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount for bet %s: %w", b.ID, err)
		}
		b.Amount = amt
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// Append inserts a bet. Duplicate IDs fail with domain.ErrAlreadyExists via
// the primary key.
func (s *BetStore) Append(ctx context.Context, bet domain.Bet) error {
	const query = `
		INSERT INTO bets (
			id, race_id, runner_index, wallet, amount, currency,
			funding_receipt, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		bet.ID, bet.RaceID, bet.RunnerIndex, bet.Wallet,
		bet.Amount.String(), bet.Currency, bet.FundingReceipt, bet.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append bet %s: %w", bet.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: bet %s: %w", bet.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// ListByRace returns every bet placed on a race, in placement order.
func (s *BetStore) ListByRace(ctx context.Context, raceID string) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betSelectCols+` FROM bets WHERE race_id = $1 ORDER BY created_at ASC, id ASC`,
		raceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for %s: %w", raceID, err)
	}
	defer rows.Close()

	bets, err := scanBetRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bets for %s: %w", raceID, err)
	}
	return bets, nil
}

// Compile-time interface check.
var _ domain.BetStore = (*BetStore)(nil)
