package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// ResultStore implements domain.ResultStore using PostgreSQL.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a new ResultStore backed by the given pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// UpsertResult stores one wallet's outcome for a race. The (race, wallet,
// currency) primary key makes re-settlement overwrite rather than duplicate.
func (s *ResultStore) UpsertResult(ctx context.Context, res domain.UserResult) error {
	const query = `
		INSERT INTO user_results (
			race_id, wallet, currency, staked, paid_out, won, score, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (race_id, wallet, currency) DO UPDATE SET
			staked = EXCLUDED.staked,
			paid_out = EXCLUDED.paid_out,
			won = EXCLUDED.won,
			score = EXCLUDED.score`

	_, err := s.pool.Exec(ctx, query,
		res.RaceID, res.Wallet, res.Currency, res.Staked.String(),
		res.PaidOut.String(), res.Won, res.Score, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert result %s/%s: %w", res.RaceID, res.Wallet, err)
	}
	return nil
}

// ListResultsByRace returns every wallet result recorded for a race.
func (s *ResultStore) ListResultsByRace(ctx context.Context, raceID string) ([]domain.UserResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT race_id, wallet, currency, staked::text, paid_out::text, won, score, created_at
		 FROM user_results WHERE race_id = $1 ORDER BY wallet ASC`,
		raceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list results for %s: %w", raceID, err)
	}
	defer rows.Close()

	var results []domain.UserResult
	for rows.Next() {
		var (
			r               domain.UserResult
			staked, paidOut string
		)
		if err := rows.Scan(&r.RaceID, &r.Wallet, &r.Currency, &staked, &paidOut, &r.Won, &r.Score, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan result: %w", err)
		}
		if r.Staked, err = decimal.NewFromString(staked); err != nil {
			return nil, fmt.Errorf("postgres: parse staked: %w", err)
		}
		if r.PaidOut, err = decimal.NewFromString(paidOut); err != nil {
			return nil, fmt.Errorf("postgres: parse paid_out: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list results rows: %w", err)
	}
	return results, nil
}

// GetStats returns a wallet's running aggregate, or domain.ErrNotFound.
func (s *ResultStore) GetStats(ctx context.Context, wallet string) (domain.UserStats, error) {
	var (
		st                    domain.UserStats
		totalStaked, totalWon string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT wallet, races_played, wins, total_staked::text, total_won::text, total_score, updated_at
		 FROM user_stats WHERE wallet = $1`, wallet).
		Scan(&st.Wallet, &st.RacesPlayed, &st.Wins, &totalStaked, &totalWon, &st.TotalScore, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserStats{}, domain.ErrNotFound
		}
		return domain.UserStats{}, fmt.Errorf("postgres: get stats %s: %w", wallet, err)
	}
	if st.TotalStaked, err = decimal.NewFromString(totalStaked); err != nil {
		return domain.UserStats{}, fmt.Errorf("postgres: parse total_staked: %w", err)
	}
	if st.TotalWon, err = decimal.NewFromString(totalWon); err != nil {
		return domain.UserStats{}, fmt.Errorf("postgres: parse total_won: %w", err)
	}
	return st, nil
}

// UpsertStats stores a wallet's running aggregate as a full overwrite.
func (s *ResultStore) UpsertStats(ctx context.Context, stats domain.UserStats) error {
	const query = `
		INSERT INTO user_stats (
			wallet, races_played, wins, total_staked, total_won, total_score, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (wallet) DO UPDATE SET
			races_played = EXCLUDED.races_played,
			wins = EXCLUDED.wins,
			total_staked = EXCLUDED.total_staked,
			total_won = EXCLUDED.total_won,
			total_score = EXCLUDED.total_score,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		stats.Wallet, stats.RacesPlayed, stats.Wins,
		stats.TotalStaked.String(), stats.TotalWon.String(),
		stats.TotalScore, stats.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert stats %s: %w", stats.Wallet, err)
	}
	return nil
}

// ListTopStats returns the highest-scoring wallets for the leaderboard.
func (s *ResultStore) ListTopStats(ctx context.Context, limit int) ([]domain.UserStats, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT wallet, races_played, wins, total_staked::text, total_won::text, total_score, updated_at
		 FROM user_stats ORDER BY total_score DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list top stats: %w", err)
	}
	defer rows.Close()

	var out []domain.UserStats
	for rows.Next() {
		var (
			st                    domain.UserStats
			totalStaked, totalWon string
		)
		if err := rows.Scan(&st.Wallet, &st.RacesPlayed, &st.Wins, &totalStaked, &totalWon, &st.TotalScore, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan stats: %w", err)
		}
		if st.TotalStaked, err = decimal.NewFromString(totalStaked); err != nil {
			return nil, fmt.Errorf("postgres: parse total_staked: %w", err)
		}
		if st.TotalWon, err = decimal.NewFromString(totalWon); err != nil {
			return nil, fmt.Errorf("postgres: parse total_won: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list top stats rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.ResultStore = (*ResultStore)(nil)
