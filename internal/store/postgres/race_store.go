package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// RaceStore implements domain.RaceStore using PostgreSQL. Runners are stored
// as a JSONB document; the engine always reads and writes whole races.
type RaceStore struct {
	pool *pgxpool.Pool
}

// NewRaceStore creates a new RaceStore backed by the given connection pool.
func NewRaceStore(pool *pgxpool.Pool) *RaceStore {
	return &RaceStore{pool: pool}
}

const raceSelectCols = `id, start_at, status, runners, rake_bps, jackpot_eligible,
	jackpot_paid, winner_index, locked_at, in_progress_at, finals_at,
	settled_at, cancelled_at, created_at, updated_at`

func scanRaceRows(rows pgx.Rows) ([]domain.Race, error) {
	var races []domain.Race
	for rows.Next() {
		var (
			r               domain.Race
			runnersJSON     []byte
			jackpotPaidJSON []byte
			status          string
		)
		if err := rows.Scan(
			&r.ID, &r.StartAt, &status, &runnersJSON, &r.RakeBps,
			&r.JackpotEligible, &jackpotPaidJSON, &r.WinnerIndex,
			&r.LockedAt, &r.InProgressAt, &r.FinalsAt, &r.SettledAt,
			&r.CancelledAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		r.Status = domain.RaceStatus(status)

		if err := json.Unmarshal(runnersJSON, &r.Runners); err != nil {
			return nil, fmt.Errorf("unmarshal runners for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(jackpotPaidJSON, &r.JackpotPaid); err != nil {
			return nil, fmt.Errorf("unmarshal jackpot_paid for %s: %w", r.ID, err)
		}

		races = append(races, r)
	}
	return races, rows.Err()
}

// Get returns the race with the given ID, or domain.ErrNotFound.
func (s *RaceStore) Get(ctx context.Context, id string) (domain.Race, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+raceSelectCols+` FROM races WHERE id = $1`, id)
	if err != nil {
		return domain.Race{}, fmt.Errorf("postgres: get race %s: %w", id, err)
	}
	defer rows.Close()

	races, err := scanRaceRows(rows)
	if err != nil {
		return domain.Race{}, fmt.Errorf("postgres: scan race %s: %w", id, err)
	}
	if len(races) == 0 {
		return domain.Race{}, domain.ErrNotFound
	}
	return races[0], nil
}

// Put upserts a race record as a full overwrite.
func (s *RaceStore) Put(ctx context.Context, race domain.Race) error {
	runnersJSON, err := json.Marshal(race.Runners)
	if err != nil {
		return fmt.Errorf("postgres: marshal runners for %s: %w", race.ID, err)
	}
	jackpotPaid := race.JackpotPaid
	if jackpotPaid == nil {
		jackpotPaid = map[string]decimal.Decimal{}
	}
	jackpotPaidJSON, err := json.Marshal(jackpotPaid)
	if err != nil {
		return fmt.Errorf("postgres: marshal jackpot_paid for %s: %w", race.ID, err)
	}

	const query = `
		INSERT INTO races (
			id, start_at, status, runners, rake_bps, jackpot_eligible,
			jackpot_paid, winner_index, locked_at, in_progress_at,
			finals_at, settled_at, cancelled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		) ON CONFLICT (id) DO UPDATE SET
			start_at = EXCLUDED.start_at,
			status = EXCLUDED.status,
			runners = EXCLUDED.runners,
			rake_bps = EXCLUDED.rake_bps,
			jackpot_eligible = EXCLUDED.jackpot_eligible,
			jackpot_paid = EXCLUDED.jackpot_paid,
			winner_index = EXCLUDED.winner_index,
			locked_at = EXCLUDED.locked_at,
			in_progress_at = EXCLUDED.in_progress_at,
			finals_at = EXCLUDED.finals_at,
			settled_at = EXCLUDED.settled_at,
			cancelled_at = EXCLUDED.cancelled_at,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		race.ID, race.StartAt, string(race.Status), runnersJSON,
		race.RakeBps, race.JackpotEligible, jackpotPaidJSON,
		race.WinnerIndex, race.LockedAt, race.InProgressAt,
		race.FinalsAt, race.SettledAt, race.CancelledAt, race.CreatedAt,
		race.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put race %s: %w", race.ID, err)
	}
	return nil
}

// ListNonTerminal returns every race that has not reached a terminal state,
// ordered by start time.
func (s *RaceStore) ListNonTerminal(ctx context.Context) ([]domain.Race, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+raceSelectCols+` FROM races
		 WHERE status NOT IN ($1, $2)
		 ORDER BY start_at ASC`,
		string(domain.RaceSettled), string(domain.RaceCancelled))
	if err != nil {
		return nil, fmt.Errorf("postgres: list non-terminal races: %w", err)
	}
	defer rows.Close()

	races, err := scanRaceRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan non-terminal races: %w", err)
	}
	return races, nil
}

// ListSettledBefore returns settled races whose settled_at is strictly before
// the given time (for archiving).
func (s *RaceStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Race, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+raceSelectCols+` FROM races
		 WHERE status = $1 AND settled_at < $2
		 ORDER BY settled_at ASC`,
		string(domain.RaceSettled), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled races before: %w", err)
	}
	defer rows.Close()
	return scanRaceRows(rows)
}

// List returns races with pagination and optional time filtering on start_at.
func (s *RaceStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Race, error) {
	query := `SELECT ` + raceSelectCols + ` FROM races WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND start_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND start_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY start_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list races: %w", err)
	}
	defer rows.Close()

	races, err := scanRaceRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan races: %w", err)
	}
	return races, nil
}

// Compile-time interface check.
var _ domain.RaceStore = (*RaceStore)(nil)
