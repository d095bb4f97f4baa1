package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// ScoringParams tune the per-race performance score. Square roots damp the
// stake and payout terms so whales do not dominate the leaderboard linearly.
type ScoringParams struct {
	// ParticipationBase is awarded to every staker in a settled race.
	ParticipationBase float64
	// WinBonus is added for backing the winning runner.
	WinBonus float64
	// StakeCoefficient scales the sqrt(stake) term.
	StakeCoefficient float64
	// PayoutCoefficient scales the winner-only sqrt(payout) term.
	PayoutCoefficient float64
	// EfficiencyCap bounds the payout/stake ratio term.
	EfficiencyCap float64
	// PotBonusPer100 is added per 100 units of total pot.
	PotBonusPer100 float64
	// LoserFraction scales a losing staker's score down.
	LoserFraction float64
	// LoserFloor is the minimum score a losing staker keeps.
	LoserFloor float64
}

// Scorer computes the per-wallet performance score for one settled race.
type Scorer struct {
	params ScoringParams
}

func NewScorer(params ScoringParams) *Scorer {
	return &Scorer{params: params}
}

// Score computes one wallet's score for one race. stake, payout, and pot are
// in the race currency's units.
func (s *Scorer) Score(won bool, stake, payout, pot float64) float64 {
	score := s.params.ParticipationBase
	if stake > 0 {
		score += s.params.StakeCoefficient * math.Sqrt(stake)
	}
	score += s.params.PotBonusPer100 * pot / 100

	if won {
		score += s.params.WinBonus
		if payout > 0 {
			score += s.params.PayoutCoefficient * math.Sqrt(payout)
		}
		if stake > 0 {
			efficiency := payout / stake
			if efficiency > s.params.EfficiencyCap {
				efficiency = s.params.EfficiencyCap
			}
			score += efficiency
		}
		return score
	}

	score *= s.params.LoserFraction
	if score < s.params.LoserFloor {
		score = s.params.LoserFloor
	}
	return score
}

// scoreParticipants writes one UserResult per (wallet, currency) and folds it
// into the wallet's running stats. Wallets that already have a result for this
// race are skipped, so re-settlement never double-counts a race in the stats.
// Scoring failures are logged and contained; the settlement money flow is
// already committed by the time scoring runs.
func (e *Engine) scoreParticipants(ctx context.Context, race domain.Race, bets []domain.Bet, winner int, report *domain.SettlementReport) error {
	if e.scorer == nil || e.results == nil {
		return nil
	}

	existing, err := e.results.ListResultsByRace(ctx, race.ID)
	if err != nil {
		return &domain.RepositoryError{Op: "list results for " + race.ID, Err: err}
	}
	scored := map[string]bool{}
	for _, r := range existing {
		scored[r.Wallet+"/"+r.Currency] = true
	}

	// Ledger payout amounts per wallet and currency, counting failed rows
	// too: the amount is committed even while delivery is being retried.
	payouts := map[string]decimal.Decimal{}
	for _, tr := range report.Transfers {
		if tr.Kind == domain.TransferPayout {
			payouts[tr.Recipient+"/"+tr.Currency] = payouts[tr.Recipient+"/"+tr.Currency].Add(tr.Amount)
		}
	}

	pots := map[string]decimal.Decimal{}
	for _, c := range report.Currencies {
		pots[c.Currency] = c.TotalPot
	}

	type entry struct {
		wallet, currency string
		staked           decimal.Decimal
		won              bool
	}
	entries := map[string]*entry{}
	var order []string
	for _, b := range bets {
		key := b.Wallet + "/" + b.Currency
		en, ok := entries[key]
		if !ok {
			en = &entry{wallet: b.Wallet, currency: b.Currency}
			entries[key] = en
			order = append(order, key)
		}
		en.staked = en.staked.Add(b.Amount)
		if b.RunnerIndex == winner {
			en.won = true
		}
	}

	now := time.Now().UTC()
	for _, key := range order {
		if scored[key] {
			continue
		}
		en := entries[key]
		paidOut := payouts[key]
		score := e.scorer.Score(
			en.won,
			en.staked.InexactFloat64(),
			paidOut.InexactFloat64(),
			pots[en.currency].InexactFloat64(),
		)

		result := domain.UserResult{
			Wallet:    en.wallet,
			RaceID:    race.ID,
			Staked:    en.staked,
			PaidOut:   paidOut,
			Currency:  en.currency,
			Won:       en.won,
			Score:     score,
			CreatedAt: now,
		}
		if err := e.results.UpsertResult(ctx, result); err != nil {
			e.logger.WarnContext(ctx, "upsert result failed",
				slog.String("wallet", en.wallet),
				slog.String("race_id", race.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.foldStats(ctx, result)
	}
	return nil
}

// foldStats merges one result into the wallet's running aggregate.
func (e *Engine) foldStats(ctx context.Context, result domain.UserResult) {
	stats, err := e.results.GetStats(ctx, result.Wallet)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "get stats failed",
				slog.String("wallet", result.Wallet),
				slog.String("error", err.Error()),
			)
			return
		}
		stats = domain.UserStats{Wallet: result.Wallet}
	}

	stats.RacesPlayed++
	if result.Won {
		stats.Wins++
	}
	stats.TotalStaked = stats.TotalStaked.Add(result.Staked)
	stats.TotalWon = stats.TotalWon.Add(result.PaidOut)
	stats.TotalScore += result.Score
	stats.UpdatedAt = time.Now().UTC()

	if err := e.results.UpsertStats(ctx, stats); err != nil {
		e.logger.WarnContext(ctx, "upsert stats failed",
			slog.String("wallet", result.Wallet),
			slog.String("error", err.Error()),
		)
	}
}
