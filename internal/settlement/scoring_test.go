package settlement

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultScorer() *Scorer {
	return NewScorer(ScoringParams{
		ParticipationBase: 10,
		WinBonus:          100,
		StakeCoefficient:  1.0,
		PayoutCoefficient: 2.0,
		EfficiencyCap:     5.0,
		PotBonusPer100:    1.0,
		LoserFraction:     0.25,
		LoserFloor:        1.0,
	})
}

func TestScoreWinnerComponents(t *testing.T) {
	s := defaultScorer()

	// base 10 + sqrt(100) stake + pot 200/100 + win 100 + 2*sqrt(250) payout
	// + efficiency 250/100=2.5.
	got := s.Score(true, 100, 250, 200)
	want := 10 + math.Sqrt(100) + 2.0 + 100 + 2.0*math.Sqrt(250) + 2.5
	assert.InDelta(t, want, got, 1e-9)
}

func TestScoreEfficiencyIsCapped(t *testing.T) {
	s := defaultScorer()

	// A 1-unit stake returning 1000 would have efficiency 1000; the cap
	// holds it at 5.
	capped := s.Score(true, 1, 1000, 1000)
	want := 10 + 1.0 + 10.0 + 100 + 2.0*math.Sqrt(1000) + 5.0
	assert.InDelta(t, want, capped, 1e-9)
}

func TestScoreLoserFraction(t *testing.T) {
	s := defaultScorer()

	// Losers keep a quarter of the participation terms and never see the
	// win bonus or payout terms.
	got := s.Score(false, 100, 0, 200)
	want := (10 + math.Sqrt(100) + 2.0) * 0.25
	assert.InDelta(t, want, got, 1e-9)

	winner := s.Score(true, 100, 0, 200)
	assert.Greater(t, winner, got)
}

func TestScoreLoserFloor(t *testing.T) {
	// With a tiny base the loser fraction would drop below the floor.
	s := NewScorer(ScoringParams{
		ParticipationBase: 1,
		LoserFraction:     0.25,
		LoserFloor:        1.0,
	})
	got := s.Score(false, 0, 0, 0)
	assert.Equal(t, 1.0, got)
}

func TestScoreZeroStake(t *testing.T) {
	s := defaultScorer()

	// Degenerate inputs must not divide by zero or go NaN.
	got := s.Score(true, 0, 50, 100)
	assert.False(t, math.IsNaN(got))
	assert.False(t, math.IsInf(got, 0))
	// base 10 + pot 1 + win 100 + 2*sqrt(50); no stake or efficiency terms.
	want := 10 + 1.0 + 100 + 2.0*math.Sqrt(50)
	assert.InDelta(t, want, got, 1e-9)
}

func TestScoreMonotonicInStake(t *testing.T) {
	s := defaultScorer()
	small := s.Score(true, 10, 100, 500)
	large := s.Score(true, 1000, 100, 500)
	assert.Greater(t, large, small)
}
