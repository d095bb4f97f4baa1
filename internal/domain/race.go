// Package domain defines the core types of the race engine (races, runners,
// bets, settlement records, treasury state) together with the narrow
// interfaces the engine depends on: stores, caches, the price source, and the
// transfer executor. Concrete implementations live in internal/store,
// internal/cache, internal/pricing, and internal/transfer.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RaceStatus is the lifecycle state of a race.
type RaceStatus string

const (
	RaceOpen       RaceStatus = "open"
	RaceLocked     RaceStatus = "locked"
	RaceInProgress RaceStatus = "in_progress"
	RaceSettled    RaceStatus = "settled"
	RaceCancelled  RaceStatus = "cancelled"
)

// allowedTransitions is the directed transition graph. There are no
// back-edges; the only edge into a terminal state from multiple sources is
// cancellation.
var allowedTransitions = map[RaceStatus][]RaceStatus{
	RaceOpen:       {RaceLocked, RaceCancelled},
	RaceLocked:     {RaceInProgress, RaceCancelled},
	RaceInProgress: {RaceSettled, RaceCancelled},
	RaceSettled:    {},
	RaceCancelled:  {},
}

// ValidStatus reports whether s is one of the five known race statuses.
func ValidStatus(s RaceStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the edge from -> to exists in the transition
// graph. A self-edge is never in the graph; idempotent re-application is
// handled by the state machine, not here.
func CanTransition(from, to RaceStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s RaceStatus) Terminal() bool {
	return s == RaceSettled || s == RaceCancelled
}

// Live reports whether s counts against the single-live-race invariant.
func (s RaceStatus) Live() bool {
	return s == RaceLocked || s == RaceInProgress
}

// Runner is one competing asset inside a race. Baseline fields are nil until
// the race locks; a runner whose baseline could not be captured stays nil and
// is excluded from winner eligibility for the rest of the race.
type Runner struct {
	AssetID            string           `json:"asset_id"`
	Symbol             string           `json:"symbol"`
	Name               string           `json:"name"`
	BaselinePrice      *decimal.Decimal `json:"baseline_price,omitempty"`
	BaselineCapturedAt *time.Time       `json:"baseline_captured_at,omitempty"`
	FinalPrice         *decimal.Decimal `json:"final_price,omitempty"`
}

// HasBaseline reports whether the runner captured a usable baseline at lock
// time. A zero baseline is unusable because percentage change divides by it.
func (r Runner) HasBaseline() bool {
	return r.BaselinePrice != nil && r.BaselinePrice.IsPositive()
}

// Change returns the runner's percentage price change (final-baseline)/baseline
// and whether both prices were available.
func (r Runner) Change() (decimal.Decimal, bool) {
	if !r.HasBaseline() || r.FinalPrice == nil {
		return decimal.Zero, false
	}
	return r.FinalPrice.Sub(*r.BaselinePrice).Div(*r.BaselinePrice), true
}

// Race is one instance of the timed contest. Races are created externally in
// the open state and mutated only by the state machine; they are never
// deleted, only driven to a terminal state.
type Race struct {
	ID              string     `json:"id"`
	StartAt         time.Time  `json:"start_at"`
	Status          RaceStatus `json:"status"`
	Runners         []Runner   `json:"runners"`
	RakeBps         int64      `json:"rake_bps"`
	JackpotEligible bool       `json:"jackpot_eligible"`
	// JackpotPaid records, per currency, how much jackpot this race absorbed
	// into its prize pool on the first settlement pass. Re-settlement
	// reconstructs the pool from it instead of draining the jackpot again.
	JackpotPaid map[string]decimal.Decimal `json:"jackpot_paid,omitempty"`
	WinnerIndex *int                       `json:"winner_index,omitempty"`

	LockedAt     *time.Time `json:"locked_at,omitempty"`
	InProgressAt *time.Time `json:"in_progress_at,omitempty"`
	// FinalsAt marks the moment final prices and the winner were frozen in
	// this record, written before any settlement money moves. A settle retry
	// reuses the frozen prices instead of re-fetching.
	FinalsAt    *time.Time `json:"finals_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the race has reached a final state.
func (r *Race) Terminal() bool { return r.Status.Terminal() }

// Live reports whether the race currently holds the live slot.
func (r *Race) Live() bool { return r.Status.Live() }

// TransitionTimestamp returns the recorded timestamp for the given status, or
// nil if that transition was never taken.
func (r *Race) TransitionTimestamp(s RaceStatus) *time.Time {
	switch s {
	case RaceLocked:
		return r.LockedAt
	case RaceInProgress:
		return r.InProgressAt
	case RaceSettled:
		return r.SettledAt
	case RaceCancelled:
		return r.CancelledAt
	default:
		return nil
	}
}
