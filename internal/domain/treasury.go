package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TreasuryState is the process-wide treasury singleton: the rolling jackpot
// balance per currency plus the maintenance flag. It is mutated only by the
// settlement engine (jackpot accrual and payout, under the treasury lock) and
// by the admin control plane (maintenance flag).
type TreasuryState struct {
	JackpotBalances map[string]decimal.Decimal `json:"jackpot_balances"`
	Maintenance     bool                       `json:"maintenance"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// NewTreasuryState returns an empty treasury state.
func NewTreasuryState() TreasuryState {
	return TreasuryState{JackpotBalances: map[string]decimal.Decimal{}}
}

// Jackpot returns the jackpot balance for a currency, zero if none accrued.
func (t *TreasuryState) Jackpot(currency string) decimal.Decimal {
	if t.JackpotBalances == nil {
		return decimal.Zero
	}
	if bal, ok := t.JackpotBalances[currency]; ok {
		return bal
	}
	return decimal.Zero
}

// AddJackpot accrues amount into the currency's jackpot balance.
func (t *TreasuryState) AddJackpot(currency string, amount decimal.Decimal) {
	if t.JackpotBalances == nil {
		t.JackpotBalances = map[string]decimal.Decimal{}
	}
	t.JackpotBalances[currency] = t.Jackpot(currency).Add(amount)
}

// DrainJackpot zeroes the currency's jackpot balance and returns what was
// drained.
func (t *TreasuryState) DrainJackpot(currency string) decimal.Decimal {
	bal := t.Jackpot(currency)
	if t.JackpotBalances == nil {
		t.JackpotBalances = map[string]decimal.Decimal{}
	}
	t.JackpotBalances[currency] = decimal.Zero
	return bal
}
