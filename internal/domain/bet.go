package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bet is one staked position on a runner. Bets are written by the external
// bet-acceptance layer while a race is open and are read-only afterwards; the
// engine only ever reads them during settlement.
type Bet struct {
	ID             string          `json:"id"`
	RaceID         string          `json:"race_id"`
	RunnerIndex    int             `json:"runner_index"`
	Wallet         string          `json:"wallet"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	FundingReceipt string          `json:"funding_receipt"`
	CreatedAt      time.Time       `json:"created_at"`
}
