package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferKind classifies an outbound settlement payment.
type TransferKind string

const (
	TransferPayout TransferKind = "payout"
	TransferRake   TransferKind = "rake"
	TransferRefund TransferKind = "refund"
)

// TransferStatus is the outcome state of a settlement transfer.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferSuccess TransferStatus = "success"
	TransferFailed  TransferStatus = "failed"
)

// SettlementTransfer is one outbound payment record. Rows are append-only and
// double as the idempotency guard: a (race, recipient, kind, currency)
// combination that already reached success is never paid again.
type SettlementTransfer struct {
	ID          string          `json:"id"`
	RaceID      string          `json:"race_id"`
	Recipient   string          `json:"recipient"`
	Kind        TransferKind    `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      TransferStatus  `json:"status"`
	ReceiptID   string          `json:"receipt_id,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UserResult is the per-wallet outcome of a settled race, produced exactly
// once by the settlement engine.
type UserResult struct {
	Wallet   string          `json:"wallet"`
	RaceID   string          `json:"race_id"`
	Staked   decimal.Decimal `json:"staked"`
	PaidOut  decimal.Decimal `json:"paid_out"`
	Currency string          `json:"currency"`
	Won      bool            `json:"won"`
	Score    float64         `json:"score"`

	CreatedAt time.Time `json:"created_at"`
}

// UserStats is the running per-wallet aggregate folded from UserResults.
type UserStats struct {
	Wallet      string          `json:"wallet"`
	RacesPlayed int64           `json:"races_played"`
	Wins        int64           `json:"wins"`
	TotalStaked decimal.Decimal `json:"total_staked"`
	TotalWon    decimal.Decimal `json:"total_won"`
	TotalScore  float64         `json:"total_score"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CurrencyTotals summarises one currency's settlement inside a report.
type CurrencyTotals struct {
	Currency       string          `json:"currency"`
	TotalPot       decimal.Decimal `json:"total_pot"`
	Rake           decimal.Decimal `json:"rake"`
	TreasuryShare  decimal.Decimal `json:"treasury_share"`
	JackpotAccrued decimal.Decimal `json:"jackpot_accrued"`
	JackpotPaid    decimal.Decimal `json:"jackpot_paid"`
	PrizePool      decimal.Decimal `json:"prize_pool"`
	PaidOut        decimal.Decimal `json:"paid_out"`
	Dust           decimal.Decimal `json:"dust"`
}

// SettlementReport is the result of one settle or refund pass over a race.
type SettlementReport struct {
	RaceID      string             `json:"race_id"`
	Refunded    bool               `json:"refunded"`
	WinnerIndex *int               `json:"winner_index,omitempty"`
	Currencies  []CurrencyTotals   `json:"currencies"`
	Transfers   []SettlementTransfer `json:"transfers"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	Skipped     int                `json:"skipped"`
	CompletedAt time.Time          `json:"completed_at"`
}
