package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RaceStore persists races. Put is a full overwrite at race granularity; the
// engine always reads a full race, mutates in memory, and writes it back.
type RaceStore interface {
	Get(ctx context.Context, id string) (Race, error)
	Put(ctx context.Context, race Race) error
	ListNonTerminal(ctx context.Context) ([]Race, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]Race, error)
	List(ctx context.Context, opts ListOpts) ([]Race, error)
}

// BetStore persists bets. The engine only reads; Append exists for the
// external bet-acceptance layer and for tests.
type BetStore interface {
	Append(ctx context.Context, bet Bet) error
	ListByRace(ctx context.Context, raceID string) ([]Bet, error)
}

// TransferStore persists the append-only settlement transfer ledger.
type TransferStore interface {
	Append(ctx context.Context, tr SettlementTransfer) error
	UpdateStatus(ctx context.Context, id string, status TransferStatus, receiptID, errorDetail string) error
	// Find returns the transfer for the (race, recipient, kind, currency)
	// idempotency key, or ErrNotFound. Currency is part of the key so a
	// wallet staking in two currencies gets two independent ledger rows.
	Find(ctx context.Context, raceID, recipient string, kind TransferKind, currency string) (SettlementTransfer, error)
	ListByRace(ctx context.Context, raceID string) ([]SettlementTransfer, error)
	ListFailed(ctx context.Context, limit int) ([]SettlementTransfer, error)
	ListBefore(ctx context.Context, before time.Time) ([]SettlementTransfer, error)
}

// ResultStore persists per-race user results and the per-wallet aggregates.
type ResultStore interface {
	UpsertResult(ctx context.Context, res UserResult) error
	ListResultsByRace(ctx context.Context, raceID string) ([]UserResult, error)
	GetStats(ctx context.Context, wallet string) (UserStats, error)
	UpsertStats(ctx context.Context, stats UserStats) error
	ListTopStats(ctx context.Context, limit int) ([]UserStats, error)
}

// TreasuryStore persists the treasury singleton.
type TreasuryStore interface {
	Get(ctx context.Context) (TreasuryState, error)
	Put(ctx context.Context, state TreasuryState) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of transitions and settlement
// actions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
