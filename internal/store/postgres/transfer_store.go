package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// TransferStore implements domain.TransferStore using PostgreSQL. The unique
// (race_id, recipient, kind, currency) index enforces the settlement
// idempotency key at the storage level.
type TransferStore struct {
	pool *pgxpool.Pool
}

// NewTransferStore creates a new TransferStore backed by the given pool.
func NewTransferStore(pool *pgxpool.Pool) *TransferStore {
	return &TransferStore{pool: pool}
}

const transferSelectCols = `id, race_id, recipient, kind, amount::text, currency,
	status, receipt_id, error_detail, created_at, updated_at`

func scanTransferRows(rows pgx.Rows) ([]domain.SettlementTransfer, error) {
	var transfers []domain.SettlementTransfer
	for rows.Next() {
		var (
			tr           domain.SettlementTransfer
			amount       string
			kind, status string
		)
		if err := rows.Scan(
			&tr.ID, &tr.RaceID, &tr.Recipient, &kind, &amount, &tr.Currency,
			&status, &tr.ReceiptID, &tr.ErrorDetail, &tr.CreatedAt, &tr.UpdatedAt,
		); err != nil {
			return nil, err
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount for transfer %s: %w", tr.ID, err)
		}
		tr.Amount = amt
		tr.Kind = domain.TransferKind(kind)
		tr.Status = domain.TransferStatus(status)
		transfers = append(transfers, tr)
	}
	return transfers, rows.Err()
}

// Append inserts a transfer row. A second row for the same idempotency key
// fails with domain.ErrAlreadyExists.
func (s *TransferStore) Append(ctx context.Context, tr domain.SettlementTransfer) error {
	const query = `
		INSERT INTO settlement_transfers (
			id, race_id, recipient, kind, amount, currency,
			status, receipt_id, error_detail, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (race_id, recipient, kind, currency) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		tr.ID, tr.RaceID, tr.Recipient, string(tr.Kind), tr.Amount.String(),
		tr.Currency, string(tr.Status), tr.ReceiptID, tr.ErrorDetail,
		tr.CreatedAt, tr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append transfer %s: %w", tr.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: transfer %s/%s/%s/%s: %w",
			tr.RaceID, tr.Recipient, tr.Kind, tr.Currency, domain.ErrAlreadyExists)
	}
	return nil
}

// UpdateStatus transitions a transfer row's status and delivery metadata.
func (s *TransferStore) UpdateStatus(ctx context.Context, id string, status domain.TransferStatus, receiptID, errorDetail string) error {
	const query = `
		UPDATE settlement_transfers
		SET status = $2, receipt_id = $3, error_detail = $4, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, string(status), receiptID, errorDetail)
	if err != nil {
		return fmt.Errorf("postgres: update transfer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: transfer %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Find returns the transfer for the (race, recipient, kind, currency)
// idempotency key, or domain.ErrNotFound.
func (s *TransferStore) Find(ctx context.Context, raceID, recipient string, kind domain.TransferKind, currency string) (domain.SettlementTransfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferSelectCols+` FROM settlement_transfers
		 WHERE race_id = $1 AND recipient = $2 AND kind = $3 AND currency = $4`,
		raceID, recipient, string(kind), currency)
	if err != nil {
		return domain.SettlementTransfer{}, fmt.Errorf("postgres: find transfer: %w", err)
	}
	defer rows.Close()

	transfers, err := scanTransferRows(rows)
	if err != nil {
		return domain.SettlementTransfer{}, fmt.Errorf("postgres: scan transfer: %w", err)
	}
	if len(transfers) == 0 {
		return domain.SettlementTransfer{}, domain.ErrNotFound
	}
	return transfers[0], nil
}

// ListByRace returns every transfer recorded for a race.
func (s *TransferStore) ListByRace(ctx context.Context, raceID string) ([]domain.SettlementTransfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferSelectCols+` FROM settlement_transfers
		 WHERE race_id = $1 ORDER BY created_at ASC`,
		raceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transfers for %s: %w", raceID, err)
	}
	defer rows.Close()
	return scanTransferRows(rows)
}

// ListFailed returns up to limit failed transfers, oldest first, for the
// retry worker.
func (s *TransferStore) ListFailed(ctx context.Context, limit int) ([]domain.SettlementTransfer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferSelectCols+` FROM settlement_transfers
		 WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`,
		string(domain.TransferFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list failed transfers: %w", err)
	}
	defer rows.Close()
	return scanTransferRows(rows)
}

// ListBefore returns transfers created strictly before the given time (for
// archiving).
func (s *TransferStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementTransfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferSelectCols+` FROM settlement_transfers
		 WHERE created_at < $1 ORDER BY created_at ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transfers before: %w", err)
	}
	defer rows.Close()
	return scanTransferRows(rows)
}

// Compile-time interface check.
var _ domain.TransferStore = (*TransferStore)(nil)
