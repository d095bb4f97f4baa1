package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/raceswap/raced/internal/domain"
)

// RetryFailed re-sends up to limit failed transfers from the ledger. The
// amounts were committed at settlement time; only delivery is retried.
func (e *Engine) RetryFailed(ctx context.Context, limit int) (succeeded, failed int, err error) {
	pending, err := e.transfers.ListFailed(ctx, limit)
	if err != nil {
		return 0, 0, &domain.RepositoryError{Op: "list failed transfers", Err: err}
	}

	for _, tr := range pending {
		if ctx.Err() != nil {
			return succeeded, failed, ctx.Err()
		}

		if !tr.Amount.IsPositive() {
			if updErr := e.transfers.UpdateStatus(ctx, tr.ID, domain.TransferSuccess, "", ""); updErr == nil {
				succeeded++
			}
			continue
		}

		receipt, sendErr := e.executor.Send(ctx, tr.Recipient, tr.Amount, tr.Currency)
		if sendErr != nil {
			failed++
			if updErr := e.transfers.UpdateStatus(ctx, tr.ID, domain.TransferFailed, "", sendErr.Error()); updErr != nil {
				e.logger.WarnContext(ctx, "retry status update failed",
					slog.String("transfer_id", tr.ID),
					slog.String("error", updErr.Error()),
				)
			}
			continue
		}

		if updErr := e.transfers.UpdateStatus(ctx, tr.ID, domain.TransferSuccess, receipt, ""); updErr != nil {
			e.logger.ErrorContext(ctx, "retry succeeded but status update failed",
				slog.String("transfer_id", tr.ID),
				slog.String("receipt", receipt),
				slog.String("error", updErr.Error()),
			)
		}
		succeeded++
		e.logger.InfoContext(ctx, "transfer retry succeeded",
			slog.String("transfer_id", tr.ID),
			slog.String("race_id", tr.RaceID),
			slog.String("recipient", tr.Recipient),
			slog.String("amount", tr.Amount.String()),
			slog.String("currency", tr.Currency),
		)
	}
	return succeeded, failed, nil
}

// Retrier periodically re-drives failed transfers from the ledger.
type Retrier struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewRetrier creates a retry worker over the engine's transfer ledger.
func NewRetrier(engine *Engine, interval time.Duration, batch int, logger *slog.Logger) *Retrier {
	if batch <= 0 {
		batch = 100
	}
	return &Retrier{
		engine:   engine,
		interval: interval,
		batch:    batch,
		logger:   logger.With(slog.String("component", "transfer_retry")),
	}
}

// Run loops until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			succeeded, failed, err := r.engine.RetryFailed(ctx, r.batch)
			if err != nil {
				r.logger.WarnContext(ctx, "retry pass failed", slog.String("error", err.Error()))
				continue
			}
			if succeeded > 0 || failed > 0 {
				r.logger.InfoContext(ctx, "retry pass complete",
					slog.Int("succeeded", succeeded),
					slog.Int("failed", failed),
				)
			}
		}
	}
}
