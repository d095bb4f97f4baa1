package transfer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/domain"
)

// DryRunExecutor records what would have been sent and fabricates a receipt.
// Used in dry-run mode and by the monitor mode, where settlement logic runs
// but no money may move.
type DryRunExecutor struct {
	logger *slog.Logger
}

var _ domain.TransferExecutor = (*DryRunExecutor)(nil)

func NewDryRunExecutor(logger *slog.Logger) *DryRunExecutor {
	return &DryRunExecutor{
		logger: logger.With(slog.String("component", "dryrun_executor")),
	}
}

// Send logs the intended transfer and returns a synthetic receipt ID.
func (d *DryRunExecutor) Send(ctx context.Context, recipient string, amount decimal.Decimal, currency string) (string, error) {
	receipt := "dryrun-" + uuid.New().String()
	d.logger.InfoContext(ctx, "dry-run transfer",
		slog.String("recipient", recipient),
		slog.String("amount", amount.String()),
		slog.String("currency", currency),
		slog.String("receipt", receipt),
	)
	return receipt, nil
}
