package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferExecutor performs an outbound value transfer and returns a durable
// receipt identifier. Executors are not required to be idempotent; the
// settlement engine guards against double payment via SettlementTransfer
// records before calling Send.
type TransferExecutor interface {
	Send(ctx context.Context, recipient string, amount decimal.Decimal, currency string) (receiptID string, err error)
}
