// Package transfer sends settlement payouts on-chain. The EVM executor moves
// ERC-20 tokens with the operator key; the dry-run executor stands in for it
// everywhere money must not actually move.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/raceswap/raced/internal/crypto"
	"github.com/raceswap/raced/internal/domain"
)

// transferSelector is the 4-byte selector of transfer(address,uint256).
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// receiptPollInterval is how often a pending transaction is re-checked.
const receiptPollInterval = 2 * time.Second

// EVMConfig holds the payout chain parameters.
type EVMConfig struct {
	// TokenContracts maps a currency code to its ERC-20 contract address.
	TokenContracts map[string]string
	// TokenDecimals maps a currency code to the token's on-chain decimals.
	TokenDecimals map[string]int
	// ConfirmTimeout bounds how long Send waits for a mined receipt. A
	// transfer without a receipt within the budget is reported failed.
	ConfirmTimeout time.Duration
}

// EVMExecutor sends ERC-20 transfers signed with the operator key. Sends are
// serialised so nonces are assigned in order.
type EVMExecutor struct {
	client *ethclient.Client
	signer *crypto.TxSigner
	cfg    EVMConfig
	logger *slog.Logger

	mu sync.Mutex
}

var _ domain.TransferExecutor = (*EVMExecutor)(nil)

// NewEVMExecutor creates an executor over an established RPC client.
func NewEVMExecutor(client *ethclient.Client, signer *crypto.TxSigner, cfg EVMConfig, logger *slog.Logger) *EVMExecutor {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	return &EVMExecutor{
		client: client,
		signer: signer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "evm_executor")),
	}
}

// Send transfers amount of currency to recipient and returns the transaction
// hash once the transfer is mined successfully.
func (e *EVMExecutor) Send(ctx context.Context, recipient string, amount decimal.Decimal, currency string) (string, error) {
	contract, ok := e.cfg.TokenContracts[currency]
	if !ok {
		return "", fmt.Errorf("transfer: no token contract configured for currency %q", currency)
	}
	decimals, ok := e.cfg.TokenDecimals[currency]
	if !ok {
		return "", fmt.Errorf("transfer: no token decimals configured for currency %q", currency)
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("transfer: recipient %q is not a valid address", recipient)
	}

	units := amount.Shift(int32(decimals)).Truncate(0).BigInt()
	if units.Sign() <= 0 {
		return "", fmt.Errorf("transfer: amount %s %s rounds to zero units", amount.String(), currency)
	}

	to := common.HexToAddress(contract)
	data := packTransfer(common.HexToAddress(recipient), units)

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.signer.Address())
	if err != nil {
		return "", fmt.Errorf("transfer: pending nonce: %w", err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("transfer: suggest gas price: %w", err)
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.signer.Address(),
		To:   &to,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("transfer: estimate gas: %w", err)
	}
	gasLimit += gasLimit / 5 // headroom for balance-dependent branches

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := e.signer.SignTx(tx)
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("transfer: send transaction: %w", err)
	}

	hash := signed.Hash()
	e.logger.InfoContext(ctx, "transfer submitted",
		slog.String("tx", hash.Hex()),
		slog.String("recipient", recipient),
		slog.String("amount", amount.String()),
		slog.String("currency", currency),
	)

	if err := e.waitMined(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// waitMined polls for the receipt until mined, failed, or timed out.
func (e *EVMExecutor) waitMined(ctx context.Context, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(waitCtx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transfer: tx %s reverted", hash.Hex())
			}
			return nil
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("transfer: tx %s unconfirmed after %s: %w", hash.Hex(), e.cfg.ConfirmTimeout, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// packTransfer ABI-encodes transfer(address,uint256).
func packTransfer(recipient common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// NormalizeAddress lowercases a hex address for use as a stable ledger key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
