package transfer

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01",
		NormalizeAddress("  0xABCDef0123456789AbCdEF0123456789ABCdef01 "))
	assert.Equal(t, "", NormalizeAddress("   "))
}

func TestPackTransfer(t *testing.T) {
	recipient := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	data := packTransfer(recipient, big.NewInt(1_000_000))

	require.Len(t, data, 68)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]), "transfer(address,uint256) selector")
	assert.Equal(t, recipient, common.BytesToAddress(data[4:36]))
	assert.Equal(t, int64(1_000_000), new(big.Int).SetBytes(data[36:]).Int64())
}

func TestDryRunExecutorFabricatesReceipts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := NewDryRunExecutor(logger)

	a, err := ex.Send(context.Background(), "0xabc", decimal.NewFromInt(10), "USDC")
	require.NoError(t, err)
	b, err := ex.Send(context.Background(), "0xabc", decimal.NewFromInt(10), "USDC")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "dryrun-"))
	assert.NotEqual(t, a, b, "every dry-run receipt is unique")
}
