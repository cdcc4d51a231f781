package blockchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const NativeDecimals = 18

// GetNativeBalance gets native token balance for an address
func GetNativeBalance(ctx context.Context, p Provider, chainID int64, address common.Address) (*big.Int, error) {
	b, err := p.Backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	balance, err := b.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// FormatUnits renders an integer amount with the given number of decimals,
// trimming trailing zeros.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}
