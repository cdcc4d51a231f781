package blockchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/blokista/walletgate/pkg/logger"
)

// TxRequest is a transaction as a dapp asks for it. Nil fields are filled
// from the backend.
type TxRequest struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Gas      *uint64
	GasPrice *big.Int
	Nonce    *uint64
	Data     []byte
}

// BuildTx resolves the missing fields of req against b and returns an
// unsigned legacy transaction.
func BuildTx(ctx context.Context, b Backend, req TxRequest) (*types.Transaction, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	var nonce uint64
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else {
		n, err := b.PendingNonceAt(ctx, req.From)
		if err != nil {
			return nil, fmt.Errorf("failed to get nonce: %w", err)
		}
		nonce = n
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		p, err := b.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		gasPrice = p
	}

	var gasLimit uint64
	if req.Gas != nil {
		gasLimit = *req.Gas
	} else {
		g, err := b.EstimateGas(ctx, ethereum.CallMsg{
			From:  req.From,
			To:    req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gasLimit = g
		logger.DebugCF("blockchain", "Gas estimated", map[string]any{
			"estimated": g,
		})
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       req.To,
		Value:    value,
		Data:     req.Data,
	}), nil
}
