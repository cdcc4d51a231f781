// Package signer signs messages, typed data and transactions with keys
// borrowed from the wallet registry.
package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/blokista/walletgate/pkg/blockchain"
	"github.com/blokista/walletgate/pkg/logger"
)

const eip712DomainType = "EIP712Domain"

// Signer is the key primitive used by the request arbiter. Results are hex
// strings ready to go on the wire.
type Signer interface {
	SignMessage(ctx context.Context, from common.Address, msg []byte) (string, error)
	SignTypedData(ctx context.Context, from common.Address, typedData []byte) (string, error)
	SignTransaction(ctx context.Context, from common.Address, chainID int64, req blockchain.TxRequest) (string, error)
	SendTransaction(ctx context.Context, from common.Address, chainID int64, req blockchain.TxRequest) (string, error)
}

// KeySource lends a private key for the duration of fn.
type KeySource interface {
	Borrow(addr common.Address, fn func(*ecdsa.PrivateKey) error) error
}

// EthSigner implements Signer for EVM chains.
type EthSigner struct {
	keys   KeySource
	chains blockchain.Provider
}

func New(keys KeySource, chains blockchain.Provider) *EthSigner {
	return &EthSigner{keys: keys, chains: chains}
}

// SignMessage produces an EIP-191 personal signature.
func (s *EthSigner) SignMessage(_ context.Context, from common.Address, msg []byte) (string, error) {
	return s.signHash(from, accounts.TextHash(msg))
}

// SignTypedData produces an EIP-712 signature over a JSON typed-data payload.
func (s *EthSigner) SignTypedData(_ context.Context, from common.Address, typedData []byte) (string, error) {
	hash, err := TypedDataHash(typedData)
	if err != nil {
		return "", err
	}
	return s.signHash(from, hash)
}

func (s *EthSigner) SignTransaction(ctx context.Context, from common.Address, chainID int64, req blockchain.TxRequest) (string, error) {
	signed, _, err := s.signTx(ctx, from, chainID, req)
	if err != nil {
		return "", err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return hexutil.Encode(raw), nil
}

func (s *EthSigner) SendTransaction(ctx context.Context, from common.Address, chainID int64, req blockchain.TxRequest) (string, error) {
	signed, backend, err := s.signTx(ctx, from, chainID, req)
	if err != nil {
		return "", err
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	logger.InfoCF("signer", "Transaction sent", map[string]any{
		"chainId": chainID,
		"from":    from.Hex(),
		"tx_hash": signed.Hash().Hex(),
	})
	return signed.Hash().Hex(), nil
}

func (s *EthSigner) signTx(ctx context.Context, from common.Address, chainID int64, req blockchain.TxRequest) (*types.Transaction, blockchain.Backend, error) {
	backend, err := s.chains.Backend(ctx, chainID)
	if err != nil {
		return nil, nil, err
	}

	req.From = from
	tx, err := blockchain.BuildTx(ctx, backend, req)
	if err != nil {
		return nil, nil, err
	}

	var signed *types.Transaction
	err = s.keys.Borrow(from, func(key *ecdsa.PrivateKey) error {
		var err error
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, backend, nil
}

func (s *EthSigner) signHash(from common.Address, hash []byte) (string, error) {
	var sig []byte
	err := s.keys.Borrow(from, func(key *ecdsa.PrivateKey) error {
		var err error
		sig, err = crypto.Sign(hash, key)
		return err
	})
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// TypedDataHash parses an EIP-712 payload and returns the digest to sign.
// A caller-supplied EIP712Domain type is discarded and rebuilt from the
// fields present in the domain.
func TypedDataHash(raw []byte) ([]byte, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		return nil, fmt.Errorf("parse typed data: %w", err)
	}
	if td.PrimaryType == "" {
		return nil, fmt.Errorf("parse typed data: missing primaryType")
	}
	if td.Types == nil {
		return nil, fmt.Errorf("parse typed data: missing types")
	}

	delete(td.Types, eip712DomainType)
	td.Types[eip712DomainType] = domainType(td.Domain)

	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

func domainType(d apitypes.TypedDataDomain) []apitypes.Type {
	fields := make([]apitypes.Type, 0, 5)
	if d.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if d.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if d.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if d.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if d.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}
