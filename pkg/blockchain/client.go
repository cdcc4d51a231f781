package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/logger"
)

var ErrUnknownChain = errors.New("chain not configured")

// Backend is the slice of an RPC node the signer needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Provider hands out a Backend per chain id.
type Provider interface {
	Backend(ctx context.Context, chainID int64) (Backend, error)
}

// Client manages connections to multiple EVM blockchains. Connections are
// dialed on first use.
type Client struct {
	mu         sync.Mutex
	rpcClients map[int64]*ethclient.Client
	chains     map[int64]config.EVMChain
}

// NewClient creates a new blockchain client
func NewClient(chains []config.EVMChain) *Client {
	c := &Client{
		rpcClients: make(map[int64]*ethclient.Client),
		chains:     make(map[int64]config.EVMChain, len(chains)),
	}
	for _, chain := range chains {
		c.chains[chain.ChainID] = chain
	}
	return c
}

// Backend returns the RPC client for a specific chain, connecting if needed.
func (c *Client) Backend(ctx context.Context, chainID int64) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.rpcClients[chainID]; ok {
		return client, nil
	}

	chain, ok := c.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}

	client, err := ethclient.DialContext(ctx, chain.RPC)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", chain.Name, err)
	}

	// Verify chain ID
	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID for %s: %w", chain.Name, err)
	}
	if remoteID.Int64() != chain.ChainID {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", chain.ChainID, remoteID.Int64())
	}

	c.rpcClients[chainID] = client

	logger.InfoCF("blockchain", "Connected to chain", map[string]any{
		"name":    chain.Name,
		"chainId": chain.ChainID,
		"rpc":     chain.RPC,
	})
	return client, nil
}

// GetChain returns chain configuration
func (c *Client) GetChain(chainID int64) (config.EVMChain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain, ok := c.chains[chainID]
	return chain, ok
}

// Close closes all RPC connections
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for chainID, client := range c.rpcClients {
		client.Close()
		delete(c.rpcClients, chainID)
		logger.InfoCF("blockchain", "Disconnected from chain", map[string]any{
			"chainId": chainID,
		})
	}
}
