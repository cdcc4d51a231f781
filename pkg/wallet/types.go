package wallet

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Wallet is a locally held account. PrivateKey is hex without the 0x prefix.
type Wallet struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Address    common.Address `json:"address"`
	PrivateKey string         `json:"private_key"`
	Mnemonic   string         `json:"mnemonic,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Info is the secret-free view of a Wallet.
type Info struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Address     common.Address `json:"address"`
	HasMnemonic bool           `json:"has_mnemonic"`
	CreatedAt   time.Time      `json:"created_at"`
	Current     bool           `json:"current"`
}

func (w *Wallet) Info() Info {
	return Info{
		ID:          w.ID,
		Name:        w.Name,
		Address:     w.Address,
		HasMnemonic: w.Mnemonic != "",
		CreatedAt:   w.CreatedAt,
	}
}
