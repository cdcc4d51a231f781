// Package wallet holds the local wallets and the "current" wallet pointer.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/store"
)

// Registry owns every Wallet. The current id is empty iff the registry is
// empty. Other processes may write the same store, so every change is made
// against freshly read state and the in-memory copy is only a cache.
type Registry struct {
	kv store.KV

	mu        sync.RWMutex
	wallets   []Wallet
	currentID string
}

// state is the persisted form of the registry.
type state struct {
	wallets   []Wallet
	currentID string
}

func (s *state) index(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.wallets {
		if s.wallets[i].ID == id {
			return i
		}
	}
	return -1
}

func readState(ctx context.Context, tx store.Tx) (state, error) {
	var s state
	if _, err := tx.Get(ctx, store.KeyWallets, &s.wallets); err != nil {
		return state{}, fmt.Errorf("load wallets: %w", err)
	}
	if _, err := tx.Get(ctx, store.KeyCurrentWalletID, &s.currentID); err != nil {
		return state{}, fmt.Errorf("load current wallet: %w", err)
	}

	// Repair a pointer left dangling by an interrupted write.
	if s.index(s.currentID) < 0 {
		s.currentID = ""
		if len(s.wallets) > 0 {
			s.currentID = s.wallets[0].ID
		}
	}
	return s, nil
}

func writeState(ctx context.Context, tx store.Tx, s state) error {
	if err := tx.Set(ctx, store.KeyWallets, s.wallets); err != nil {
		return fmt.Errorf("save wallets: %w", err)
	}
	if s.currentID == "" {
		if err := tx.Delete(ctx, store.KeyCurrentWalletID); err != nil {
			return fmt.Errorf("save current wallet: %w", err)
		}
	} else if err := tx.Set(ctx, store.KeyCurrentWalletID, s.currentID); err != nil {
		return fmt.Errorf("save current wallet: %w", err)
	}
	return nil
}

// Load restores the registry from kv.
func Load(ctx context.Context, kv store.KV) (*Registry, error) {
	r := &Registry{kv: kv}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	logger.DebugCF("wallet", "Registry loaded", map[string]any{
		"wallets": r.Len(),
	})
	return r, nil
}

// Reload refreshes the cache from the store, picking up wallets written by
// another process.
func (r *Registry) Reload(ctx context.Context) error {
	s, err := readState(ctx, r.kv)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.wallets, r.currentID = s.wallets, s.currentID
	r.mu.Unlock()
	return nil
}

// update applies fn to the stored state inside one store update and then
// swaps the result into the cache. fn reports whether it changed anything.
func (r *Registry) update(ctx context.Context, fn func(s *state) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next state
	err := r.kv.Update(ctx, func(tx store.Tx) error {
		s, err := readState(ctx, tx)
		if err != nil {
			return err
		}
		changed, err := fn(&s)
		if err != nil {
			return err
		}
		next = s
		if !changed {
			return nil
		}
		return writeState(ctx, tx, s)
	})
	if err != nil {
		return err
	}
	r.wallets, r.currentID = next.wallets, next.currentID
	return nil
}

// Add appends w and makes it current.
func (r *Registry) Add(ctx context.Context, w *Wallet) error {
	if w.ID == "" || w.Address == (common.Address{}) {
		return ErrInvalidWallet
	}

	err := r.update(ctx, func(s *state) (bool, error) {
		for _, existing := range s.wallets {
			if existing.ID == w.ID || existing.Address == w.Address {
				return false, ErrWalletAlreadyExists
			}
		}
		if w.Name == "" {
			w.Name = fmt.Sprintf("Wallet %d", len(s.wallets)+1)
		}
		s.wallets = append(s.wallets, *w)
		s.currentID = w.ID
		return true, nil
	})
	if err != nil {
		return err
	}

	logger.InfoCF("wallet", "Wallet added", map[string]any{
		"id":      w.ID,
		"address": w.Address.Hex(),
	})
	return nil
}

// Remove deletes the wallet. When it was current, the first remaining wallet
// becomes current.
func (r *Registry) Remove(ctx context.Context, id string) error {
	var current string
	err := r.update(ctx, func(s *state) (bool, error) {
		idx := s.index(id)
		if idx < 0 {
			return false, ErrWalletNotFound
		}
		s.wallets = append(s.wallets[:idx:idx], s.wallets[idx+1:]...)
		if s.currentID == id {
			s.currentID = ""
			if len(s.wallets) > 0 {
				s.currentID = s.wallets[0].ID
			}
		}
		current = s.currentID
		return true, nil
	})
	if err != nil {
		return err
	}

	logger.InfoCF("wallet", "Wallet removed", map[string]any{
		"id":      id,
		"current": current,
	})
	return nil
}

// SwitchCurrent points current at id. Unknown ids are ignored.
func (r *Registry) SwitchCurrent(ctx context.Context, id string) error {
	return r.update(ctx, func(s *state) (bool, error) {
		if s.index(id) < 0 || id == s.currentID {
			return false, nil
		}
		s.currentID = id
		return true, nil
	})
}

// Current returns a copy of the current wallet, or nil when empty.
func (r *Registry) Current() *Wallet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.indexLocked(r.currentID)
	if idx < 0 {
		return nil
	}
	w := r.wallets[idx]
	return &w
}

// CurrentID returns the current wallet id, empty when the registry is empty.
func (r *Registry) CurrentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentID
}

// Get returns a copy of the wallet with id.
func (r *Registry) Get(id string) (*Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return nil, ErrWalletNotFound
	}
	w := r.wallets[idx]
	return &w, nil
}

// List returns the secret-free view of every wallet in insertion order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.wallets))
	for i := range r.wallets {
		info := r.wallets[i].Info()
		info.Current = r.wallets[i].ID == r.currentID
		out = append(out, info)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wallets)
}

// Borrow lends the private key of the wallet at addr to fn. The key is
// zeroed when fn returns and must not be retained.
func (r *Registry) Borrow(addr common.Address, fn func(*ecdsa.PrivateKey) error) error {
	r.mu.RLock()
	var keyHex string
	for i := range r.wallets {
		if r.wallets[i].Address == addr {
			keyHex = r.wallets[i].PrivateKey
			break
		}
	}
	r.mu.RUnlock()

	if keyHex == "" {
		return ErrWalletNotFound
	}

	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return ErrInvalidPrivateKey
	}
	defer clear(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return ErrInvalidPrivateKey
	}
	defer key.D.SetUint64(0)

	return fn(key)
}

func (r *Registry) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range r.wallets {
		if r.wallets[i].ID == id {
			return i
		}
	}
	return -1
}
