// Package store persists gateway state as JSON values under string keys.
package store

import (
	"context"
	"errors"
)

// Keys used by the gateway components.
const (
	KeyPinHash         = "pin_hash"
	KeyPinSalt         = "pin_salt"
	KeyPinAttempts     = "pin_attempts"
	KeyWallets         = "wallets"
	KeyCurrentWalletID = "current_wallet_id"
	KeySessions        = "sessions"
)

var ErrClosed = errors.New("store closed")

// Tx reads and writes keys. Inside Update it sees a consistent snapshot.
type Tx interface {
	// Get decodes the value stored under key into v. It reports false when the
	// key is absent, leaving v untouched.
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
}

// KV is a durable key-value store holding JSON-encoded values.
type KV interface {
	Tx
	// Update runs fn as one read-modify-write. No other writer, in this
	// process or another one sharing the file, runs between fn's reads and
	// its writes. fn must use tx, not the KV, and its writes are discarded
	// when it returns an error.
	Update(ctx context.Context, fn func(tx Tx) error) error
}
