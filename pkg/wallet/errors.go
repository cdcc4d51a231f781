package wallet

import "errors"

var (
	// ErrWalletNotFound is returned when no wallet matches an id or address
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidWallet is returned when adding a wallet without an id or address
	ErrInvalidWallet = errors.New("wallet has no id or address")

	// ErrWalletAlreadyExists is returned when adding a wallet whose id or address is taken
	ErrWalletAlreadyExists = errors.New("wallet already exists")

	// ErrInvalidMnemonic is returned when a recovery phrase fails the BIP-39 checksum
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidPrivateKey is returned when key material cannot be parsed
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrNoMnemonic is returned when revealing the phrase of a key-only wallet
	ErrNoMnemonic = errors.New("wallet has no mnemonic")
)
