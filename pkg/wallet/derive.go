package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"
)

// DerivationPath is the standard Ethereum account path, m/44'/60'/0'/0/0.
var DerivationPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// NewMnemonic returns a fresh 12-word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// ValidMnemonic reports whether phrase passes the BIP-39 checksum.
func ValidMnemonic(phrase string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(phrase))
}

// FromMnemonic derives the first account of phrase.
func FromMnemonic(phrase, name string) (*Wallet, error) {
	phrase = normalizeMnemonic(phrase)
	if !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(phrase, "")
	key, err := deriveKey(seed)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	w := newWallet(key, name)
	w.Mnemonic = phrase
	return w, nil
}

// FromPrivateKey imports a hex private key, with or without 0x.
func FromPrivateKey(hexKey, name string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	if name == "" {
		name = "Imported Wallet"
	}
	return newWallet(key, name), nil
}

func deriveKey(seed []byte) (*ecdsa.PrivateKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	child := master
	for _, idx := range DerivationPath {
		child, err = child.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

func newWallet(key *ecdsa.PrivateKey, name string) *Wallet {
	return &Wallet{
		ID:         uuid.NewString(),
		Name:       name,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: strings.TrimPrefix(hexutil.Encode(crypto.FromECDSA(key)), "0x"),
		CreatedAt:  time.Now().UTC(),
	}
}

func normalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}
