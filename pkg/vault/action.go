package vault

import "fmt"

// ActionKind enumerates the PIN-gated operations on secret material.
type ActionKind int

const (
	RevealKey ActionKind = iota + 1
	RevealMnemonic
	CopySecret
)

func (k ActionKind) String() string {
	switch k {
	case RevealKey:
		return "reveal_key"
	case RevealMnemonic:
		return "reveal_mnemonic"
	case CopySecret:
		return "copy_secret"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// ParseActionKind accepts the names produced by String.
func ParseActionKind(s string) (ActionKind, error) {
	switch s {
	case "reveal_key":
		return RevealKey, nil
	case "reveal_mnemonic":
		return RevealMnemonic, nil
	case "copy_secret":
		return CopySecret, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// SecretField selects which secret a CopySecret action targets.
type SecretField string

const (
	FieldPrivateKey SecretField = "private_key"
	FieldMnemonic   SecretField = "mnemonic"
)

// Action is a pending PIN-gated operation. It is handed to the success
// continuation of Vault.Gate and never stored elsewhere.
type Action struct {
	Kind     ActionKind
	WalletID string
	Field    SecretField // CopySecret only
}

// Continuation runs after the vault has authorized an Action.
type Continuation func(Action) error
