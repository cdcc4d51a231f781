package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/blokista/walletgate/pkg/blockchain"
	"github.com/blokista/walletgate/pkg/capability"
	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/gateway"
	"github.com/blokista/walletgate/pkg/store"
	"github.com/blokista/walletgate/pkg/vault"
	"github.com/blokista/walletgate/pkg/wallet"
)

var walletOpt struct {
	name     string
	mnemonic bool
	key      bool
	pin      string
	copy     bool
	qr       bool
	chain    int64
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage local wallets",
}

var walletCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a wallet from a fresh mnemonic",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			phrase, err := wallet.NewMnemonic()
			if err != nil {
				return err
			}
			w, err := wallet.FromMnemonic(phrase, walletOpt.name)
			if err != nil {
				return err
			}
			if err := env.wallets.Add(ctx, w); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s\n", w.Address.Hex())
			fmt.Fprintln(out, "\nWrite down your recovery phrase and keep it offline:")
			fmt.Fprintf(out, "\n  %s\n\n", phrase)
			return nil
		})
	},
}

var walletImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a wallet from a mnemonic or private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if walletOpt.mnemonic == walletOpt.key {
			return errors.New("pass exactly one of --mnemonic or --key")
		}
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			name := walletOpt.name
			if name == "" {
				name = "Imported Wallet"
			}

			var (
				w   *wallet.Wallet
				err error
			)
			if walletOpt.mnemonic {
				phrase, rerr := readSecret("Recovery phrase: ")
				if rerr != nil {
					return rerr
				}
				w, err = wallet.FromMnemonic(phrase, name)
			} else {
				key, rerr := readSecret("Private key: ")
				if rerr != nil {
					return rerr
				}
				w, err = wallet.FromPrivateKey(key, name)
			}
			if err != nil {
				return err
			}
			if err := env.wallets.Add(ctx, w); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s\n", w.Address.Hex())
			return nil
		})
	},
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wallets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			list := env.wallets.List()
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No wallets. Run 'walletgate wallet create'.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tNAME\tADDRESS\tMNEMONIC")
			for _, w := range list {
				mark := ""
				if w.Current {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", mark, w.ID, w.Name, w.Address.Hex(), w.HasMnemonic)
			}
			return tw.Flush()
		})
	},
}

var walletSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Make a wallet current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			if _, err := env.wallets.Get(args[0]); err != nil {
				return err
			}
			return env.wallets.SwitchCurrent(ctx, args[0])
		})
	},
}

var walletRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			pin, err := pinFlagOrPrompt(walletOpt.pin, "PIN: ")
			if err != nil {
				return err
			}
			if err := env.vault.Verify(ctx, pin); err != nil {
				return err
			}
			return env.wallets.Remove(ctx, args[0])
		})
	},
}

var walletRevealCmd = &cobra.Command{
	Use:   "reveal [id]",
	Short: "Show or copy a wallet secret after PIN entry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			id := env.wallets.CurrentID()
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return gateway.ErrNoWallet
			}

			a := vault.Action{Kind: vault.RevealKey, WalletID: id}
			if walletOpt.mnemonic {
				a.Kind = vault.RevealMnemonic
			}
			if walletOpt.copy {
				a.Field = vault.FieldPrivateKey
				if walletOpt.mnemonic {
					a.Field = vault.FieldMnemonic
				}
				a.Kind = vault.CopySecret
			}

			pin, err := pinFlagOrPrompt(walletOpt.pin, "PIN: ")
			if err != nil {
				return err
			}
			return env.vault.Gate(ctx, pin, a, func(a vault.Action) error {
				w, err := env.wallets.Get(a.WalletID)
				if err != nil {
					return err
				}
				secret := w.PrivateKey
				if a.Kind == vault.RevealMnemonic || a.Field == vault.FieldMnemonic {
					if w.Mnemonic == "" {
						return wallet.ErrNoMnemonic
					}
					secret = w.Mnemonic
				}
				if a.Kind == vault.CopySecret {
					return copyAndClear(ctx, cmd, secret)
				}
				fmt.Fprintln(cmd.OutOrStdout(), secret)
				return nil
			})
		})
	},
}

var walletAddressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the current wallet address",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			w := env.wallets.Current()
			if w == nil {
				return gateway.ErrNoWallet
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, w.Address.Hex())
			if walletOpt.qr {
				qrterminal.GenerateHalfBlock(w.Address.Hex(), qrterminal.L, out)
			}
			return nil
		})
	},
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the native balance of the current wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallets(cmd, func(ctx context.Context, env *walletEnv) error {
			w := env.wallets.Current()
			if w == nil {
				return gateway.ErrNoWallet
			}
			chain, ok := env.cfg.GetChain(walletOpt.chain)
			if !ok {
				return fmt.Errorf("%w: %d", blockchain.ErrUnknownChain, walletOpt.chain)
			}
			client := blockchain.NewClient(env.cfg.Chains)
			defer client.Close()

			ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			bal, err := blockchain.GetNativeBalance(ctx, client, chain.ChainID, w.Address)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\n",
				blockchain.FormatUnits(bal, blockchain.NativeDecimals), chain.Currency, chain.Name)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletCreateCmd, walletImportCmd, walletListCmd, walletSwitchCmd,
		walletRemoveCmd, walletRevealCmd, walletAddressCmd, walletBalanceCmd)

	walletCreateCmd.Flags().StringVar(&walletOpt.name, "name", "", "wallet name")
	walletImportCmd.Flags().StringVar(&walletOpt.name, "name", "", "wallet name")
	walletImportCmd.Flags().BoolVar(&walletOpt.mnemonic, "mnemonic", false, "import from a recovery phrase")
	walletImportCmd.Flags().BoolVar(&walletOpt.key, "key", false, "import from a hex private key")
	walletRemoveCmd.Flags().StringVar(&walletOpt.pin, "pin", "", "PIN (prompted when omitted)")
	walletRevealCmd.Flags().StringVar(&walletOpt.pin, "pin", "", "PIN (prompted when omitted)")
	walletRevealCmd.Flags().BoolVar(&walletOpt.mnemonic, "mnemonic", false, "reveal the recovery phrase instead of the key")
	walletRevealCmd.Flags().BoolVar(&walletOpt.copy, "copy", false, "copy to the clipboard instead of printing")
	walletAddressCmd.Flags().BoolVar(&walletOpt.qr, "qr", false, "also render a QR code")
	walletBalanceCmd.Flags().Int64Var(&walletOpt.chain, "chain", 1, "chain id")
}

type walletEnv struct {
	cfg     *config.Config
	wallets *wallet.Registry
	vault   *vault.Vault
}

func withWallets(cmd *cobra.Command, fn func(context.Context, *walletEnv) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := cmd.Context()
	env, err := newWalletEnv(ctx, cfg, kv)
	if err != nil {
		return err
	}
	return fn(ctx, env)
}

func newWalletEnv(ctx context.Context, cfg *config.Config, kv store.KV) (*walletEnv, error) {
	wallets, err := wallet.Load(ctx, kv)
	if err != nil {
		return nil, err
	}
	return &walletEnv{cfg: cfg, wallets: wallets, vault: newVault(cfg, kv)}, nil
}

// copyAndClear holds the secret on the clipboard until the clear timeout or
// an interrupt, then wipes it.
func copyAndClear(ctx context.Context, cmd *cobra.Command, secret string) error {
	clip := capability.Detect().Clipboard()
	if clip == nil {
		return gateway.ErrClipboardUnavailable
	}
	if err := clip.Copy(ctx, secret); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Copied. Clipboard clears in %s.\n", gateway.ClipboardClearAfter)

	select {
	case <-time.After(gateway.ClipboardClearAfter):
	case <-ctx.Done():
	}
	return clip.Clear(context.WithoutCancel(ctx))
}
