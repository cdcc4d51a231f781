package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/vault"
	"github.com/blokista/walletgate/pkg/wallet"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Create the config, set a PIN and create a first wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return onboard(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

func onboard(ctx context.Context, out io.Writer) error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config already exists at %s\n", configPath)
	} else if errors.Is(err, os.ErrNotExist) {
		if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(out, "Created config at %s\n", configPath)
	} else {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	env, err := newWalletEnv(ctx, cfg, kv)
	if err != nil {
		return err
	}

	configured, err := env.vault.IsConfigured(ctx)
	if err != nil {
		return err
	}
	if configured {
		fmt.Fprintln(out, "PIN already set.")
	} else {
		fmt.Fprintf(out, "\nChoose a %d-digit PIN. It unlocks signing and secret reveal.\n", vault.PinLength)
		pin, err := readNewPIN("New PIN")
		if err != nil {
			return err
		}
		if err := env.vault.SetPIN(ctx, pin); err != nil {
			return err
		}
		fmt.Fprintln(out, "PIN set.")
	}

	if env.wallets.Len() > 0 {
		fmt.Fprintf(out, "%d wallet(s) already present.\n", env.wallets.Len())
	} else {
		fmt.Fprint(out, "\nCreate a new wallet, or type 'import' to bring your own [create]: ")
		answer, err := readLine(stdin)
		if err == nil && strings.EqualFold(answer, "import") {
			fmt.Fprintln(out, "Run 'walletgate wallet import --mnemonic' or '--key'.")
		} else {
			phrase, err := wallet.NewMnemonic()
			if err != nil {
				return err
			}
			w, err := wallet.FromMnemonic(phrase, "")
			if err != nil {
				return err
			}
			if err := env.wallets.Add(ctx, w); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nCreated wallet %s\n", w.Address.Hex())
			fmt.Fprintln(out, "Write down your recovery phrase and keep it offline:")
			fmt.Fprintf(out, "\n  %s\n", phrase)
		}
	}

	fmt.Fprintf(out, "\n%s walletgate is ready!\n", logo)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add your WalletConnect project id to", configPath)
	fmt.Fprintln(out, "     (relay.project_id, or WALLETGATE_RELAY_PROJECT_ID)")
	fmt.Fprintln(out, "  2. Start the gateway: walletgate serve")
	fmt.Fprintln(out, "  3. Pair a dapp:       walletgate pair 'wc:...'")
	return nil
}
