package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/store"
	"github.com/blokista/walletgate/pkg/vault"
)

var pinOpt struct {
	pin string
}

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the wallet PIN",
}

var pinSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the PIN for the first time",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, v *vault.Vault) error {
			pin, err := readNewPIN("New PIN")
			if err != nil {
				return err
			}
			if err := v.SetPIN(ctx, pin); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN set.")
			return nil
		})
	},
}

var pinVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, v *vault.Vault) error {
			pin, err := pinFlagOrPrompt(pinOpt.pin, "PIN: ")
			if err != nil {
				return err
			}
			if err := v.Verify(ctx, pin); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN OK.")
			return nil
		})
	},
}

var pinChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Replace the PIN after verifying the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, v *vault.Vault) error {
			old, err := pinFlagOrPrompt(pinOpt.pin, "Current PIN: ")
			if err != nil {
				return err
			}
			grant, err := v.Authorize(ctx, old)
			if err != nil {
				return err
			}
			next, err := readNewPIN("New PIN")
			if err != nil {
				return err
			}
			if err := v.Reset(ctx, grant, next); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN changed.")
			return nil
		})
	},
}

var pinClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the PIN credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, func(ctx context.Context, v *vault.Vault) error {
			pin, err := pinFlagOrPrompt(pinOpt.pin, "PIN: ")
			if err != nil {
				return err
			}
			if err := v.Verify(ctx, pin); err != nil {
				return err
			}
			if err := v.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN cleared.")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(pinCmd)
	pinCmd.AddCommand(pinSetCmd, pinVerifyCmd, pinChangeCmd, pinClearCmd)
	for _, c := range []*cobra.Command{pinVerifyCmd, pinChangeCmd, pinClearCmd} {
		c.Flags().StringVar(&pinOpt.pin, "pin", "", "current PIN (prompted when omitted)")
	}
}

func newVault(cfg *config.Config, kv store.KV) *vault.Vault {
	return vault.New(kv, vault.Options{
		MaxAttempts: cfg.Vault.MaxAttempts,
		Lockout:     cfg.LockoutDuration(),
		Grace:       cfg.GracePeriod(),
	})
}

func withVault(cmd *cobra.Command, fn func(context.Context, *vault.Vault) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()
	return fn(cmd.Context(), newVault(cfg, kv))
}
