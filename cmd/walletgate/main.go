// walletgate - self-custodial wallet gateway for WalletConnect dapps
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/store"
)

var (
	version   = "dev"
	gitCommit = "none"
	buildTime = "unknown"
)

const logo = "🔐"

var rootOpt struct {
	config   string
	endpoint string
	debug    bool
}

var rootCmd = &cobra.Command{
	Use:           "walletgate",
	Short:         "Self-custodial wallet gateway for WalletConnect dapps",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpt.config, "config", "c", "", "config file (default ~/.walletgate/config.json)")
	rootCmd.PersistentFlags().StringVar(&rootOpt.endpoint, "endpoint", "", "gateway API of a running serve (default from config)")
	rootCmd.PersistentFlags().BoolVar(&rootOpt.debug, "debug", false, "debug logging")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if rootOpt.config != "" {
		return rootOpt.config
	}
	if p := os.Getenv("WALLETGATE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".walletgate", "config.json")
}

// loadConfig reads the config and applies its log settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Configure(os.Stderr, cfg.Log.JSON)
	if rootOpt.debug {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLite, error) {
	return store.OpenSQLite(cfg.StoragePath())
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
