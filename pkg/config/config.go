package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so chat_ids can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Vault    VaultConfig    `json:"vault" yaml:"vault"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Chains   []EVMChain     `json:"chains" yaml:"chains"`
	Metadata MetadataConfig `json:"metadata" yaml:"metadata"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Log      LogConfig      `json:"log" yaml:"log"`
	mu       sync.RWMutex
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"WALLETGATE_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"WALLETGATE_GATEWAY_PORT"`
}

type StorageConfig struct {
	Path string `json:"path" yaml:"path" env:"WALLETGATE_STORAGE_PATH"`
}

type VaultConfig struct {
	MaxAttempts    int `json:"max_attempts" yaml:"max_attempts" env:"WALLETGATE_VAULT_MAX_ATTEMPTS"`
	LockoutSeconds int `json:"lockout_seconds" yaml:"lockout_seconds" env:"WALLETGATE_VAULT_LOCKOUT_SECONDS"`
	// GraceSeconds lets a reveal/copy reuse a recent unlock. 0 re-prompts every time.
	GraceSeconds int `json:"grace_seconds" yaml:"grace_seconds" env:"WALLETGATE_VAULT_GRACE_SECONDS"`
}

type RelayConfig struct {
	URL          string  `json:"url" yaml:"url" env:"WALLETGATE_RELAY_URL"`
	ProjectID    string  `json:"project_id" yaml:"project_id" env:"WALLETGATE_RELAY_PROJECT_ID"`
	Rate         float64 `json:"rate" yaml:"rate" env:"WALLETGATE_RELAY_RATE"` // inbound messages per second
	Burst        int     `json:"burst" yaml:"burst" env:"WALLETGATE_RELAY_BURST"`
	PairingSweep string  `json:"pairing_sweep" yaml:"pairing_sweep" env:"WALLETGATE_RELAY_PAIRING_SWEEP"` // cron expression
}

// EVMChain describes a chain the wallet is willing to grant to sessions.
type EVMChain struct {
	Name     string `json:"name" yaml:"name"`
	ChainID  int64  `json:"chain_id" yaml:"chain_id"`
	RPC      string `json:"rpc" yaml:"rpc"`
	Explorer string `json:"explorer,omitempty" yaml:"explorer,omitempty"`
	Currency string `json:"currency" yaml:"currency"`
}

type MetadataConfig struct {
	Name        string   `json:"name" yaml:"name" env:"WALLETGATE_METADATA_NAME"`
	Description string   `json:"description" yaml:"description" env:"WALLETGATE_METADATA_DESCRIPTION"`
	URL         string   `json:"url" yaml:"url" env:"WALLETGATE_METADATA_URL"`
	Icons       []string `json:"icons" yaml:"icons" env:"WALLETGATE_METADATA_ICONS"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool                `json:"enabled" yaml:"enabled" env:"WALLETGATE_NOTIFY_TELEGRAM_ENABLED"`
	Token   string              `json:"token" yaml:"token" env:"WALLETGATE_NOTIFY_TELEGRAM_TOKEN"`
	ChatIDs FlexibleStringSlice `json:"chat_ids" yaml:"chat_ids" env:"WALLETGATE_NOTIFY_TELEGRAM_CHAT_IDS"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"WALLETGATE_LOG_LEVEL"`
	JSON  bool   `json:"json" yaml:"json" env:"WALLETGATE_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18795,
		},
		Storage: StorageConfig{
			Path: "~/.walletgate/walletgate.db",
		},
		Vault: VaultConfig{
			MaxAttempts:    3,
			LockoutSeconds: 60,
			GraceSeconds:   0,
		},
		Relay: RelayConfig{
			URL:          "wss://relay.walletconnect.com",
			Rate:         20,
			Burst:        40,
			PairingSweep: "* * * * *",
		},
		Chains: []EVMChain{
			{Name: "Blokista", ChainID: 639054, RPC: "https://mainnet-rpc.bccscan.com", Explorer: "https://bccscan.com", Currency: "BCC"},
			{Name: "Ethereum", ChainID: 1, RPC: "https://eth.llamarpc.com", Explorer: "https://etherscan.io", Currency: "ETH"},
			{Name: "Polygon", ChainID: 137, RPC: "https://polygon-rpc.com", Explorer: "https://polygonscan.com", Currency: "MATIC"},
			{Name: "BSC", ChainID: 56, RPC: "https://bsc-dataseed.binance.org", Explorer: "https://bscscan.com", Currency: "BNB"},
			{Name: "Arbitrum", ChainID: 42161, RPC: "https://arb1.arbitrum.io/rpc", Explorer: "https://arbiscan.io", Currency: "ETH"},
			{Name: "Optimism", ChainID: 10, RPC: "https://mainnet.optimism.io", Explorer: "https://optimistic.etherscan.io", Currency: "ETH"},
		},
		Metadata: MetadataConfig{
			Name:        "Blokista Wallet",
			Description: "Multi-chain crypto wallet",
			URL:         "https://blokista.com",
			Icons:       []string{"https://bccscan.com/images/logo-bcc.png"},
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled: false,
				ChatIDs: FlexibleStringSlice{},
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		if isYAML(path) {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks the settings the security components depend on.
func (c *Config) Validate() error {
	if c.Vault.MaxAttempts < 1 {
		return fmt.Errorf("vault.max_attempts must be at least 1")
	}
	if c.Vault.LockoutSeconds < 1 {
		return fmt.Errorf("vault.lockout_seconds must be at least 1")
	}
	if c.Vault.GraceSeconds < 0 {
		return fmt.Errorf("vault.grace_seconds must not be negative")
	}
	seen := make(map[int64]bool, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.ChainID <= 0 {
			return fmt.Errorf("chains[%d]: chain_id must be positive", i)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("chains[%d]: duplicate chain_id %d", i, chain.ChainID)
		}
		seen[chain.ChainID] = true
	}
	return nil
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) LockoutDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Vault.LockoutSeconds) * time.Second
}

func (c *Config) GracePeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Vault.GraceSeconds) * time.Second
}

// SupportedChainIDs returns the configured chain ids in declaration order.
func (c *Config) SupportedChainIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.Chains))
	for _, chain := range c.Chains {
		ids = append(ids, chain.ChainID)
	}
	return ids
}

// GetChain returns the chain with the given id.
func (c *Config) GetChain(chainID int64) (*EVMChain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Chains {
		if c.Chains[i].ChainID == chainID {
			chain := c.Chains[i]
			return &chain, true
		}
	}
	return nil, false
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
