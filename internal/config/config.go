// Package config holds the swap daemon configuration loaded from swapd.yaml.
// Chain constants (prefixes, decimals, coin types) live in internal/chain;
// this file only covers what an operator is expected to change.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klingon-exchange/swapengine/internal/chain"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "swapd.yaml"

// Validation errors.
var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrMissingRPCURL  = errors.New("rpc_url is required")
	ErrInvalidNetwork = errors.New("invalid network")
	ErrInvalidDelay   = errors.New("min_delay must not exceed max_delay")
)

// Config holds all configuration for the swap daemon.
type Config struct {
	// Network selects mainnet or testnet parameters for every chain.
	Network chain.Network `yaml:"network"`

	// DataDir holds the database and the config file itself.
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`
	Engine  EngineConfig  `yaml:"engine"`
	Swap    SwapConfig    `yaml:"swap"`

	// Chains holds daemon connection settings keyed by chain symbol.
	// Only chains listed here get a backend.
	Chains map[string]*ChainConfig `yaml:"chains"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// ChainConfig holds the connection and wallet settings for one chain daemon.
type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	RPCUser string `yaml:"rpc_user"`
	RPCPass string `yaml:"rpc_pass"`

	// Wallet is the daemon wallet name. For bitcoin-family daemons it is
	// appended to the RPC path as /wallet/<name>.
	Wallet string `yaml:"wallet"`

	// BlocksConfirmed overrides the chain's default confirmation depth.
	BlocksConfirmed int `yaml:"blocks_confirmed,omitempty"`

	// RPCTimeout bounds a single daemon call.
	RPCTimeout time.Duration `yaml:"rpc_timeout,omitempty"`

	// WalletV20Compatible makes DASH wallets initialise through
	// upgradetohd with a mnemonic instead of sethdseed.
	WalletV20Compatible bool `yaml:"wallet_v20_compatible,omitempty"`

	// ConfTarget is passed to sendtoaddress and estimatesmartfee.
	ConfTarget int `yaml:"conf_target,omitempty"`

	// RestoreHeight is the wallet restore height for XMR wallets.
	RestoreHeight uint64 `yaml:"restore_height,omitempty"`
}

// EngineConfig holds timings for the orchestrator loop.
type EngineConfig struct {
	// PollInterval is the time between watch polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RPCCallTimeout bounds every backend call made within a tick.
	RPCCallTimeout time.Duration `yaml:"rpc_call_timeout"`

	// MinDelay and MaxDelay bound the random SWAP_DELAYING duration.
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxScanBlocks caps how many blocks one poll scans per chain.
	MaxScanBlocks int `yaml:"max_scan_blocks"`

	// AutoAccept accepts valid bids on our offers without operator action.
	AutoAccept bool `yaml:"auto_accept"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		DataDir: "~/.swapd",
		Logging: LoggingConfig{
			Level: "info",
		},
		Engine: EngineConfig{
			PollInterval:   15 * time.Second,
			RPCCallTimeout: 30 * time.Second,
			MinDelay:       10 * time.Second,
			MaxDelay:       60 * time.Second,
			MaxScanBlocks:  50,
		},
		Swap:   DefaultSwapConfig(),
		Chains: map[string]*ChainConfig{},
	}
}

// LoadConfig loads configuration from swapd.yaml in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}

	// Normalise chain keys so lookups by symbol work regardless of case.
	chains := make(map[string]*ChainConfig, len(cfg.Chains))
	for symbol, cc := range cfg.Chains {
		chains[strings.ToUpper(symbol)] = cc
	}
	cfg.Chains = chains

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Swap daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.Network != chain.Mainnet && c.Network != chain.Testnet {
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Network)
	}
	if c.Engine.MinDelay > c.Engine.MaxDelay {
		return ErrInvalidDelay
	}
	for symbol, cc := range c.Chains {
		if !chain.IsSupported(symbol) {
			return fmt.Errorf("%w: %s", ErrUnknownChain, symbol)
		}
		if cc == nil || cc.RPCURL == "" {
			return fmt.Errorf("%s: %w", symbol, ErrMissingRPCURL)
		}
	}
	return nil
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// ChainSymbols returns the configured chain symbols.
func (c *Config) ChainSymbols() []string {
	symbols := make([]string, 0, len(c.Chains))
	for symbol := range c.Chains {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// RequiredConfirmations returns the confirmation depth for a chain: the
// configured override, or the chain default.
func (c *Config) RequiredConfirmations(symbol string) int {
	if cc, ok := c.Chains[strings.ToUpper(symbol)]; ok && cc.BlocksConfirmed > 0 {
		return cc.BlocksConfirmed
	}
	if p, ok := chain.Get(symbol, c.Network); ok {
		return p.BlocksConfirmed
	}
	return 1
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
