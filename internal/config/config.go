// Package config holds the swap client configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klingon-exchange/subswap/internal/chain"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// DefaultDataDir is where the config file lives unless overridden.
const DefaultDataDir = "~/.subswap"

var (
	ErrInvalidFeeRate    = errors.New("fee rate must not be negative")
	ErrInvalidIterations = errors.New("max fee iterations must be positive")
)

// Config holds all configuration for the swap client.
type Config struct {
	// Network is mainnet, testnet or regtest.
	Network chain.Network `yaml:"network"`

	// APIURL is the swap service base URL. Empty selects the network default.
	APIURL string `yaml:"api_url"`

	// ExplorerURL is a mempool.space compatible API used for fee estimates
	// and the chain tip. Empty selects the network default.
	ExplorerURL string `yaml:"explorer_url"`

	// ExplorerType is mempool or esplora.
	ExplorerType string `yaml:"explorer_type"`

	Fees FeeConfig `yaml:"fees"`

	// RequestTimeout bounds every HTTP request to the swap service.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Bridge BridgeConfig `yaml:"bridge"`

	Logging LoggingConfig `yaml:"logging"`
}

// FeeConfig holds fee targeting settings.
type FeeConfig struct {
	// Rate is the target fee rate in sat/vB. Fractions are allowed.
	// Zero asks the explorer for a half-hour estimate.
	Rate float64 `yaml:"rate"`

	// MaxIterations caps the fee convergence loop.
	MaxIterations int `yaml:"max_iterations"`
}

// BridgeConfig holds host bridge server settings.
type BridgeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network:      chain.Mainnet,
		ExplorerType: "mempool",
		Fees: FeeConfig{
			Rate:          0,
			MaxIterations: 10,
		},
		RequestTimeout: 30 * time.Second,
		Bridge: BridgeConfig{
			ListenAddr: "127.0.0.1:9736",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the values that cannot be corrected by defaults.
func (c *Config) Validate() error {
	if _, err := chain.Lookup(string(c.Network)); err != nil {
		return err
	}
	if c.Fees.Rate < 0 {
		return ErrInvalidFeeRate
	}
	if c.Fees.MaxIterations <= 0 {
		return ErrInvalidIterations
	}
	return nil
}

// ChainParams returns the params of the configured network.
func (c *Config) ChainParams() (*chain.Params, error) {
	return chain.Lookup(string(c.Network))
}

// ResolvedAPIURL returns the configured API URL or the network default.
func (c *Config) ResolvedAPIURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	if params, err := c.ChainParams(); err == nil {
		return params.DefaultAPIURL
	}
	return ""
}

// ResolvedExplorerURL returns the configured explorer URL or the network default.
func (c *Config) ResolvedExplorerURL() string {
	if c.ExplorerURL != "" {
		return c.ExplorerURL
	}
	if params, err := c.ChainParams(); err == nil {
		return params.DefaultExplorerURL
	}
	return ""
}

// Load loads configuration from dataDir. If the file doesn't exist,
// it creates one with default values.
func Load(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# subswap configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
