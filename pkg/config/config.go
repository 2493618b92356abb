// Package config loads and validates operator configuration. Configuration
// comes from a JSON file, optionally overlaid by a .env file and process
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Config is the full operator configuration.
type Config struct {
	Ethereum   EthereumConfig   `json:"ethereum"`
	Matching   MatchingConfig   `json:"matching"`
	Networking NetworkingConfig `json:"networking"`
	Proofs     ProofConfig      `json:"proofs"`
	LogLevel   string           `json:"log_level"`
	DataDir    string           `json:"data_dir"`

	// Metrics/feed surfaces.
	MetricsPort int    `json:"metrics_port"`
	NatsURL     string `json:"nats_url"`
	EnableFeed  bool   `json:"enable_feed"`
}

// EthereumConfig configures the settlement-layer collaborator.
type EthereumConfig struct {
	RPCURL                string `json:"rpc_url"`
	OperatorAddress       string `json:"operator_address"`
	PrivateKey            string `json:"private_key"`
	ServiceManagerAddress string `json:"service_manager_address"`
	HookAddress           string `json:"hook_address"`
	OrderVaultAddress     string `json:"order_vault_address"`
	GasLimit              uint64 `json:"gas_limit"`
	GasPriceGwei          uint64 `json:"gas_price_gwei"`
	ConfirmationBlocks    uint64 `json:"confirmation_blocks"`
	PollIntervalSeconds   uint64 `json:"poll_interval_seconds"`
}

// MatchingConfig configures the matching engine.
type MatchingConfig struct {
	MaxPendingOrders   int    `json:"max_pending_orders"`
	MatchingIntervalMs uint64 `json:"matching_interval_ms"`
	OrderTimeoutSec    uint64 `json:"order_timeout_seconds"`
}

// NetworkingConfig configures the P2P layer.
type NetworkingConfig struct {
	ListenPort        int      `json:"listen_port"`
	BootstrapPeers    []string `json:"bootstrap_peers"`
	MinPeers          int      `json:"min_peers"`
	MaxPeers          int      `json:"max_peers"`
	ConnectTimeoutSec uint64   `json:"connection_timeout_seconds"`
	GossipIntervalMs  uint64   `json:"gossip_interval_ms"`
	EnableEncryption  bool     `json:"enable_encryption"`
}

// ProofConfig configures the settlement-proof collaborator.
type ProofConfig struct {
	CircuitPath        string `json:"circuit_path"`
	ProvingKeyPath     string `json:"proving_key_path"`
	VerificationKey    string `json:"verification_key_path"`
	MaxProofSize       int    `json:"max_proof_size"`
	ProofTimeoutSec    uint64 `json:"proof_timeout_seconds"`
	EnableBatchProving bool   `json:"enable_batch_proving"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Ethereum: EthereumConfig{
			RPCURL:                "https://holesky.infura.io/v3/YOUR_PROJECT_ID",
			OperatorAddress:       zeroAddress,
			PrivateKey:            "",
			ServiceManagerAddress: "0x1234567890123456789012345678901234567890",
			HookAddress:           "0x2345678901234567890123456789012345678901",
			OrderVaultAddress:     "0x3456789012345678901234567890123456789012",
			GasLimit:              500_000,
			GasPriceGwei:          20,
			ConfirmationBlocks:    3,
			PollIntervalSeconds:   5,
		},
		Matching: MatchingConfig{
			MaxPendingOrders:   1000,
			MatchingIntervalMs: 100,
			OrderTimeoutSec:    3600,
		},
		Networking: NetworkingConfig{
			ListenPort:        9000,
			BootstrapPeers:    []string{"127.0.0.1:9001", "127.0.0.1:9002"},
			MinPeers:          3,
			MaxPeers:          50,
			ConnectTimeoutSec: 30,
			GossipIntervalMs:  1000,
			EnableEncryption:  true,
		},
		Proofs: ProofConfig{
			CircuitPath:        "./circuits",
			ProvingKeyPath:     "./keys/proving.key",
			VerificationKey:    "./keys/verification.key",
			MaxProofSize:       1 << 20,
			ProofTimeoutSec:    300,
			EnableBatchProving: true,
		},
		LogLevel:    "info",
		DataDir:     ".eigenvault",
		MetricsPort: 9100,
		NatsURL:     "nats://127.0.0.1:4222",
		EnableFeed:  false,
	}
}

// Development returns a configuration for a local single-node setup.
func Development() *Config {
	cfg := Default()
	cfg.Ethereum.RPCURL = "http://localhost:8545"
	cfg.Networking.BootstrapPeers = []string{"127.0.0.1:9001"}
	cfg.Networking.MinPeers = 1
	cfg.Matching.MatchingIntervalMs = 1000
	cfg.Proofs.ProofTimeoutSec = 60
	cfg.LogLevel = "debug"
	return cfg
}

// Testnet returns a configuration for the Holesky deployment.
func Testnet() *Config {
	cfg := Default()
	cfg.Ethereum.GasPriceGwei = 10
	cfg.Networking.MinPeers = 3
	cfg.Networking.MaxPeers = 20
	return cfg
}

// Production returns a mainnet-grade configuration.
func Production() *Config {
	cfg := Default()
	cfg.Ethereum.RPCURL = "https://mainnet.infura.io/v3/YOUR_PROJECT_ID"
	cfg.Ethereum.GasPriceGwei = 30
	cfg.Ethereum.ConfirmationBlocks = 12
	cfg.Networking.MinPeers = 10
	cfg.Networking.MaxPeers = 100
	cfg.Matching.MaxPendingOrders = 10000
	cfg.Proofs.ProofTimeoutSec = 600
	return cfg
}

// Load reads a config file and applies env overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadEnvFile loads a .env file into the process environment. Missing
// files are not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnvOverrides overlays well-known environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ETHEREUM_RPC_URL"); v != "" {
		c.Ethereum.RPCURL = v
	}
	if v := os.Getenv("OPERATOR_ADDRESS"); v != "" {
		c.Ethereum.OperatorAddress = v
	}
	if v := os.Getenv("OPERATOR_PRIVATE_KEY"); v != "" {
		c.Ethereum.PrivateKey = v
	}
	if v := os.Getenv("SERVICE_MANAGER_ADDRESS"); v != "" {
		c.Ethereum.ServiceManagerAddress = v
	}
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Networking.ListenPort = port
		}
	}
	if v := os.Getenv("BOOTSTRAP_PEERS"); v != "" {
		parts := strings.Split(v, ",")
		peers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				peers = append(peers, p)
			}
		}
		c.Networking.BootstrapPeers = peers
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NatsURL = v
	}
}

// Validate checks the configuration for values the operator cannot run
// with.
func (c *Config) Validate() error {
	if c.Ethereum.RPCURL == "" {
		return errors.New("ethereum rpc url is required")
	}
	if c.Ethereum.OperatorAddress == "" || c.Ethereum.OperatorAddress == zeroAddress {
		return errors.New("valid operator address is required")
	}
	if c.Matching.MaxPendingOrders <= 0 {
		return errors.New("max pending orders must be greater than 0")
	}
	if c.Matching.MatchingIntervalMs == 0 {
		return errors.New("matching interval must be greater than 0")
	}
	if c.Networking.ListenPort <= 0 {
		return errors.New("listen port must be greater than 0")
	}
	if c.Networking.MinPeers > c.Networking.MaxPeers {
		return errors.New("min peers cannot exceed max peers")
	}
	if c.Proofs.MaxProofSize <= 0 {
		return errors.New("max proof size must be greater than 0")
	}
	return nil
}
