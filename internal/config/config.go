package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ChainKind selects the adapter implementation for a chain.
type ChainKind string

const (
	ChainKindFabric ChainKind = "fabric"
	ChainKindEth    ChainKind = "eth"
)

// ChainDescriptor is the static, process-wide description of one supported
// chain. The table is immutable after Load; every orchestrator invocation
// reads it without locking.
type ChainDescriptor struct {
	ChainID uint32    `json:"chainId"`
	Name    string    `json:"name"`
	Kind    ChainKind `json:"kind"`

	// BankAddress is the custody address a transaction must pay for its
	// pledge claim to verify.
	BankAddress string `json:"bankAddress"`

	// DestinationChainID names the chain payouts go out on. Zero means
	// payouts return to this chain.
	DestinationChainID uint32 `json:"destinationChainId,omitempty"`

	// MinPledgeAmount, when set, is a decimal lower bound on accepted
	// pledges. Empty means zero-amount pledges are valid.
	MinPledgeAmount string `json:"minPledgeAmount,omitempty"`

	// ToolPath locates the signing/query CLI for fabric chains.
	ToolPath string `json:"toolPath,omitempty"`

	// RPCURL is the JSON-RPC endpoint for eth chains.
	RPCURL string `json:"rpcUrl,omitempty"`
}

// LedgerConfig locates the Daqiao ledger chain and the relayer identity.
type LedgerConfig struct {
	WSURL       string `json:"wsUrl"`
	Seed        string `json:"-"`
	SS58Network uint16 `json:"ss58Network"`
}

// ServiceConfig carries the relayer process settings.
type ServiceConfig struct {
	HTTPPort          int
	RPCTimeout        time.Duration
	WithdrawSecret    string
	HistoryDBPath     string
	IdempotencyDSN    string
	IdempotencyWindow time.Duration
	LogLevel          int
	LogFormat         string
}

// AppConfig ties the chain table, ledger endpoint, and service settings
// together.
type AppConfig struct {
	Chains  []ChainDescriptor `json:"chains"`
	Ledger  LedgerConfig      `json:"ledger"`
	Service ServiceConfig     `json:"-"`

	byID map[uint32]ChainDescriptor
}

const defaultConfigPath = "relayer.json"

// Load reads the chain table from the config file and service settings from
// the environment.
func Load() (*AppConfig, error) {
	path := envOr("RELAYER_CONFIG_PATH", defaultConfigPath)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Ledger.Seed = envOr("RELAYER_LEDGER_SEED", "")
	cfg.Ledger.WSURL = envOr("RELAYER_LEDGER_WS_URL", cfg.Ledger.WSURL)

	cfg.Service = ServiceConfig{
		HTTPPort:          envOrInt("RELAYER_HTTP_PORT", 3000),
		RPCTimeout:        time.Duration(envOrInt("RELAYER_RPC_TIMEOUT_SECONDS", 30)) * time.Second,
		WithdrawSecret:    envOr("RELAYER_WITHDRAW_SECRET", ""),
		HistoryDBPath:     envOr("RELAYER_HISTORY_DB_PATH", filepath.Join(os.TempDir(), "daqiao-history.db")),
		IdempotencyDSN:    envOr("RELAYER_IDEMPOTENCY_DSN", ""),
		IdempotencyWindow: time.Duration(envOrInt("RELAYER_IDEMPOTENCY_WINDOW_SECONDS", 3600)) * time.Second,
		LogLevel:          envOrInt("RELAYER_LOG_LEVEL", 1),
		LogFormat:         envOr("RELAYER_LOG_FORMAT", "console"),
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish validates the chain table and builds the lookup index.
func (c *AppConfig) finish() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}

	c.byID = make(map[uint32]ChainDescriptor, len(c.Chains))
	for _, desc := range c.Chains {
		if desc.ChainID == 0 {
			return fmt.Errorf("chain %q: chain id 0 is reserved", desc.Name)
		}
		if desc.BankAddress == "" {
			return fmt.Errorf("chain %q: bank address is required", desc.Name)
		}
		if desc.Kind != ChainKindFabric && desc.Kind != ChainKindEth {
			return fmt.Errorf("chain %q: unknown kind %q", desc.Name, desc.Kind)
		}
		if _, dup := c.byID[desc.ChainID]; dup {
			return fmt.Errorf("chain id %d configured twice", desc.ChainID)
		}
		if desc.DestinationChainID == 0 {
			desc.DestinationChainID = desc.ChainID
		}
		c.byID[desc.ChainID] = desc
	}

	for _, desc := range c.byID {
		if _, ok := c.byID[desc.DestinationChainID]; !ok {
			return fmt.Errorf("chain %d: destination chain %d not configured", desc.ChainID, desc.DestinationChainID)
		}
	}
	return nil
}

// New builds a validated AppConfig from parts; used by tests and embedders.
func New(chains []ChainDescriptor, ledger LedgerConfig, service ServiceConfig) (*AppConfig, error) {
	cfg := &AppConfig{Chains: chains, Ledger: ledger, Service: service}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Descriptor resolves a chain id against the table.
func (c *AppConfig) Descriptor(chainID uint32) (ChainDescriptor, bool) {
	desc, ok := c.byID[chainID]
	return desc, ok
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
