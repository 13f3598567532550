package chain

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/altice-io/Daqiao-Endorser/internal/config"
)

// NewRegistry builds one Adapter per configured chain, keyed by chain id.
// ethKeyHex is the relayer's payout key for eth-kind chains; leave it empty
// for a query-only deployment.
func NewRegistry(ctx context.Context, cfg *config.AppConfig, ethKeyHex string, logger zerolog.Logger) (map[uint32]Adapter, error) {
	adapters := make(map[uint32]Adapter, len(cfg.Chains))
	for _, desc := range cfg.Chains {
		switch desc.Kind {
		case config.ChainKindFabric:
			if desc.ToolPath == "" {
				return nil, fmt.Errorf("chain %q: toolPath is required for fabric chains", desc.Name)
			}
			adapters[desc.ChainID] = NewFabricAdapter(desc.ToolPath, logger)
		case config.ChainKindEth:
			adapter, err := NewEthAdapter(ctx, EthAdapterConfig{
				RPCURL:        desc.RPCURL,
				PrivateKeyHex: ethKeyHex,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("chain %q: %w", desc.Name, err)
			}
			adapters[desc.ChainID] = adapter
		default:
			return nil, fmt.Errorf("chain %q: unsupported kind %q", desc.Name, desc.Kind)
		}
	}
	return adapters, nil
}
