package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/traceledger/internal/config"
)

// NewFromConfig builds the ledger client selected by cfg.LedgerMode. The
// returned close function releases any RPC connection.
func NewFromConfig(ctx context.Context, cfg config.Config, log zerolog.Logger) (Client, func(), error) {
	switch cfg.LedgerMode {
	case config.LedgerSimulated:
		c := NewSimulatedClient(SimulatedConfig{
			Delay:       cfg.SimAnchorDelay,
			Timeout:     cfg.AnchorTimeout,
			FailureRate: cfg.SimFailureRate,
		}, log)
		log.Warn().Str("component", "ledger").Msg("using simulated ledger; proofs are not externally verifiable")
		return c, func() {}, nil
	case config.LedgerChain:
		id, err := LoadIdentity(cfg.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		b, err := dialEthereum(ctx, cfg.RPCURL, cfg.ContractAddress, id)
		if err != nil {
			return nil, nil, err
		}
		c := newChainClient(ChainConfig{
			Network:        cfg.Network,
			Timeout:        cfg.AnchorTimeout,
			Async:          cfg.ConfirmMode == config.ConfirmAsync,
			ConfirmTimeout: cfg.ConfirmTimeout,
		}, b, log)
		log.Info().
			Str("component", "ledger").
			Str("network", cfg.Network).
			Str("account", id.Address()).
			Str("confirm_mode", cfg.ConfirmMode).
			Msg("chain ledger initialized")
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("ledger: unknown mode %q", cfg.LedgerMode)
	}
}
