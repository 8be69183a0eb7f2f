package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/traceledger/internal/digest"
	"github.com/ILLUVRSE/traceledger/internal/models"
)

// SimulatedNetwork is the network name carried by simulated proofs.
const SimulatedNetwork = "mock"

// simulatedCostUnits mirrors the base cost of a plain value transfer.
const simulatedCostUnits = "21000"

// SimulatedConfig tunes the in-process ledger used for development and tests.
type SimulatedConfig struct {
	// Delay is the pretend network latency of Anchor. Zero disables it.
	Delay time.Duration

	// Timeout bounds each Anchor call. Defaults to 5s.
	Timeout time.Duration

	// FailureRate is the probability in [0,1] that Anchor fails.
	FailureRate float64

	// Fault, when set, is consulted before each anchor; a non-nil result
	// fails the submission.
	Fault func(dataHash string) error

	// Now overrides the clock.
	Now func() time.Time
}

// SimulatedClient fabricates internally consistent proofs without any
// external ledger. VerifyOnChain only checks digest syntax.
type SimulatedClient struct {
	cfg SimulatedConfig
	log zerolog.Logger

	mu     sync.RWMutex
	issued map[string]models.TransactionInfo
}

// NewSimulatedClient constructs a SimulatedClient.
func NewSimulatedClient(cfg SimulatedConfig, log zerolog.Logger) *SimulatedClient {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SimulatedClient{
		cfg:    cfg,
		log:    log.With().Str("component", "ledger").Str("network", SimulatedNetwork).Logger(),
		issued: make(map[string]models.TransactionInfo),
	}
}

// Network implements Client.
func (c *SimulatedClient) Network() string { return SimulatedNetwork }

// Anchor implements Client.
func (c *SimulatedClient) Anchor(ctx context.Context, dataHash string) (models.AnchorProof, error) {
	if !digest.Valid(dataHash) {
		return models.AnchorProof{}, &AnchorSubmissionError{Network: SimulatedNetwork, Err: ErrMalformedDigest}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	timer := time.NewTimer(c.cfg.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return models.AnchorProof{}, &AnchorSubmissionError{Network: SimulatedNetwork, Err: ctx.Err()}
	case <-timer.C:
	}

	if c.cfg.Fault != nil {
		if err := c.cfg.Fault(dataHash); err != nil {
			return models.AnchorProof{}, &AnchorSubmissionError{Network: SimulatedNetwork, Err: err}
		}
	}
	if c.cfg.FailureRate > 0 && mrand.Float64() < c.cfg.FailureRate {
		return models.AnchorProof{}, &AnchorSubmissionError{Network: SimulatedNetwork, Err: fmt.Errorf("simulated submission failure")}
	}

	ref, err := randomTxRef()
	if err != nil {
		return models.AnchorProof{}, &AnchorSubmissionError{Network: SimulatedNetwork, Err: err}
	}
	now := c.cfg.Now().UTC().Truncate(time.Second)
	block := uint64(now.Unix()) + uint64(mrand.IntN(1000))

	proof := models.AnchorProof{
		TransactionRef: ref,
		DataHash:       dataHash,
		BlockNumber:    block,
		BlockTimestamp: now,
		Network:        SimulatedNetwork,
		CostUnits:      simulatedCostUnits,
		Status:         models.AnchorConfirmed,
	}

	c.mu.Lock()
	c.issued[ref] = models.TransactionInfo{
		TransactionRef: ref,
		BlockNumber:    block,
		BlockTimestamp: now,
		Status:         string(models.AnchorConfirmed),
		Network:        SimulatedNetwork,
	}
	c.mu.Unlock()

	c.log.Info().Str("tx_ref", ref).Str("data_hash", dataHash).Msg("simulated anchor created")
	return proof, nil
}

// VerifyOnChain implements Client. The simulated ledger cannot prove anything,
// so it only checks that dataHash is a well-formed digest.
func (c *SimulatedClient) VerifyOnChain(ctx context.Context, txRef, dataHash string) (bool, error) {
	return digest.Valid(dataHash), nil
}

// GetTransaction implements Client for references issued by this process.
func (c *SimulatedClient) GetTransaction(ctx context.Context, txRef string) (models.TransactionInfo, error) {
	c.mu.RLock()
	info, ok := c.issued[txRef]
	c.mu.RUnlock()
	if !ok {
		return models.TransactionInfo{}, &TransactionNotFoundError{TxRef: txRef}
	}
	return info, nil
}

func randomTxRef() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate tx ref: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}
