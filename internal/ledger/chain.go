package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/traceledger/internal/digest"
	"github.com/ILLUVRSE/traceledger/internal/models"
)

// errReceiptPending is returned by a backend while a transaction is unmined.
var errReceiptPending = errors.New("ledger: receipt not available yet")

// Receipt is the settled outcome of a submitted transaction.
type Receipt struct {
	BlockNumber uint64
	BlockTime   time.Time
	GasUsed     uint64
	Succeeded   bool
}

// backend is the RPC surface ChainClient needs from a ledger node.
type backend interface {
	Submit(ctx context.Context, dataHash string) (txRef string, err error)
	Receipt(ctx context.Context, txRef string) (Receipt, error)
	VerifyRecord(ctx context.Context, txRef, dataHash string) (bool, error)
	Transaction(ctx context.Context, txRef string) (models.TransactionInfo, error)
	Close()
}

// ChainConfig tunes a ChainClient.
type ChainConfig struct {
	// Network is the ledger name recorded on proofs, e.g. "sepolia".
	Network string

	// Timeout bounds a synchronous Anchor including the wait for inclusion,
	// and every read call. Defaults to 2m.
	Timeout time.Duration

	// Async makes Anchor return a PENDING proof right after submission.
	Async bool

	// ConfirmTimeout bounds AwaitConfirmation. Defaults to 10m.
	ConfirmTimeout time.Duration

	// PollInterval is how often receipts are polled. Defaults to 2s.
	PollInterval time.Duration
}

// ChainClient anchors digests through a registry contract on a real ledger.
type ChainClient struct {
	cfg     ChainConfig
	backend backend
	log     zerolog.Logger
}

func newChainClient(cfg ChainConfig, b backend, log zerolog.Logger) *ChainClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &ChainClient{
		cfg:     cfg,
		backend: b,
		log:     log.With().Str("component", "ledger").Str("network", cfg.Network).Logger(),
	}
}

// Network implements Client.
func (c *ChainClient) Network() string { return c.cfg.Network }

// Anchor implements Client.
func (c *ChainClient) Anchor(ctx context.Context, dataHash string) (models.AnchorProof, error) {
	if !digest.Valid(dataHash) {
		return models.AnchorProof{}, &AnchorSubmissionError{Network: c.cfg.Network, Err: ErrMalformedDigest}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ref, err := c.backend.Submit(ctx, dataHash)
	if err != nil {
		c.log.Error().Err(err).Str("data_hash", dataHash).Msg("anchor submission failed")
		return models.AnchorProof{}, &AnchorSubmissionError{Network: c.cfg.Network, Err: err}
	}
	c.log.Info().Str("tx_ref", ref).Str("data_hash", dataHash).Msg("anchor submitted")

	proof := models.AnchorProof{
		TransactionRef: ref,
		DataHash:       dataHash,
		Network:        c.cfg.Network,
		Status:         models.AnchorPending,
	}
	if c.cfg.Async {
		return proof, nil
	}

	rcpt, err := c.waitReceipt(ctx, ref)
	if err != nil {
		return models.AnchorProof{}, &AnchorSubmissionError{Network: c.cfg.Network, TxRef: ref, Err: err}
	}
	if !rcpt.Succeeded {
		return models.AnchorProof{}, &AnchorSubmissionError{Network: c.cfg.Network, TxRef: ref, Err: ErrReverted}
	}
	applyReceipt(&proof, rcpt)
	c.log.Info().Str("tx_ref", ref).Uint64("block", rcpt.BlockNumber).Msg("anchor confirmed")
	return proof, nil
}

// AwaitConfirmation implements Confirmer. A reverted transaction yields a
// FAILED proof and no error; an error means the outcome is still unknown.
func (c *ChainClient) AwaitConfirmation(ctx context.Context, proof models.AnchorProof) (models.AnchorProof, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	rcpt, err := c.waitReceipt(ctx, proof.TransactionRef)
	if err != nil {
		return proof, err
	}
	if !rcpt.Succeeded {
		proof.Status = models.AnchorFailed
		proof.BlockNumber = rcpt.BlockNumber
		proof.BlockTimestamp = rcpt.BlockTime
		return proof, nil
	}
	applyReceipt(&proof, rcpt)
	return proof, nil
}

// VerifyOnChain implements Client.
func (c *ChainClient) VerifyOnChain(ctx context.Context, txRef, dataHash string) (bool, error) {
	if !digest.Valid(dataHash) {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.backend.VerifyRecord(ctx, txRef, dataHash)
}

// GetTransaction implements Client.
func (c *ChainClient) GetTransaction(ctx context.Context, txRef string) (models.TransactionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	info, err := c.backend.Transaction(ctx, txRef)
	if err != nil {
		return models.TransactionInfo{}, err
	}
	info.Network = c.cfg.Network
	return info, nil
}

// Close releases the RPC connection.
func (c *ChainClient) Close() {
	c.backend.Close()
}

func (c *ChainClient) waitReceipt(ctx context.Context, ref string) (Receipt, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rcpt, err := c.backend.Receipt(ctx, ref)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, errReceiptPending) {
			return Receipt{}, err
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func applyReceipt(p *models.AnchorProof, r Receipt) {
	p.BlockNumber = r.BlockNumber
	p.BlockTimestamp = r.BlockTime.UTC()
	p.CostUnits = strconv.FormatUint(r.GasUsed, 10)
	p.Status = models.AnchorConfirmed
}
