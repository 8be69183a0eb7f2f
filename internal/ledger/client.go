// Package ledger submits event digests to an append-only external ledger and
// answers questions about what was anchored there.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/traceledger/internal/models"
)

// Client is the anchoring abstraction used by the integrity service. The
// variant is chosen once from configuration.
type Client interface {
	// Network names the ledger proofs are recorded on.
	Network() string

	// Anchor submits dataHash and returns the resulting proof. Failures are
	// reported as *AnchorSubmissionError.
	Anchor(ctx context.Context, dataHash string) (models.AnchorProof, error)

	// VerifyOnChain asks the ledger whether txRef recorded dataHash.
	VerifyOnChain(ctx context.Context, txRef, dataHash string) (bool, error)

	// GetTransaction looks up a transaction by reference. Unknown references
	// yield *TransactionNotFoundError.
	GetTransaction(ctx context.Context, txRef string) (models.TransactionInfo, error)
}

// Confirmer is implemented by clients whose Anchor can return PENDING proofs.
// AwaitConfirmation blocks until the ledger settles the transaction and
// returns the proof with its final status.
type Confirmer interface {
	AwaitConfirmation(ctx context.Context, proof models.AnchorProof) (models.AnchorProof, error)
}

var (
	// ErrMalformedDigest is returned when a digest is not 64 lowercase hex characters.
	ErrMalformedDigest = errors.New("ledger: malformed digest")

	// ErrReverted means the ledger included the transaction but rejected it.
	ErrReverted = errors.New("ledger: transaction reverted")

	// ErrTransactionNotFound matches any *TransactionNotFoundError.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")

	// ErrConfirmationUnsupported is returned by clients that never produce PENDING proofs.
	ErrConfirmationUnsupported = errors.New("ledger: confirmation not supported")
)

// AnchorSubmissionError reports a failed, rejected or timed-out submission.
type AnchorSubmissionError struct {
	Network string
	TxRef   string
	Err     error
}

func (e *AnchorSubmissionError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("ledger: anchor on %s (tx %s) failed: %v", e.Network, e.TxRef, e.Err)
	}
	return fmt.Sprintf("ledger: anchor on %s failed: %v", e.Network, e.Err)
}

func (e *AnchorSubmissionError) Unwrap() error { return e.Err }

// TransactionNotFoundError reports a reference the ledger does not know.
type TransactionNotFoundError struct {
	TxRef string
}

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("ledger: transaction %s not found", e.TxRef)
}

func (e *TransactionNotFoundError) Is(target error) bool {
	return target == ErrTransactionNotFound
}
