// Package store persists events and anchor proofs and reads the product and
// participant records owned by other services.
package store

import (
	"context"
	"errors"

	"github.com/ILLUVRSE/traceledger/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	ErrEventExists = errors.New("event already exists")

	// ErrProofExists is returned when an event already has a proof that is not FAILED.
	ErrProofExists = errors.New("anchor proof already exists")

	// ErrAnchorRefSet is returned when linking would change an event's anchor reference.
	ErrAnchorRefSet = errors.New("event anchor reference already set")

	// ErrStaleProof is returned when a confirmation targets a proof that is no
	// longer PENDING for the given transaction.
	ErrStaleProof = errors.New("anchor proof is not pending")
)

// Reader is the read side used by the integrity service and the assembler.
type Reader interface {
	ProductExists(ctx context.Context, productID string) (bool, error)
	GetEvent(ctx context.Context, id string) (models.Event, error)

	// ListEventsByProduct returns events ordered by timestamp, then insertion order.
	ListEventsByProduct(ctx context.Context, productID string) ([]models.Event, error)

	GetAnchorProof(ctx context.Context, eventID string) (models.AnchorProof, error)
	ListAnchorProofsByProduct(ctx context.Context, productID string) ([]models.AnchorProof, error)
	GetParticipants(ctx context.Context, ids []string) ([]models.Participant, error)
}

// Tx is the write side. Every method runs inside the unit of work opened by
// Store.WithTx; nothing is visible to readers until the unit commits.
type Tx interface {
	// InsertEvent persists a new event and assigns its insertion sequence.
	InsertEvent(ctx context.Context, ev *models.Event) error

	// SaveAnchorProof inserts the proof for p.EventID, or overwrites a FAILED
	// proof in place. p.ID is set to the stored row id, which stays stable
	// across supersession.
	SaveAnchorProof(ctx context.Context, p *models.AnchorProof) error

	// LinkAnchorProof sets the event's anchor reference and, when verified is
	// true, flips the verified flag. The flag never moves back to false.
	LinkAnchorProof(ctx context.Context, eventID, proofID string, verified bool) error

	// ResolveAnchorProof settles a PENDING proof for the same transaction.
	ResolveAnchorProof(ctx context.Context, p models.AnchorProof) error
}

// Store is the persistence collaborator with an explicit unit of work.
type Store interface {
	Reader

	// WithTx runs fn in a unit of work, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
}
