// Package models contains the records shared by the traceability ledger:
// supply-chain events, their anchor proofs and the views built from them.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/traceledger/internal/canonical"
)

// EventType enumerates the supply-chain steps an event can record.
type EventType string

const (
	EventHarvest      EventType = "HARVEST"
	EventProcessing   EventType = "PROCESSING"
	EventQualityTest  EventType = "QUALITY_TEST"
	EventPackaging    EventType = "PACKAGING"
	EventShipment     EventType = "SHIPMENT"
	EventTransfer     EventType = "TRANSFER"
	EventListing      EventType = "LISTING"
	EventScan         EventType = "SCAN"
	EventVerification EventType = "VERIFICATION"
)

var eventTypes = []EventType{
	EventHarvest, EventProcessing, EventQualityTest, EventPackaging, EventShipment,
	EventTransfer, EventListing, EventScan, EventVerification,
}

// ParseEventType accepts the canonical upper-case spelling.
func ParseEventType(s string) (EventType, error) {
	for _, t := range eventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	names := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		names[i] = string(t)
	}
	return "", fmt.Errorf("unknown event type %q (want one of %s)", s, strings.Join(names, ", "))
}

// AnchorStatus is the ledger state of an AnchorProof.
type AnchorStatus string

const (
	AnchorPending   AnchorStatus = "PENDING"
	AnchorConfirmed AnchorStatus = "CONFIRMED"
	AnchorFailed    AnchorStatus = "FAILED"

	// AnchorNone is reported by verification when an event has no proof.
	AnchorNone AnchorStatus = "NOT_ANCHORED"
)

// Location is where an event happened. Latitude and longitude are always set
// together; accuracy (meters) is optional.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// ErrPartialLocation is returned when a location carries only one coordinate.
var ErrPartialLocation = errors.New("latitude and longitude must both be present")

// UnmarshalJSON rejects a location missing either coordinate instead of
// defaulting it to zero, and rejects unknown members.
func (l *Location) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		return nil
	}
	var raw struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Accuracy  *float64 `json:"accuracy"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	if raw.Latitude == nil || raw.Longitude == nil {
		return ErrPartialLocation
	}
	*l = Location{Latitude: *raw.Latitude, Longitude: *raw.Longitude, Accuracy: raw.Accuracy}
	return nil
}

// Event is an immutable record of a supply-chain step. DataHash is fixed at
// creation; AnchorRef is set at most once; Verified only moves false to true.
type Event struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"-"`
	ProductID   string          `json:"productId"`
	EventType   EventType       `json:"eventType"`
	PerformedBy string          `json:"performedBy"`
	Timestamp   time.Time       `json:"timestamp"`
	Location    *Location       `json:"location,omitempty"`
	Description string          `json:"description,omitempty"`
	Metadata    canonical.Value `json:"metadata"`
	DataHash    string          `json:"dataHash"`
	AnchorRef   *string         `json:"anchorRef,omitempty"`
	Verified    bool            `json:"verified"`
}

// Fields returns the logical fields that feed the canonical encoding.
func (e Event) Fields() canonical.Fields {
	f := canonical.Fields{
		ProductID:   e.ProductID,
		EventType:   string(e.EventType),
		PerformedBy: e.PerformedBy,
		Timestamp:   e.Timestamp,
		Metadata:    e.Metadata,
	}
	if e.Location != nil {
		f.Location = &canonical.GeoPoint{
			Latitude:  e.Location.Latitude,
			Longitude: e.Location.Longitude,
			Accuracy:  e.Location.Accuracy,
		}
	}
	return f
}

// AnchorProof is the evidence returned by the ledger for one anchored digest.
type AnchorProof struct {
	ID             string       `json:"id"`
	EventID        string       `json:"eventId"`
	TransactionRef string       `json:"transactionRef"`
	DataHash       string       `json:"dataHash"`
	BlockNumber    uint64       `json:"blockNumber"`
	BlockTimestamp time.Time    `json:"blockTimestamp"`
	Network        string       `json:"network"`
	CostUnits      string       `json:"costUnits,omitempty"`
	Status         AnchorStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// TransactionInfo is what the ledger reports about a submitted transaction.
type TransactionInfo struct {
	TransactionRef string    `json:"transactionRef"`
	BlockNumber    uint64    `json:"blockNumber"`
	BlockTimestamp time.Time `json:"blockTimestamp"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Status         string    `json:"status"`
	Network        string    `json:"network"`
}

// Participant is the read-only profile of an actor that performed events.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
}

// VerificationResult reports a local integrity recomputation and, separately,
// what the ledger says about the anchored digest.
type VerificationResult struct {
	EventID        string       `json:"eventId"`
	IsValid        bool         `json:"isValid"`
	StoredHash     string       `json:"storedHash"`
	ComputedHash   string       `json:"computedHash"`
	AnchorStatus   AnchorStatus `json:"anchorStatus"`
	TransactionRef string       `json:"transactionRef,omitempty"`
	Verified       bool         `json:"verified"`
	ChainChecked   bool         `json:"chainChecked"`
	ChainConfirmed bool         `json:"chainConfirmed"`
	ChainError     string       `json:"chainError,omitempty"`
	CheckedAt      time.Time    `json:"checkedAt"`
}

// TraceEvent is an event joined with its proof and performer.
type TraceEvent struct {
	Event
	AnchorProof *AnchorProof `json:"anchorProof"`
	Performer   *Participant `json:"performer,omitempty"`
}

// TraceSummary aggregates a trace.
type TraceSummary struct {
	TotalEvents       int `json:"totalEvents"`
	VerifiedEvents    int `json:"verifiedEvents"`
	AnchoredEvents    int `json:"anchoredEvents"`
	ParticipantsCount int `json:"participantsCount"`
}

// Trace is the chronological chain of custody for one product.
type Trace struct {
	ProductID    string        `json:"productId"`
	Events       []TraceEvent  `json:"events"`
	Participants []Participant `json:"participants"`
	Proofs       []AnchorProof `json:"proofs"`
	Summary      TraceSummary  `json:"summary"`
	GeneratedAt  time.Time     `json:"generatedAt"`
}

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
