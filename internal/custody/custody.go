// Package custody assembles the chain of custody for a product from stored
// events and proofs. It never changes anchoring state.
package custody

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/traceledger/internal/models"
	"github.com/ILLUVRSE/traceledger/internal/service"
	"github.com/ILLUVRSE/traceledger/internal/store"
)

// Assembler builds traces. Participant profiles are cached; they are display
// data and play no part in integrity.
type Assembler struct {
	store        store.Reader
	participants *lru.Cache[string, models.Participant]
	log          zerolog.Logger
	now          func() time.Time
}

// NewAssembler returns an Assembler with a participant cache of cacheSize
// entries (1024 when cacheSize <= 0).
func NewAssembler(r store.Reader, cacheSize int, log zerolog.Logger) *Assembler {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, _ := lru.New[string, models.Participant](cacheSize)
	return &Assembler{
		store:        r,
		participants: cache,
		log:          log.With().Str("component", "custody").Logger(),
		now:          time.Now,
	}
}

// GetTrace returns the product's events in timestamp order (ties by insertion
// order), each joined with its proof, plus the distinct participants and a
// summary.
func (a *Assembler) GetTrace(ctx context.Context, productID string) (models.Trace, error) {
	exists, err := a.store.ProductExists(ctx, productID)
	if err != nil {
		return models.Trace{}, fmt.Errorf("check product: %w", err)
	}
	if !exists {
		return models.Trace{}, &service.NotFoundError{Resource: "product", ID: productID}
	}

	events, err := a.store.ListEventsByProduct(ctx, productID)
	if err != nil {
		return models.Trace{}, fmt.Errorf("list events: %w", err)
	}
	proofs, err := a.store.ListAnchorProofsByProduct(ctx, productID)
	if err != nil {
		return models.Trace{}, fmt.Errorf("list anchor proofs: %w", err)
	}
	byEvent := make(map[string]models.AnchorProof, len(proofs))
	for _, p := range proofs {
		byEvent[p.EventID] = p
	}

	var ids []string
	seen := map[string]bool{}
	for _, ev := range events {
		if !seen[ev.PerformedBy] {
			seen[ev.PerformedBy] = true
			ids = append(ids, ev.PerformedBy)
		}
	}
	people, err := a.lookup(ctx, ids)
	if err != nil {
		return models.Trace{}, err
	}

	trace := models.Trace{
		ProductID:    productID,
		Events:       make([]models.TraceEvent, 0, len(events)),
		Participants: make([]models.Participant, 0, len(people)),
		Proofs:       make([]models.AnchorProof, 0, len(byEvent)),
		GeneratedAt:  a.now().UTC(),
	}
	for _, ev := range events {
		te := models.TraceEvent{Event: ev}
		if p, ok := byEvent[ev.ID]; ok {
			te.AnchorProof = &p
			trace.Proofs = append(trace.Proofs, p)
			if p.Status != models.AnchorFailed {
				trace.Summary.AnchoredEvents++
			}
		}
		if ev.Verified {
			trace.Summary.VerifiedEvents++
		}
		if who, ok := people[ev.PerformedBy]; ok {
			te.Performer = &who
		}
		trace.Events = append(trace.Events, te)
	}
	for _, id := range ids {
		if who, ok := people[id]; ok {
			trace.Participants = append(trace.Participants, who)
		}
	}
	sort.Slice(trace.Participants, func(i, j int) bool {
		if trace.Participants[i].Name != trace.Participants[j].Name {
			return trace.Participants[i].Name < trace.Participants[j].Name
		}
		return trace.Participants[i].ID < trace.Participants[j].ID
	})
	trace.Summary.TotalEvents = len(trace.Events)
	trace.Summary.ParticipantsCount = len(ids)
	return trace, nil
}

// lookup resolves participants through the cache. A failed lookup degrades
// the trace rather than failing it.
func (a *Assembler) lookup(ctx context.Context, ids []string) (map[string]models.Participant, error) {
	out := make(map[string]models.Participant, len(ids))
	var missing []string
	for _, id := range ids {
		if p, ok := a.participants.Get(id); ok {
			out[id] = p
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	found, err := a.store.GetParticipants(ctx, missing)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		a.log.Warn().Err(err).Int("count", len(missing)).Msg("participant lookup failed")
		return out, nil
	}
	for _, p := range found {
		a.participants.Add(p.ID, p)
		out[p.ID] = p
	}
	return out, nil
}

var qrProductID = regexp.MustCompile(`(?:^|[?&])pid=([A-Za-z0-9-]+)`)

// ProductIDFromQR extracts the product id from a QR payload such as
// "https://example.org/trace?pid=<id>".
func ProductIDFromQR(payload string) (string, error) {
	m := qrProductID.FindStringSubmatch(payload)
	if m == nil {
		return "", &service.ValidationError{Field: "qrCode", Msg: "no product id in QR payload"}
	}
	return m[1], nil
}

// GetTraceByQR resolves a QR payload to a product and returns its trace.
func (a *Assembler) GetTraceByQR(ctx context.Context, payload string) (models.Trace, error) {
	id, err := ProductIDFromQR(payload)
	if err != nil {
		return models.Trace{}, err
	}
	return a.GetTrace(ctx, id)
}
