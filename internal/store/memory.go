package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/traceledger/internal/models"
)

// MemoryStore is an in-process Store for development and tests. Units of work
// are serialized and staged, so a failed unit leaves no trace.
type MemoryStore struct {
	mu           sync.RWMutex
	txMu         sync.Mutex
	seq          int64
	products     map[string]string
	participants map[string]models.Participant
	events       map[string]models.Event
	proofs       map[string]models.AnchorProof // keyed by event id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     map[string]string{},
		participants: map[string]models.Participant{},
		events:       map[string]models.Event{},
		proofs:       map[string]models.AnchorProof{},
	}
}

// PutProduct registers a product so events can reference it.
func (m *MemoryStore) PutProduct(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = name
}

// PutParticipant registers a participant profile.
func (m *MemoryStore) PutParticipant(p models.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = p
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) ProductExists(ctx context.Context, productID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.products[productID]
	return ok, nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return models.Event{}, ErrNotFound
	}
	return copyEvent(ev), nil
}

func (m *MemoryStore) ListEventsByProduct(ctx context.Context, productID string) ([]models.Event, error) {
	m.mu.RLock()
	var out []models.Event
	for _, ev := range m.events {
		if ev.ProductID == productID {
			out = append(out, copyEvent(ev))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *MemoryStore) GetAnchorProof(ctx context.Context, eventID string) (models.AnchorProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proofs[eventID]
	if !ok {
		return models.AnchorProof{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListAnchorProofsByProduct(ctx context.Context, productID string) ([]models.AnchorProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AnchorProof
	for eventID, p := range m.proofs {
		if ev, ok := m.events[eventID]; ok && ev.ProductID == productID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetParticipants(ctx context.Context, ids []string) ([]models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Participant
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := m.participants[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// WithTx implements Store. Writes are staged and applied only when fn
// succeeds.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memTx{
		store:  m,
		events: map[string]models.Event{},
		proofs: map[string]models.AnchorProof{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ev := range tx.events {
		m.events[id] = ev
	}
	for id, p := range tx.proofs {
		m.proofs[id] = p
	}
	if tx.seq > m.seq {
		m.seq = tx.seq
	}
	return nil
}

type memTx struct {
	store  *MemoryStore
	seq    int64
	events map[string]models.Event
	proofs map[string]models.AnchorProof
}

func (t *memTx) event(id string) (models.Event, bool) {
	if ev, ok := t.events[id]; ok {
		return ev, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	ev, ok := t.store.events[id]
	return ev, ok
}

func (t *memTx) proof(eventID string) (models.AnchorProof, bool) {
	if p, ok := t.proofs[eventID]; ok {
		return p, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.proofs[eventID]
	return p, ok
}

func (t *memTx) InsertEvent(ctx context.Context, ev *models.Event) error {
	if _, exists := t.event(ev.ID); exists {
		return ErrEventExists
	}
	t.store.mu.RLock()
	_, productOK := t.store.products[ev.ProductID]
	if t.seq == 0 {
		t.seq = t.store.seq
	}
	t.store.mu.RUnlock()
	if !productOK {
		return ErrNotFound
	}
	t.seq++
	ev.Seq = t.seq
	ev.AnchorRef = nil
	ev.Verified = false
	t.events[ev.ID] = copyEvent(*ev)
	return nil
}

func (t *memTx) SaveAnchorProof(ctx context.Context, p *models.AnchorProof) error {
	if _, ok := t.event(p.EventID); !ok {
		return ErrNotFound
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if existing, ok := t.proof(p.EventID); ok {
		if existing.Status != models.AnchorFailed {
			return ErrProofExists
		}
		p.ID = existing.ID
	}
	t.proofs[p.EventID] = *p
	return nil
}

func (t *memTx) LinkAnchorProof(ctx context.Context, eventID, proofID string, verified bool) error {
	ev, ok := t.event(eventID)
	if !ok {
		return ErrNotFound
	}
	if ev.AnchorRef != nil && *ev.AnchorRef != proofID {
		return ErrAnchorRefSet
	}
	ref := proofID
	ev.AnchorRef = &ref
	ev.Verified = ev.Verified || verified
	t.events[eventID] = ev
	return nil
}

func (t *memTx) ResolveAnchorProof(ctx context.Context, p models.AnchorProof) error {
	existing, ok := t.proof(p.EventID)
	if !ok || existing.Status != models.AnchorPending || existing.TransactionRef != p.TransactionRef {
		return ErrStaleProof
	}
	existing.Status = p.Status
	existing.BlockNumber = p.BlockNumber
	existing.BlockTimestamp = p.BlockTimestamp
	existing.CostUnits = p.CostUnits
	t.proofs[p.EventID] = existing
	return nil
}

func copyEvent(ev models.Event) models.Event {
	if ev.Location != nil {
		loc := *ev.Location
		if loc.Accuracy != nil {
			a := *loc.Accuracy
			loc.Accuracy = &a
		}
		ev.Location = &loc
	}
	if ev.AnchorRef != nil {
		ref := *ev.AnchorRef
		ev.AnchorRef = &ref
	}
	return ev
}
