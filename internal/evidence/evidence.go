// Package evidence publishes a copy of every committed event and proof change
// to downstream systems. Publication is best effort and never feeds back into
// the recorded event.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/traceledger/internal/models"
)

// Kind names the state change a Record describes.
type Kind string

const (
	KindEventRecorded Kind = "event.recorded"
	KindProofAttached Kind = "anchor.attached"
	KindProofResolved Kind = "anchor.resolved"
)

// Record is one evidence item.
type Record struct {
	Kind      Kind
	Event     models.Event
	Proof     *models.AnchorProof
	EmittedAt time.Time
}

type envelope struct {
	Kind      Kind                `json:"kind"`
	Event     models.Event        `json:"event"`
	Proof     *models.AnchorProof `json:"proof"`
	EmittedAt time.Time           `json:"emittedAt"`
}

// Envelope returns the RFC 8785 canonical JSON form of r. Every sink publishes
// these exact bytes.
func (r Record) Envelope() ([]byte, error) {
	raw, err := json.Marshal(envelope{Kind: r.Kind, Event: r.Event, Proof: r.Proof, EmittedAt: r.EmittedAt.UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	return out, nil
}

// Sink is a single evidence destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec Record, body []byte) error
	Close() error
}

// Emitter is what the integrity service depends on.
type Emitter interface {
	Emit(rec Record)
}

// Dispatcher fans records out to every configured sink in the background.
type Dispatcher struct {
	sinks   []Sink
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher returns a dispatcher over sinks. With no sinks Emit is a no-op.
func NewDispatcher(log zerolog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		sinks:   sinks,
		log:     log.With().Str("component", "evidence").Logger(),
		timeout: timeout,
		now:     time.Now,
	}
}

// Emit implements Emitter.
func (d *Dispatcher) Emit(rec Record) {
	if len(d.sinks) == 0 {
		return
	}
	if rec.EmittedAt.IsZero() {
		rec.EmittedAt = d.now().UTC()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn().Str("kind", string(rec.Kind)).Str("event_id", rec.Event.ID).Msg("dispatcher closed; evidence dropped")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.deliver(rec)
	}()
}

func (d *Dispatcher) deliver(rec Record) {
	body, err := rec.Envelope()
	if err != nil {
		d.log.Error().Err(err).Str("event_id", rec.Event.ID).Msg("build evidence envelope")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	for _, s := range d.sinks {
		if err := s.Publish(ctx, rec, body); err != nil {
			d.log.Warn().Err(err).
				Str("sink", s.Name()).
				Str("kind", string(rec.Kind)).
				Str("event_id", rec.Event.ID).
				Msg("evidence publish failed")
			continue
		}
		d.log.Debug().Str("sink", s.Name()).Str("kind", string(rec.Kind)).Str("event_id", rec.Event.ID).Msg("evidence published")
	}
}

// Close waits for in-flight deliveries (bounded by ctx) and closes the sinks.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, s := range d.sinks {
		if cerr := s.Close(); cerr != nil {
			d.log.Warn().Err(cerr).Str("sink", s.Name()).Msg("close sink")
		}
	}
	return err
}
