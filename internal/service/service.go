// Package service records supply-chain events with a content hash, anchors
// the hash on the configured ledger and re-verifies stored events later.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/traceledger/internal/canonical"
	"github.com/ILLUVRSE/traceledger/internal/digest"
	"github.com/ILLUVRSE/traceledger/internal/evidence"
	"github.com/ILLUVRSE/traceledger/internal/ledger"
	"github.com/ILLUVRSE/traceledger/internal/lock"
	"github.com/ILLUVRSE/traceledger/internal/models"
	"github.com/ILLUVRSE/traceledger/internal/store"
)

// Options carries the optional collaborators of a Service.
type Options struct {
	Emitter evidence.Emitter
	Locker  lock.Locker
	Metrics *Metrics

	// ConfirmTimeout bounds background confirmation of PENDING proofs.
	// Defaults to 10m.
	ConfirmTimeout time.Duration

	// ChainCheckTimeout bounds VerifyOnChain during verification. Defaults to 30s.
	ChainCheckTimeout time.Duration

	// LockTTL bounds how long a re-anchor holds the per-event lock. Defaults to 5m.
	LockTTL time.Duration

	Now   func() time.Time
	NewID func() string
}

// Service is the event integrity service.
type Service struct {
	store   store.Store
	ledger  ledger.Client
	emitter evidence.Emitter
	locker  lock.Locker
	metrics *Metrics
	log     zerolog.Logger

	confirmTimeout    time.Duration
	chainCheckTimeout time.Duration
	lockTTL           time.Duration
	now               func() time.Time
	newID             func() string

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(st store.Store, lc ledger.Client, log zerolog.Logger, opts Options) *Service {
	if opts.Emitter == nil {
		opts.Emitter = evidence.NewDispatcher(log, 0)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 10 * time.Minute
	}
	if opts.ChainCheckTimeout <= 0 {
		opts.ChainCheckTimeout = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = models.NewUUID
	}
	bg, stop := context.WithCancel(context.Background())
	return &Service{
		store:             st,
		ledger:            lc,
		emitter:           opts.Emitter,
		locker:            opts.Locker,
		metrics:           opts.Metrics,
		log:               log.With().Str("component", "integrity").Logger(),
		confirmTimeout:    opts.ConfirmTimeout,
		chainCheckTimeout: opts.ChainCheckTimeout,
		lockTTL:           opts.LockTTL,
		now:               opts.Now,
		newID:             opts.NewID,
		bg:                bg,
		stop:              stop,
	}
}

// RecordRequest is the caller-supplied part of a new event.
type RecordRequest struct {
	ProductID   string           `json:"productId"`
	EventType   string           `json:"eventType"`
	PerformedBy string           `json:"performedBy"`
	Location    *models.Location `json:"location,omitempty"`
	Description string           `json:"description,omitempty"`
	Metadata    canonical.Value  `json:"metadata"`
}

// RecordResult is the outcome of recording or re-anchoring. A nil error with
// a non-nil AnchorError means the event is stored but not anchored.
type RecordResult struct {
	Event       models.Event
	Proof       *models.AnchorProof
	AnchorError error
}

func validateLocation(loc *models.Location) error {
	if loc == nil {
		return nil
	}
	if math.IsNaN(loc.Latitude) || math.IsInf(loc.Latitude, 0) ||
		math.IsNaN(loc.Longitude) || math.IsInf(loc.Longitude, 0) {
		return invalid("location", "non-finite coordinate")
	}
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return invalid("location.latitude", "must be within [-90, 90]")
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return invalid("location.longitude", "must be within [-180, 180]")
	}
	if a := loc.Accuracy; a != nil {
		if math.IsNaN(*a) || math.IsInf(*a, 0) || *a < 0 {
			return invalid("location.accuracy", "must be a finite, non-negative number")
		}
	}
	return nil
}

func (r RecordRequest) validate() (models.EventType, error) {
	if strings.TrimSpace(r.ProductID) == "" {
		return "", invalid("productId", "required")
	}
	if strings.TrimSpace(r.PerformedBy) == "" {
		return "", invalid("performedBy", "required")
	}
	et, err := models.ParseEventType(r.EventType)
	if err != nil {
		return "", &ValidationError{Field: "eventType", Msg: err.Error(), Err: err}
	}
	if err := validateLocation(r.Location); err != nil {
		return "", err
	}
	if k := r.Metadata.Kind(); k != canonical.KindNull && k != canonical.KindMap {
		return "", invalid("metadata", "must be an object, got "+k.String())
	}
	return et, nil
}

// RecordEvent validates and persists a new event, then anchors its hash. An
// anchoring failure leaves the event stored with verified=false and is
// reported in RecordResult.AnchorError.
func (s *Service) RecordEvent(ctx context.Context, req RecordRequest) (RecordResult, error) {
	et, err := req.validate()
	if err != nil {
		return RecordResult{}, err
	}
	exists, err := s.store.ProductExists(ctx, req.ProductID)
	if err != nil {
		return RecordResult{}, fmt.Errorf("check product: %w", err)
	}
	if !exists {
		return RecordResult{}, &NotFoundError{Resource: "product", ID: req.ProductID}
	}

	ev := models.Event{
		ID:          s.newID(),
		ProductID:   req.ProductID,
		EventType:   et,
		PerformedBy: req.PerformedBy,
		Timestamp:   canonical.NormalizeTimestamp(s.now()),
		Location:    req.Location,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	payload, err := canonical.EncodeEvent(ev.Fields())
	if err != nil {
		return RecordResult{}, &ValidationError{Msg: err.Error(), Err: err}
	}
	ev.DataHash = digest.Sum(payload)

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEvent(ctx, &ev)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return RecordResult{}, &NotFoundError{Resource: "product", ID: req.ProductID}
	case err != nil:
		return RecordResult{}, fmt.Errorf("persist event: %w", err)
	}
	s.log.Info().
		Str("event_id", ev.ID).
		Str("product_id", ev.ProductID).
		Str("event_type", string(ev.EventType)).
		Str("data_hash", ev.DataHash).
		Msg("event recorded")
	s.emitter.Emit(evidence.Record{Kind: evidence.KindEventRecorded, Event: ev})

	proof, anchorErr := s.anchorAndLink(ctx, &ev)
	s.metrics.record(string(ev.EventType), anchorOutcome(proof, anchorErr))
	return RecordResult{Event: ev, Proof: proof, AnchorError: anchorErr}, nil
}

func anchorOutcome(p *models.AnchorProof, err error) string {
	if err != nil || p == nil {
		return "failed"
	}
	return strings.ToLower(string(p.Status))
}

// anchorAndLink submits ev.DataHash and, on success, persists the proof and
// links it in one unit of work. ev is updated to the committed state.
//
// The submission is detached from the caller: once a transaction may have
// reached the ledger its proof must be recorded, so only the ledger client's
// own timeout bounds the call.
func (s *Service) anchorAndLink(ctx context.Context, ev *models.Event) (*models.AnchorProof, error) {
	wctx := context.WithoutCancel(ctx)
	p, err := s.ledger.Anchor(wctx, ev.DataHash)
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("anchoring failed; event left unverified")
		return nil, err
	}
	if p.Status != models.AnchorConfirmed && p.Status != models.AnchorPending {
		err := &ledger.AnchorSubmissionError{Network: p.Network, TxRef: p.TransactionRef, Err: fmt.Errorf("unexpected proof status %q", p.Status)}
		s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("anchoring failed; event left unverified")
		return nil, err
	}
	p.ID = s.newID()
	p.EventID = ev.ID
	p.DataHash = ev.DataHash
	p.CreatedAt = s.now().UTC()
	confirmed := p.Status == models.AnchorConfirmed

	err = s.store.WithTx(wctx, func(tx store.Tx) error {
		if err := tx.SaveAnchorProof(wctx, &p); err != nil {
			return err
		}
		return tx.LinkAnchorProof(wctx, ev.ID, p.ID, confirmed)
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("tx_ref", p.TransactionRef).
			Msg("anchored but could not persist proof")
		return nil, fmt.Errorf("persist anchor proof for tx %s: %w", p.TransactionRef, err)
	}

	ref := p.ID
	ev.AnchorRef = &ref
	ev.Verified = ev.Verified || confirmed
	s.log.Info().
		Str("event_id", ev.ID).
		Str("tx_ref", p.TransactionRef).
		Str("network", p.Network).
		Str("status", string(p.Status)).
		Msg("anchor proof linked")
	s.emitter.Emit(evidence.Record{Kind: evidence.KindProofAttached, Event: *ev, Proof: &p})

	if p.Status == models.AnchorPending {
		s.awaitConfirmation(*ev, p)
	}
	return &p, nil
}

// awaitConfirmation settles a PENDING proof in its own goroutine.
func (s *Service) awaitConfirmation(ev models.Event, p models.AnchorProof) {
	c, ok := s.ledger.(ledger.Confirmer)
	if !ok {
		s.log.Error().Str("event_id", ev.ID).Msg("ledger returned a pending proof but cannot confirm it")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.bg, s.confirmTimeout)
		defer cancel()

		final, err := c.AwaitConfirmation(ctx, p)
		if err != nil {
			if s.bg.Err() != nil {
				s.log.Warn().Str("event_id", ev.ID).Str("tx_ref", p.TransactionRef).Msg("shutting down; proof left pending")
				return
			}
			s.log.Warn().Err(err).Str("event_id", ev.ID).Str("tx_ref", p.TransactionRef).Msg("confirmation failed")
			final = p
			final.Status = models.AnchorFailed
		}
		s.resolve(ev, final)
	}()
}

func (s *Service) resolve(ev models.Event, final models.AnchorProof) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.ResolveAnchorProof(ctx, final); err != nil {
			return err
		}
		if final.Status == models.AnchorConfirmed {
			return tx.LinkAnchorProof(ctx, ev.ID, final.ID, true)
		}
		return nil
	})
	if errors.Is(err, store.ErrStaleProof) {
		s.log.Info().Str("event_id", ev.ID).Str("tx_ref", final.TransactionRef).Msg("proof already settled")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("event_id", ev.ID).Str("tx_ref", final.TransactionRef).Msg("persist confirmation")
		return
	}
	if final.Status == models.AnchorConfirmed {
		ev.Verified = true
	}
	s.log.Info().
		Str("event_id", ev.ID).
		Str("tx_ref", final.TransactionRef).
		Str("status", string(final.Status)).
		Uint64("block", final.BlockNumber).
		Msg("anchor resolved")
	s.emitter.Emit(evidence.Record{Kind: evidence.KindProofResolved, Event: ev, Proof: &final})
}

// VerifyEvent recomputes the event hash from its stored fields. The local
// check never touches the ledger; when checkChain is set and a proof exists,
// the ledger's answer is reported separately.
func (s *Service) VerifyEvent(ctx context.Context, eventID string, checkChain bool) (models.VerificationResult, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return models.VerificationResult{}, &NotFoundError{Resource: "event", ID: eventID}
	}
	if err != nil {
		return models.VerificationResult{}, fmt.Errorf("load event: %w", err)
	}

	res := models.VerificationResult{
		EventID:      ev.ID,
		StoredHash:   ev.DataHash,
		AnchorStatus: models.AnchorNone,
		Verified:     ev.Verified,
	}
	payload, err := canonical.EncodeEvent(ev.Fields())
	if err != nil {
		// a stored record that no longer encodes has been altered
		s.log.Error().Err(err).Str("event_id", ev.ID).Msg("stored event cannot be canonicalized")
	} else {
		res.ComputedHash = digest.Sum(payload)
		res.IsValid = res.ComputedHash == ev.DataHash
	}
	if res.IsValid {
		s.metrics.integrity("valid")
	} else {
		s.metrics.integrity("mismatch")
		s.log.Error().
			Str("event_id", ev.ID).
			Str("stored_hash", res.StoredHash).
			Str("computed_hash", res.ComputedHash).
			Msg("integrity mismatch")
	}

	proof, err := s.store.GetAnchorProof(ctx, ev.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return models.VerificationResult{}, fmt.Errorf("load anchor proof: %w", err)
	default:
		res.AnchorStatus = proof.Status
		res.TransactionRef = proof.TransactionRef
		if checkChain && proof.Status != models.AnchorFailed {
			s.checkChain(ctx, &res, proof.TransactionRef, ev.DataHash)
		}
	}
	res.CheckedAt = s.now().UTC()
	return res, nil
}

func (s *Service) checkChain(ctx context.Context, res *models.VerificationResult, txRef, dataHash string) {
	ctx, cancel := context.WithTimeout(ctx, s.chainCheckTimeout)
	defer cancel()
	res.ChainChecked = true
	ok, err := s.ledger.VerifyOnChain(ctx, txRef, dataHash)
	if err != nil {
		res.ChainError = err.Error()
		s.log.Warn().Err(err).Str("event_id", res.EventID).Str("tx_ref", txRef).Msg("ledger verification unavailable")
		return
	}
	res.ChainConfirmed = ok
}

// ReanchorEvent retries anchoring of an unverified event with its stored
// hash. A verified event is returned as is.
func (s *Service) ReanchorEvent(ctx context.Context, eventID string) (RecordResult, error) {
	release, err := s.locker.Acquire(ctx, "reanchor:"+eventID, s.lockTTL)
	if err != nil {
		return RecordResult{}, fmt.Errorf("re-anchor event %s: %w", eventID, err)
	}
	defer release()

	ev, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return RecordResult{}, &NotFoundError{Resource: "event", ID: eventID}
	}
	if err != nil {
		return RecordResult{}, fmt.Errorf("load event: %w", err)
	}

	existing, err := s.store.GetAnchorProof(ctx, eventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return RecordResult{}, fmt.Errorf("load anchor proof: %w", err)
	case ev.Verified || existing.Status == models.AnchorConfirmed:
		return RecordResult{Event: ev, Proof: &existing}, nil
	case existing.Status == models.AnchorPending:
		if s.now().Sub(existing.CreatedAt) < s.confirmTimeout {
			return RecordResult{}, ErrAnchorPending
		}
		if err := s.expire(ctx, existing); err != nil {
			return RecordResult{}, err
		}
	}

	s.log.Info().Str("event_id", ev.ID).Str("data_hash", ev.DataHash).Msg("re-anchoring event")
	proof, anchorErr := s.anchorAndLink(ctx, &ev)
	return RecordResult{Event: ev, Proof: proof, AnchorError: anchorErr}, nil
}

// expire fails a PENDING proof nobody is waiting on any more.
func (s *Service) expire(ctx context.Context, p models.AnchorProof) error {
	failed := p
	failed.Status = models.AnchorFailed
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.ResolveAnchorProof(ctx, failed)
	})
	if err != nil && !errors.Is(err, store.ErrStaleProof) {
		return fmt.Errorf("expire pending proof: %w", err)
	}
	s.log.Warn().Str("event_id", p.EventID).Str("tx_ref", p.TransactionRef).Msg("expired stale pending proof")
	return nil
}

// GetEvent returns an event with its proof and performer.
func (s *Service) GetEvent(ctx context.Context, eventID string) (models.TraceEvent, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return models.TraceEvent{}, &NotFoundError{Resource: "event", ID: eventID}
	}
	if err != nil {
		return models.TraceEvent{}, fmt.Errorf("load event: %w", err)
	}
	out := models.TraceEvent{Event: ev}

	proof, err := s.store.GetAnchorProof(ctx, eventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return models.TraceEvent{}, fmt.Errorf("load anchor proof: %w", err)
	default:
		out.AnchorProof = &proof
	}

	ps, err := s.store.GetParticipants(ctx, []string{ev.PerformedBy})
	if err != nil {
		return models.TraceEvent{}, fmt.Errorf("load performer: %w", err)
	}
	if len(ps) == 1 {
		out.Performer = &ps[0]
	}
	return out, nil
}

// ListProductEvents returns a product's events, newest first, with proofs.
func (s *Service) ListProductEvents(ctx context.Context, productID string) ([]models.TraceEvent, error) {
	exists, err := s.store.ProductExists(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("check product: %w", err)
	}
	if !exists {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	events, err := s.store.ListEventsByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	proofs, err := s.store.ListAnchorProofsByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list anchor proofs: %w", err)
	}
	byEvent := make(map[string]models.AnchorProof, len(proofs))
	for _, p := range proofs {
		byEvent[p.EventID] = p
	}

	out := make([]models.TraceEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		te := models.TraceEvent{Event: events[i]}
		if p, ok := byEvent[events[i].ID]; ok {
			te.AnchorProof = &p
		}
		out = append(out, te)
	}
	return out, nil
}

// GetTransaction looks a transaction reference up on the ledger.
func (s *Service) GetTransaction(ctx context.Context, txRef string) (models.TransactionInfo, error) {
	if strings.TrimSpace(txRef) == "" {
		return models.TransactionInfo{}, invalid("transactionRef", "required")
	}
	info, err := s.ledger.GetTransaction(ctx, txRef)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return models.TransactionInfo{}, &NotFoundError{Resource: "transaction", ID: txRef}
	}
	if err != nil {
		return models.TransactionInfo{}, fmt.Errorf("ledger lookup: %w", err)
	}
	return info, nil
}

// Shutdown waits for background confirmations until ctx ends, then abandons
// the rest. Abandoned proofs stay PENDING and can be re-anchored once stale.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		return ctx.Err()
	}
}
