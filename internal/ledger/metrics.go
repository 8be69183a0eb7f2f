package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ILLUVRSE/traceledger/internal/models"
)

// Metrics holds the anchoring collectors.
type Metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lookups  *prometheus.CounterVec
}

// NewMetrics registers the ledger collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceledger_anchor_attempts_total",
				Help: "Anchor submissions by network and outcome",
			},
			[]string{"network", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traceledger_anchor_duration_seconds",
				Help:    "Time spent in Anchor calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
			},
			[]string{"network"},
		),
		lookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceledger_ledger_lookups_total",
				Help: "VerifyOnChain and GetTransaction calls by outcome",
			},
			[]string{"network", "call", "outcome"},
		),
	}
}

// Instrument wraps c so every call is counted. The wrapper forwards
// AwaitConfirmation when c implements Confirmer.
func Instrument(c Client, m *Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumented{inner: c, m: m}
}

type instrumented struct {
	inner Client
	m     *Metrics
}

func (i *instrumented) Network() string { return i.inner.Network() }

func (i *instrumented) Anchor(ctx context.Context, dataHash string) (models.AnchorProof, error) {
	start := time.Now()
	proof, err := i.inner.Anchor(ctx, dataHash)
	i.m.duration.WithLabelValues(i.inner.Network()).Observe(time.Since(start).Seconds())
	outcome := "error"
	if err == nil {
		outcome = string(proof.Status)
	}
	i.m.attempts.WithLabelValues(i.inner.Network(), outcome).Inc()
	return proof, err
}

func (i *instrumented) VerifyOnChain(ctx context.Context, txRef, dataHash string) (bool, error) {
	ok, err := i.inner.VerifyOnChain(ctx, txRef, dataHash)
	i.m.lookups.WithLabelValues(i.inner.Network(), "verify", outcomeLabel(err)).Inc()
	return ok, err
}

func (i *instrumented) GetTransaction(ctx context.Context, txRef string) (models.TransactionInfo, error) {
	info, err := i.inner.GetTransaction(ctx, txRef)
	i.m.lookups.WithLabelValues(i.inner.Network(), "transaction", outcomeLabel(err)).Inc()
	return info, err
}

func (i *instrumented) AwaitConfirmation(ctx context.Context, proof models.AnchorProof) (models.AnchorProof, error) {
	c, ok := i.inner.(Confirmer)
	if !ok {
		return proof, ErrConfirmationUnsupported
	}
	out, err := c.AwaitConfirmation(ctx, proof)
	outcome := "error"
	if err == nil {
		outcome = string(out.Status)
	}
	i.m.attempts.WithLabelValues(i.inner.Network(), "confirm_"+outcome).Inc()
	return out, err
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
