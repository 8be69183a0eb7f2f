package ledger

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/traceledger/internal/digest"
	"github.com/ILLUVRSE/traceledger/internal/models"
)

var txRefPattern = regexp.MustCompile(`^0x[a-f0-9]{64}$`)

func TestSimulatedAnchorProducesConfirmedProof(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewSimulatedClient(SimulatedConfig{Delay: time.Millisecond, Now: func() time.Time { return now }}, zerolog.Nop())
	hash := digest.Sum([]byte("event"))

	proof, err := c.Anchor(context.Background(), hash)
	require.NoError(t, err)

	assert.Regexp(t, txRefPattern, proof.TransactionRef)
	assert.Equal(t, hash, proof.DataHash)
	assert.Equal(t, "mock", proof.Network)
	assert.Equal(t, models.AnchorConfirmed, proof.Status)
	assert.Equal(t, "21000", proof.CostUnits)
	assert.Equal(t, now, proof.BlockTimestamp)
	assert.GreaterOrEqual(t, proof.BlockNumber, uint64(now.Unix()))
	assert.Less(t, proof.BlockNumber, uint64(now.Unix())+1000)

	info, err := c.GetTransaction(context.Background(), proof.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, proof.BlockNumber, info.BlockNumber)
}

func TestSimulatedAnchorRefsAreUnique(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{}, zerolog.Nop())
	hash := digest.Sum([]byte("same"))
	a, err := c.Anchor(context.Background(), hash)
	require.NoError(t, err)
	b, err := c.Anchor(context.Background(), hash)
	require.NoError(t, err)
	assert.NotEqual(t, a.TransactionRef, b.TransactionRef)
}

func TestSimulatedAnchorTimeout(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{Delay: time.Second, Timeout: 10 * time.Millisecond}, zerolog.Nop())

	_, err := c.Anchor(context.Background(), digest.Sum([]byte("slow")))
	var subErr *AnchorSubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "mock", subErr.Network)
}

func TestSimulatedAnchorFaultInjection(t *testing.T) {
	boom := errors.New("node unreachable")
	c := NewSimulatedClient(SimulatedConfig{Fault: func(string) error { return boom }}, zerolog.Nop())

	_, err := c.Anchor(context.Background(), digest.Sum([]byte("x")))
	var subErr *AnchorSubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.ErrorIs(t, err, boom)
}

func TestSimulatedAnchorFailureRate(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{FailureRate: 1}, zerolog.Nop())
	_, err := c.Anchor(context.Background(), digest.Sum([]byte("x")))
	var subErr *AnchorSubmissionError
	assert.True(t, errors.As(err, &subErr))
}

func TestSimulatedAnchorRejectsMalformedDigest(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{}, zerolog.Nop())
	_, err := c.Anchor(context.Background(), "not-a-digest")
	assert.ErrorIs(t, err, ErrMalformedDigest)
}

func TestSimulatedVerifyChecksSyntaxOnly(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{}, zerolog.Nop())
	ok, err := c.VerifyOnChain(context.Background(), "0xunknown", strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyOnChain(context.Background(), "0xunknown", strings.Repeat("Z", 64))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSimulatedGetTransactionUnknown(t *testing.T) {
	c := NewSimulatedClient(SimulatedConfig{}, zerolog.Nop())
	_, err := c.GetTransaction(context.Background(), "0xdeadbeef")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	var nf *TransactionNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "0xdeadbeef", nf.TxRef)
}
