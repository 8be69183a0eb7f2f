package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSinkConfig contains configurable parameters for the Kafka sink.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts defaults to 3.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes envelopes keyed by product id, so the hash balancer keeps
// one product's evidence on one partition, in order.
type KafkaSink struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaSink(w, cfg.MaxAttempts, cfg.WriteTimeout), nil
}

func newKafkaSink(w messageWriter, attempts int, timeout time.Duration) *KafkaSink {
	return &KafkaSink{writer: w, maxAttempts: attempts, writeTimeout: timeout, backoff: 100 * time.Millisecond}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Publish writes one message, retrying with exponential backoff.
func (k *KafkaSink) Publish(ctx context.Context, rec Record, body []byte) error {
	msg := kafka.Message{
		Key:   []byte(rec.Event.ProductID),
		Value: body,
		Time:  rec.EmittedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "event_id", Value: []byte(rec.Event.ID)},
		},
	}

	var lastErr error
	backoff := k.backoff
	for attempt := 1; attempt <= k.maxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, k.writeTimeout)
		err := k.writer.WriteMessages(actx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == k.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka produce: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", k.maxAttempts, lastErr)
}

func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
