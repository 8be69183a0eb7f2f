package evidence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPSink publishes envelopes to a durable topic exchange, routed by kind.
type AMQPSink struct {
	conn     *amqp091.Connection
	channel  amqpChannel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", errors.New("amqp: malformed url")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp: scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(amqpURL, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		return nil, fmt.Errorf("amqp: exchange required")
	}
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	s, err := newAMQPSink(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func newAMQPSink(ch amqpChannel, exchange string) (*AMQPSink, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	return &AMQPSink{channel: ch, exchange: exchange}, nil
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Publish(ctx context.Context, rec Record, body []byte) error {
	err := a.channel.PublishWithContext(ctx, a.exchange, string(rec.Kind), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    rec.Event.ID + ":" + string(rec.Kind),
		Timestamp:    rec.EmittedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQPSink) Close() error {
	var err error
	if a.channel != nil {
		err = a.channel.Close()
	}
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
