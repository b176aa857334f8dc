// Package amqp publishes notify alerts as JSON events on a RabbitMQ topic
// exchange. The routing key is the alert kind.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/notify"
)

const (
	// DefaultExchange is used when Opts.Exchange is empty.
	DefaultExchange = "signalbox.events"
	// DefaultProducer is stamped into every envelope.
	DefaultProducer = "signalbox"

	dialAttempts = 5
	dialDelay    = time.Second
	maxDialDelay = 30 * time.Second
)

// Meta describes an event.
type Meta struct {
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"` // e.g. template.status.v1
}

// Envelope is the published message body.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// connection is the subset of *amqp091.Connection the publisher uses.
type connection interface {
	Channel() (channel, error)
	Close() error
}

type amqpConn struct {
	c *amqp091.Connection
}

func (a amqpConn) Channel() (channel, error) {
	ch, err := a.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a amqpConn) Close() error { return a.c.Close() }

// Publisher implements notify.Notifier over AMQP.
type Publisher struct {
	conn     connection
	exchange string
	producer string
	logger   *zap.Logger
}

// Opts holds parameters for creating a Publisher.
type Opts struct {
	URL      string
	Exchange string
	Producer string
	Logger   *zap.Logger
	// For testing: replaces amqp091.Dial.
	Dial func(url string) (connection, error)
}

// New connects, retrying with backoff, and declares the durable topic
// exchange.
func New(ctx context.Context, opts Opts) (*Publisher, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.Producer == "" {
		opts.Producer = DefaultProducer
	}
	logger := logging.OrNop(opts.Logger)
	dial := opts.Dial
	if dial == nil {
		dial = func(url string) (connection, error) {
			c, err := amqp091.Dial(url)
			if err != nil {
				return nil, err
			}
			return amqpConn{c: c}, nil
		}
	}

	conn, err := dialWithRetry(ctx, dial, opts.URL, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", opts.Exchange, err)
	}

	return &Publisher{
		conn:     conn,
		exchange: opts.Exchange,
		producer: opts.Producer,
		logger:   logger,
	}, nil
}

func dialWithRetry(ctx context.Context, dial func(string) (connection, error), url string, logger *zap.Logger) (connection, error) {
	var lastErr error
	for i := 1; i <= dialAttempts; i++ {
		conn, err := dial(url)
		if err == nil {
			if i > 1 {
				logger.Info("amqp connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == dialAttempts {
			break
		}

		sleep := dialDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn("amqp dial failed",
			zap.Int("attempt", i), zap.Duration("sleep", sleep), zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp: dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("amqp: connect after %d attempts: %w", dialAttempts, lastErr)
}

// NewEnvelope wraps an alert for publishing.
func NewEnvelope(producer string, a notify.Alert) Envelope {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: &producer,
			Time:     at,
			Type:     string(a.Kind),
		},
		Data: a,
	}
}

// Notify implements notify.Notifier.
func (p *Publisher) Notify(ctx context.Context, a notify.Alert) error {
	return p.Publish(ctx, string(a.Kind), NewEnvelope(p.producer, a))
}

// Publish sends one envelope on its own channel.
func (p *Publisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("amqp: encode envelope: %w", err)
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	defer ch.Close()

	msgID := env.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish %s: %w", key, err)
	}
	p.logger.Debug("published", zap.String("key", key), zap.String("exchange", p.exchange))
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
