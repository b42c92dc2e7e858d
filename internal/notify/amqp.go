package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/farewell/farewelld/internal/logging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// NotificationEventType is the envelope type of every published notification.
const NotificationEventType = "notification.published.v1"

// EventMeta mirrors the envelope metadata consumed by downstream services.
type EventMeta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer"`
}

// Envelope wraps a published notification.
type Envelope struct {
	Meta EventMeta    `json:"meta"`
	Data Notification `json:"data"`
}

// RoutingKey returns the topic key for n, e.g. "notification.role.operational".
func RoutingKey(n Notification) string {
	return "notification." + n.Recipient.Key()
}

// NewEnvelope builds the envelope for n. The notification id doubles as the
// correlation id so consumers can trace it back to the stored record.
func NewEnvelope(n Notification) Envelope {
	cid := n.ID
	return Envelope{
		Meta: EventMeta{
			ID:            uuid.NewString(),
			CorrelationID: &cid,
			Time:          n.Date,
			Type:          NotificationEventType,
			Producer:      "farewelld",
		},
		Data: n,
	}
}

// amqpDialAttempts and amqpDialDelay bound DialAMQP's retry loop.
var amqpDialAttempts = 5
var amqpDialDelay = 500 * time.Millisecond

const amqpMaxDelay = 30 * time.Second

// AMQP publishes notifications onto a topic exchange.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
}

// DialAMQP connects with exponential backoff and declares exchange as a
// durable topic exchange.
func DialAMQP(ctx context.Context, url, exchange string) (*AMQP, error) {
	if exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	conn, err := dialWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQP{conn: conn, exchange: exchange}, nil
}

func dialWithRetry(ctx context.Context, url string) (*amqp.Connection, error) {
	var lastErr error
	for i := 1; i <= amqpDialAttempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			if i > 1 {
				logging.Get().Info().Int("attempt", i).Msg("amqp connected")
			}
			return conn, nil
		}
		lastErr = err
		sleep := amqpDialDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > amqpMaxDelay {
			sleep = amqpMaxDelay
		}
		logging.Get().Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("amqp dial failed")
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to amqp after %d attempts: %w", amqpDialAttempts, lastErr)
}

func (a *AMQP) Name() string { return "AMQP" }

// Send publishes n as a persistent JSON message.
func (a *AMQP) Send(ctx context.Context, n Notification) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	env := NewEnvelope(n)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, a.exchange, RoutingKey(n), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: n.ID,
		Type:          NotificationEventType,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
}

// Close closes the underlying connection.
func (a *AMQP) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
