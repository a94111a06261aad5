package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the relay transport needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RelayMessage is the JSON document published for an external SMTP relay.
type RelayMessage struct {
	To       string            `json:"to"`
	ToName   string            `json:"toName,omitempty"`
	From     string            `json:"from"`
	FromName string            `json:"fromName,omitempty"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// AMQPConfig configures the relay transport.
type AMQPConfig struct {
	Exchange      string
	RoutingKey    string
	FromName      string
	FromAddress   string
	SubjectPrefix string
	Timeout       time.Duration
}

// AMQPTransport publishes persistent relay messages to RabbitMQ. Delivery is
// confirmed once the broker accepts the publish.
type AMQPTransport struct {
	ch  Channel
	cfg AMQPConfig
}

// NewAMQPTransport wraps an open channel.
func NewAMQPTransport(ch Channel, cfg AMQPConfig) *AMQPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &AMQPTransport{ch: ch, cfg: cfg}
}

// SendMail implements Transport.
func (t *AMQPTransport) SendMail(ctx context.Context, to Address, subject, body string, headers map[string]string) error {
	if !to.Valid() {
		return ErrNoAddress
	}
	payload, err := json.Marshal(RelayMessage{
		To:       to.Email,
		ToName:   to.Name,
		From:     t.cfg.FromAddress,
		FromName: t.cfg.FromName,
		Subject:  t.cfg.SubjectPrefix + subject,
		Body:     body,
		Headers:  headers,
	})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	err = t.ch.PublishWithContext(ctx, t.cfg.Exchange, t.cfg.RoutingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish relay message: %w", err)
	}
	return nil
}

// DialAMQP opens a connection and channel and declares the exchange.
func DialAMQP(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}
