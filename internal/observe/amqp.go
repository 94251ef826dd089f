package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

// DefaultExchange receives transition events
const DefaultExchange = "liteflow.events"

// MessageTypeTransition marks node transition messages
const MessageTypeTransition = "node.transition"

// Message is the envelope published for every event
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionPayload is the body of a transition message
type TransitionPayload struct {
	RunID string `json:"run_id"`
	Node  string `json:"node"`
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

// Channel is the part of *amqp.Channel the publisher needs
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes transitions to a topic exchange. The routing key is
// the target state, so consumers can bind to e.g. "failed" only.
type AMQPPublisher struct {
	ch       Channel
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
	close    func() error
}

// NewAMQPPublisher publishes through an open channel
func NewAMQPPublisher(ctx context.Context, ch Channel, exchange string) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{
		ch:       ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   ctxlog.FromContext(ctx),
		close:    func() error { return nil },
	}
}

// DialAMQP connects to a broker and declares the exchange
func DialAMQP(ctx context.Context, url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := NewAMQPPublisher(ctx, ch, exchange)
	p.close = conn.Close
	p.logger.Info("connected to RabbitMQ", slog.String("exchange", exchange))
	return p, nil
}

// Close releases the broker connection
func (p *AMQPPublisher) Close() error { return p.close() }

// Observe implements scheduler.Observer. Publish failures are logged and
// never interrupt the run.
func (p *AMQPPublisher) Observe(ev scheduler.Event) {
	payload := TransitionPayload{RunID: ev.RunID, Node: ev.Node, From: string(ev.From), To: string(ev.To)}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeTransition,
		Payload:   payload,
		Timestamp: ev.Time,
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, string(ev.To), msg); err != nil {
		p.logger.Warn("failed to publish event", slog.String("node", ev.Node), slog.Any("error", err))
	}
}

// Publish sends msg with the given routing key
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         msg.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", p.exchange, routingKey, err)
	}
	p.logger.Debug("published message",
		slog.String("exchange", p.exchange),
		slog.String("routing_key", routingKey),
		slog.String("message_id", msg.ID))
	return nil
}
