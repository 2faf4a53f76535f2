package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/noah-isme/quizlearn-api/pkg/config"
)

// Document lifecycle event types, used as routing keys.
const (
	TypeDocumentUploaded  = "document.uploaded"
	TypeDocumentProcessed = "document.processed"
	TypeDocumentFailed    = "document.failed"
	TypeDocumentDeleted   = "document.deleted"
)

// Event is the JSON body published for each lifecycle transition.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	DocumentID string                 `json:"document_id"`
	EducatorID string                 `json:"educator_id,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// NewEvent stamps an id and timestamp.
func NewEvent(eventType, documentID, educatorID string, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		DocumentID: documentID,
		EducatorID: educatorID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher sends events to a RabbitMQ topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(cfg config.EventsConfig) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "documents"
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish sends evt with its type as routing key. A nil publisher drops the event.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.Type, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		evt.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.ID,
			Timestamp:    evt.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", evt.Type, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}
