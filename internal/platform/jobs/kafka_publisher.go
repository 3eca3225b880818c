package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hanko-field/reconciler/internal/services"
)

// orderEventBatchTimeout bounds how long a synchronous write waits for a batch to fill.
// The kafka-go default is one second.
const orderEventBatchTimeout = 10 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// orderEventMessage is the wire shape of an order lifecycle event.
type orderEventMessage struct {
	Type             string    `json:"type"`
	OrderID          string    `json:"orderId"`
	OrderNumber      string    `json:"orderNumber,omitempty"`
	UserID           string    `json:"userId,omitempty"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	PreviousStatus   string    `json:"previousStatus,omitempty"`
	CurrentStatus    string    `json:"currentStatus"`
	ActorID          string    `json:"actorId,omitempty"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// KafkaOrderEventPublisher writes order events keyed by order id so a single order's
// events stay on one partition.
type KafkaOrderEventPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaOrderEventPublisher builds a publisher over the given brokers.
func NewKafkaOrderEventPublisher(brokers []string, topic string) (*KafkaOrderEventPublisher, error) {
	cleaned := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			cleaned = append(cleaned, b)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("kafka order event publisher: brokers are required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka order event publisher: topic is required")
	}
	return &KafkaOrderEventPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cleaned...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           orderEventBatchTimeout,
			AllowAutoTopicCreation: false,
		},
		topic: topic,
	}, nil
}

// PublishOrderEvent serialises event as JSON and writes it synchronously.
func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order event publisher: not initialised")
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return errors.New("kafka order event publisher: order id is required")
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	payload, err := json.Marshal(orderEventMessage{
		Type:             event.Type,
		OrderID:          event.OrderID,
		OrderNumber:      event.OrderNumber,
		UserID:           event.UserID,
		PaymentReference: event.PaymentReference,
		PreviousStatus:   event.PreviousStatus,
		CurrentStatus:    event.CurrentStatus,
		ActorID:          event.ActorID,
		Amount:           event.Amount,
		Currency:         event.Currency,
		OccurredAt:       occurred.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: payload,
		Time:  occurred,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaOrderEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
