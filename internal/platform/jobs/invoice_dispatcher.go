package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/reconciler/internal/services"
)

// InvoiceTaskMessage is the Pub/Sub payload consumed by the invoice worker endpoint.
type InvoiceTaskMessage struct {
	OrderID       string    `json:"orderId"`
	OrderNumber   string    `json:"orderNumber,omitempty"`
	InvoiceNumber string    `json:"invoiceNumber,omitempty"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// PubSubInvoiceDispatcher queues invoice rendering tasks on a Pub/Sub topic.
type PubSubInvoiceDispatcher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubInvoiceDispatcher constructs a Pub/Sub backed invoice dispatcher.
func NewPubSubInvoiceDispatcher(topic *pubsub.Topic) (*PubSubInvoiceDispatcher, error) {
	if topic == nil {
		return nil, errors.New("pubsub invoice dispatcher: topic is required")
	}
	return &PubSubInvoiceDispatcher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// DispatchInvoice publishes the task and waits for the server acknowledgement.
func (d *PubSubInvoiceDispatcher) DispatchInvoice(ctx context.Context, task services.InvoiceTask) error {
	if d == nil || d.topic == nil {
		return errors.New("pubsub invoice dispatcher: not initialised")
	}
	orderID := strings.TrimSpace(task.OrderID)
	if orderID == "" {
		return errors.New("pubsub invoice dispatcher: order id is required")
	}

	data, err := d.marshal(InvoiceTaskMessage{
		OrderID:       orderID,
		OrderNumber:   task.OrderNumber,
		InvoiceNumber: task.InvoiceNumber,
		RequestedAt:   task.RequestedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal invoice task: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", orderID)
	setAttr(attrs, "invoiceNumber", task.InvoiceNumber)

	result := d.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish invoice task: %w", err)
	}
	return nil
}

// DecodeInvoiceTask parses a task payload delivered by a push subscription.
func DecodeInvoiceTask(data []byte) (services.InvoiceTask, error) {
	var msg InvoiceTaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return services.InvoiceTask{}, fmt.Errorf("decode invoice task: %w", err)
	}
	if strings.TrimSpace(msg.OrderID) == "" {
		return services.InvoiceTask{}, errors.New("decode invoice task: order id is required")
	}
	return services.InvoiceTask{
		OrderID:       strings.TrimSpace(msg.OrderID),
		OrderNumber:   msg.OrderNumber,
		InvoiceNumber: msg.InvoiceNumber,
		RequestedAt:   msg.RequestedAt,
	}, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
