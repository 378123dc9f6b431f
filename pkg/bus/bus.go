// Package bus carries loan events over an AMQP topic exchange.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/libranexus/lending/pkg/events"
)

const (
	DefaultExchange = "library.events"
	exchangeKind    = "topic"

	// AttemptsHeader counts failed handler runs for a redelivered message.
	AttemptsHeader = "x-attempts"
	errorHeader    = "x-error"
	originHeader   = "x-original-routing-key"

	deadLetterSuffix = ".dead-letter"
)

// Publisher broadcasts events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// DeadLetterQueue names the queue that receives messages given up on for queue.
func DeadLetterQueue(queue string) string {
	return queue + deadLetterSuffix
}

// NewMessage builds the persistent AMQP message and routing key for e.
func NewMessage(e events.Event) (amqp.Publishing, string, error) {
	body, err := events.Encode(e)
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(e.Type()),
		Body:         body,
	}
	return msg, events.RoutingKey(e.Type()), nil
}

// topologyChannel is the part of *amqp.Channel used to declare exchanges and queues.
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func declareExchange(ch topologyChannel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func declareQueue(ch topologyChannel, exchange string, sub Subscription) error {
	if err := declareExchange(ch, exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(sub.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue(sub.Queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue for %s: %w", sub.Queue, err)
	}
	for _, key := range sub.bindings() {
		if err := ch.QueueBind(sub.Queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", sub.Queue, key, err)
		}
	}
	return nil
}
