package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/libranexus/lending/pkg/events"
	"github.com/libranexus/lending/pkg/logger"
)

// DefaultBindings subscribes a queue to every loan event.
var DefaultBindings = []string{"loan.*"}

// Handler processes one decoded event. A non-nil error schedules a retry.
type Handler func(ctx context.Context, e events.Event) error

type Subscription struct {
	Queue    string
	Bindings []string
	Handler  Handler
}

func (s Subscription) bindings() []string {
	if len(s.Bindings) == 0 {
		return DefaultBindings
	}
	return s.Bindings
}

type ConsumerOptions struct {
	URL            string
	Exchange       string
	Prefetch       int
	ReconnectDelay time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
	Logger         *logger.Logger
}

// Consumer delivers events from one durable queue to a handler, one message at
// a time, with manual acknowledgements. A failed message is republished to the
// tail of its queue, so later messages can overtake it and handlers must not
// depend on per-loan order.
type Consumer struct {
	url            string
	exchange       string
	prefetch       int
	reconnectDelay time.Duration
	retryDelay     time.Duration
	maxAttempts    int
	logg           *logger.Logger

	consumed metric.Int64Counter
}

// republisher is the part of *amqp.Channel used to requeue and dead-letter.
type republisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	counter, _ := otel.Meter("libranexus/bus").Int64Counter("bus.messages.consumed",
		metric.WithDescription("Messages taken off a queue by outcome."))
	return &Consumer{
		url:            opts.URL,
		exchange:       opts.Exchange,
		prefetch:       opts.Prefetch,
		reconnectDelay: opts.ReconnectDelay,
		retryDelay:     opts.RetryDelay,
		maxAttempts:    opts.MaxAttempts,
		logg:           opts.Logger,
		consumed:       counter,
	}, nil
}

// Run consumes sub until ctx is cancelled, reconnecting after a fixed delay
// whenever the broker connection drops.
func (c *Consumer) Run(ctx context.Context, sub Subscription) error {
	if sub.Queue == "" || sub.Handler == nil {
		return errors.New("subscription needs a queue and a handler")
	}
	ctx = c.logg.WithField(ctx, "queue", sub.Queue)
	for {
		err := c.consume(ctx, sub)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logg.Error(ctx, "consumer disconnected, reconnecting", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, sub Subscription) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareQueue(ch, c.exchange, sub); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logg.Info(ctx, "consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return fmt.Errorf("connection closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := c.process(ctx, ch, sub, d); err != nil {
				return err
			}
		}
	}
}

// process runs the handler for one delivery and settles it. It returns an
// error only when the delivery could not be settled, which ends the session.
func (c *Consumer) process(ctx context.Context, pub republisher, sub Subscription, d amqp.Delivery) error {
	ctx = c.logg.WithFields(ctx, map[string]any{
		"message_id":  d.MessageId,
		"routing_key": d.RoutingKey,
	})
	failures := attempts(d.Headers)

	evt, err := events.Decode(d.Body)
	if err != nil {
		c.logg.Error(ctx, "dead-lettering undecodable message", err)
		return c.deadLetter(ctx, pub, sub.Queue, d, failures, err)
	}

	handleErr := sub.Handler(ctx, evt)
	if handleErr == nil {
		c.record(ctx, sub.Queue, "ack")
		return d.Ack(false)
	}

	failures++
	if failures >= c.maxAttempts {
		c.logg.Error(ctx, fmt.Sprintf("handler failed %d times, dead-lettering", failures), handleErr)
		return c.deadLetter(ctx, pub, sub.Queue, d, failures, handleErr)
	}

	c.logg.Error(ctx, fmt.Sprintf("handler failed (attempt %d of %d), retrying", failures, c.maxAttempts), handleErr)
	if c.retryDelay > 0 {
		select {
		case <-ctx.Done():
			_ = d.Nack(false, true)
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}

	retry := republished(d, failures)
	if err := pub.PublishWithContext(ctx, "", sub.Queue, false, false, retry); err != nil {
		_ = d.Nack(false, true)
		return fmt.Errorf("requeue message: %w", err)
	}
	c.record(ctx, sub.Queue, "retry")
	return d.Ack(false)
}

func (c *Consumer) deadLetter(ctx context.Context, pub republisher, queue string, d amqp.Delivery, failures int, cause error) error {
	msg := republished(d, failures)
	msg.Headers[errorHeader] = cause.Error()
	if err := pub.PublishWithContext(ctx, "", DeadLetterQueue(queue), false, false, msg); err != nil {
		_ = d.Nack(false, true)
		return fmt.Errorf("dead-letter message: %w", err)
	}
	c.record(ctx, queue, "dead_letter")
	return d.Ack(false)
}

func (c *Consumer) record(ctx context.Context, queue, outcome string) {
	if c.consumed == nil {
		return
	}
	c.consumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// republished copies d into a new persistent message carrying the failure count.
func republished(d amqp.Delivery, failures int) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptsHeader] = int32(failures)
	if _, ok := headers[originHeader]; !ok && d.RoutingKey != "" {
		headers[originHeader] = d.RoutingKey
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Type:         d.Type,
		Body:         d.Body,
	}
}

// attempts reads the failure count header, tolerating the integer widths
// different clients encode it with.
func attempts(headers amqp.Table) int {
	switch v := headers[AttemptsHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
