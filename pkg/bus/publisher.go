package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/lending/pkg/events"
)

var errNotConfirmed = errors.New("broker did not confirm publish")

type PublisherOptions struct {
	URL      string
	Exchange string
	// Timeout bounds a single publish including the broker confirm.
	Timeout time.Duration
}

// AMQPPublisher publishes events with publisher confirms. The connection is
// opened lazily and re-dialed after any failure.
type AMQPPublisher struct {
	url      string
	exchange string
	timeout  time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	tracer    trace.Tracer
	published metric.Int64Counter
}

func NewPublisher(opts PublisherOptions) (*AMQPPublisher, error) {
	if opts.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	exchange := opts.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	counter, _ := otel.Meter("libranexus/bus").Int64Counter("bus.messages.published",
		metric.WithDescription("Events published to the exchange by outcome."))
	return &AMQPPublisher{
		url:       opts.URL,
		exchange:  exchange,
		timeout:   timeout,
		tracer:    otel.Tracer("libranexus/bus"),
		published: counter,
	}, nil
}

// Connect dials the broker eagerly so startup can report connectivity.
func (p *AMQPPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.channel()
	return err
}

func (p *AMQPPublisher) Publish(ctx context.Context, e events.Event) error {
	msg, key, err := NewMessage(e)
	if err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", p.exchange),
			attribute.String("messaging.routing_key", key),
			attribute.String("messaging.message_id", msg.MessageId),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		span.RecordError(err)
		p.record(ctx, key, "error")
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, msg)
	if err != nil {
		p.reset()
		span.RecordError(err)
		p.record(ctx, key, "error")
		return fmt.Errorf("publish %s: %w", key, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		p.reset()
		span.RecordError(err)
		p.record(ctx, key, "error")
		return fmt.Errorf("await confirm for %s: %w", key, err)
	}
	if !acked {
		span.RecordError(errNotConfirmed)
		p.record(ctx, key, "nacked")
		return fmt.Errorf("publish %s: %w", key, errNotConfirmed)
	}
	p.record(ctx, key, "ok")
	return nil
}

func (p *AMQPPublisher) record(ctx context.Context, key, outcome string) {
	if p.published == nil {
		return
	}
	p.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("routing_key", key),
		attribute.String("outcome", outcome),
	))
}

// channel returns an open confirm-mode channel. Callers hold p.mu.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
