package visitlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zhejian/shortlink/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/zhejian/shortlink/internal/visitlog")

// ErrDeliveriesClosed is returned by Consumer.Run when the broker closes the channel
var ErrDeliveriesClosed = errors.New("amqp delivery channel closed")

// visitEvent is the wire format of a visit on the queue
type visitEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	Code      string    `json:"code"`
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	VisitedAt time.Time `json:"visited_at"`
}

// headerCarrier lets the text map propagator read and write AMQP headers
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (h headerCarrier) Get(key string) string {
	v, _ := h[key].(string)
	return v
}

func (h headerCarrier) Set(key, value string) {
	h[key] = value
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

func declareQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

// Publisher is a Sink that publishes visits to a durable RabbitMQ queue
type Publisher struct {
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

// NewPublisher opens a confirm-mode channel on conn and declares queue
func NewPublisher(conn *amqp.Connection, queue string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{ch: ch, queue: queue}, nil
}

// Append publishes visit and waits for the broker to confirm it
func (p *Publisher) Append(ctx context.Context, visit *model.Visit) error {
	body, err := json.Marshal(visitEvent{
		EventID:   visit.EventID,
		Code:      visit.Code,
		IPAddress: visit.IPAddress,
		UserAgent: visit.UserAgent,
		VisitedAt: visit.VisitedAt,
	})
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "visitlog.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.queue),
			attribute.String("messaging.message.id", visit.EventID.String()),
		),
	)
	defer span.End()

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	// Channels are not safe for concurrent publishing
	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    visit.EventID.String(),
			Timestamp:    visit.VisitedAt,
			Headers:      headers,
			Body:         body,
		},
	)
	p.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publish visit: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		span.SetStatus(codes.Error, "nacked")
		return errors.New("broker nacked visit")
	}
	return nil
}

// Ping reports whether the publishing channel is still open
func (p *Publisher) Ping(context.Context) error {
	if p.ch.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Close closes the publishing channel
func (p *Publisher) Close() error {
	return p.ch.Close()
}

// Consumer reads visit events from RabbitMQ and appends them to a Sink
type Consumer struct {
	ch           *amqp.Channel
	queue        string
	sink         Sink
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewConsumer opens a channel on conn with the given prefetch window
func NewConsumer(conn *amqp.Connection, queue string, prefetch int, sink Sink, logger *slog.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		ch:           ch,
		queue:        queue,
		sink:         sink,
		logger:       logger,
		writeTimeout: 5 * time.Second,
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel
func (c *Consumer) Run(ctx context.Context) error {
	const tag = "shortlink-analytics"

	deliveries, err := c.ch.Consume(
		c.queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Info("consuming visit events", slog.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", slog.String("error", err.Error()))
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	ctx, span := tracer.Start(ctx, "visitlog.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.queue),
			attribute.String("messaging.message.id", d.MessageId),
		),
	)
	defer span.End()

	var event visitEvent
	if err := json.Unmarshal(d.Body, &event); err != nil || event.Code == "" || event.EventID == uuid.Nil {
		span.SetStatus(codes.Error, "malformed")
		c.logger.WarnContext(ctx, "discarding malformed visit event", slog.String("message_id", d.MessageId))
		if err := d.Nack(false, false); err != nil {
			c.logger.ErrorContext(ctx, "failed to reject visit event", slog.String("error", err.Error()))
		}
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()

	err := c.sink.Append(writeCtx, &model.Visit{
		EventID:   event.EventID,
		Code:      event.Code,
		IPAddress: event.IPAddress,
		UserAgent: event.UserAgent,
		VisitedAt: event.VisitedAt.UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		c.logger.ErrorContext(ctx, "failed to store visit event, requeueing",
			slog.String("event_id", event.EventID.String()),
			slog.String("error", err.Error()),
		)
		if err := d.Nack(false, true); err != nil {
			c.logger.ErrorContext(ctx, "failed to requeue visit event", slog.String("error", err.Error()))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.ErrorContext(ctx, "failed to ack visit event", slog.String("error", err.Error()))
	}
}

// Close closes the consuming channel
func (c *Consumer) Close() error {
	return c.ch.Close()
}
