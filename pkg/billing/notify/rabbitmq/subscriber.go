package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

// Handler receives each decoded change.
type Handler func(ctx context.Context, ev billing.AppliedEvent)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	URL      string
	Exchange string
	Logger   billing.Logger
}

// Subscriber consumes entitlement changes on a private, auto-deleted queue,
// so every instance sees every change.
type Subscriber struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	logger   billing.Logger
	mu       sync.Mutex
	running  bool
	closeCh  chan struct{}
	closeOne sync.Once
}

// NewSubscriber dials the broker, declares the exchange and binds a
// server-named queue to entitlement.#.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.Logger == nil {
		cfg.Logger = &billing.NoopLogger{}
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	cleanup := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		cleanup()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingPrefix+"#", cfg.Exchange, false, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	cfg.Logger.Info("RabbitMQ subscriber connected",
		billing.F("queue", q.Name),
		billing.F("exchange", cfg.Exchange),
	)

	return &Subscriber{
		conn:    conn,
		channel: ch,
		queue:   q.Name,
		logger:  cfg.Logger,
		closeCh: make(chan struct{}),
	}, nil
}

// Run delivers messages to handle until ctx is done or Close is called.
func (s *Subscriber) Run(ctx context.Context, handle Handler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("subscriber already running")
	}
	s.running = true
	s.mu.Unlock()

	msgs, err := s.channel.Consume(
		s.queue,
		"",    // consumer tag
		true,  // auto-ack; a lost invalidation only delays until the cache TTL
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed unexpectedly")
			}
			s.dispatch(ctx, msg, handle)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, msg amqp.Delivery, handle Handler) {
	ev, err := decodeDelivery(msg)
	if err != nil {
		s.logger.Warn("dropping undecodable entitlement change",
			billing.F("routing_key", msg.RoutingKey),
			billing.F("error", err),
		)
		return
	}
	handle(ctx, ev)
}

func decodeDelivery(msg amqp.Delivery) (billing.AppliedEvent, error) {
	var ev billing.AppliedEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return ev, err
	}
	if ev.TenantID == "" {
		return ev, errors.New("tenant_id missing")
	}
	return ev, nil
}

// Close stops Run and closes the connection.
func (s *Subscriber) Close() error {
	s.closeOne.Do(func() { close(s.closeCh) })
	if err := s.channel.Close(); err != nil {
		s.logger.Warn("error closing channel", billing.F("error", err))
	}
	return s.conn.Close()
}
