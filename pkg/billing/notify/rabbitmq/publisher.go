// Package rabbitmq fans applied entitlement changes out over a RabbitMQ topic
// exchange so every instance can drop its cached gate decisions.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

const (
	// DefaultExchange is the topic exchange entitlement changes go to.
	DefaultExchange = "entitlesync.entitlements"

	routingPrefix = "entitlement."
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RoutingKey returns the key an event is published under:
// entitlement.<status>, e.g. entitlement.canceled.
func RoutingKey(ev billing.AppliedEvent) string {
	status := strings.TrimSpace(string(ev.Status))
	if status == "" {
		status = "unknown"
	}
	return routingPrefix + status
}

// Publisher publishes billing.AppliedEvent values as JSON.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	logger   billing.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewPublisher dials url and declares the durable topic exchange.
func NewPublisher(url, exchange string, logger billing.Logger) (*Publisher, error) {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	logger.Info("RabbitMQ publisher connected", billing.F("exchange", exchange))

	p := newPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger billing.Logger) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
		now:      time.Now,
	}
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

// Publish sends one event. The message id is the provider event id, if any.
func (p *Publisher) Publish(ctx context.Context, ev billing.AppliedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode applied event: %w", err)
	}
	key := RoutingKey(ev)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.EventID,
			Timestamp:    p.now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("failed to publish entitlement change",
			billing.F("routing_key", key),
			billing.F("tenant_id", ev.TenantID),
			billing.F("error", err),
		)
		return err
	}

	p.logger.Debug("entitlement change published",
		billing.F("routing_key", key),
		billing.F("tenant_id", ev.TenantID),
	)
	return nil
}

// Callback adapts the publisher to billing.Config.OnApplied. Every applied
// write is published, since a renewal moves period_end without a status change.
func (p *Publisher) Callback() billing.AppliedCallback {
	return p.Publish
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", billing.F("error", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	p.logger.Info("RabbitMQ publisher closed")
	return nil
}
