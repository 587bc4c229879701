package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages to the shared topic exchange
// under one role's connection (spec §4.3).
type Publisher struct {
	conn *Connection
}

// NewPublisher wraps conn as a Publisher.
func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{conn: conn}
}

// Publish sends body as a persistent message routed by routingKey. It
// blocks up to the connection's configured publish timeout.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.conn.cfg.PublishTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publishing to %s: %w", routingKey, err)
	}

	return nil
}

// PublishToQueue is a convenience wrapper that resolves queue to its
// bound routing key.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, body []byte) error {
	return p.Publish(ctx, RoutingKeyFor(queue), body)
}
