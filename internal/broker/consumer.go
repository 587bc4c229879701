package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is the subset of amqp091-go's Delivery the engine's consumers
// act on: the payload and the three acknowledgement outcomes (spec §4.7
// "Acknowledgement").
type Delivery struct {
	body     []byte
	delivery amqp.Delivery
}

// Body returns the raw message payload.
func (d Delivery) Body() []byte {
	return d.body
}

// Ack acknowledges successful processing.
func (d Delivery) Ack() error {
	return d.delivery.Ack(false)
}

// Nack requeues the message for another delivery attempt (a transient
// failure, spec §7 "errkind.Transient").
func (d Delivery) Nack() error {
	return d.delivery.Nack(false, true)
}

// Reject drops the message without requeue (a permanent or poison
// failure, spec §7 "errkind.Permanent" / "errkind.Poison"); callers are
// expected to have already published it to the dead-letter queue.
func (d Delivery) Reject() error {
	return d.delivery.Nack(false, false)
}

// Consumer reads deliveries off one queue under one role's connection,
// with a bounded in-flight window (spec §4.3 "Prefetch").
type Consumer struct {
	conn  *Connection
	queue string
}

// NewConsumer wraps conn as a Consumer for queue, applying the
// configured prefetch for that queue.
func NewConsumer(conn *Connection, queue string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(conn.cfg.Prefetch(queue), 0, false); err != nil {
		return nil, fmt.Errorf("broker: setting prefetch for %s: %w", queue, err)
	}

	return &Consumer{conn: conn, queue: queue}, nil
}

// Consume returns a channel of Deliveries. It closes the returned
// channel when ctx is cancelled or the underlying AMQP channel fails.
func (c *Consumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	raw, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consuming from %s: %w", c.queue, err)
	}

	out := make(chan Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}

				select {
				case out <- Delivery{body: d.Body, delivery: d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
