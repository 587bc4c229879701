// Package broker wraps the checking engine's AMQP topology: one durable
// topic exchange, five durable queues bound to it, per-role connections,
// and a bounded reconnect loop with jitter (spec §4.3, §6).
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/purpleteam/checking-engine/internal/engineconfig"
)

// Exchange is the single durable topic exchange every queue binds to
// (spec §6 "Topology").
const Exchange = "checking-engine.events"

// Queue names, durable and bound with the routing keys in parens
// (spec §6 "Topology"):
//
//	instructions    <- *.execution.result (e.g. caldera.execution.result)
//	api.tasks       <- checking.api.task
//	agent.tasks     <- checking.agent.task
//	api.responses   <- checking.api.response
//	agent.responses <- checking.agent.response
const (
	QueueInstructions   = "instructions"
	QueueAPITasks       = "api.tasks"
	QueueAgentTasks     = "agent.tasks"
	QueueAPIResponses   = "api.responses"
	QueueAgentResponses = "agent.responses"
)

// instructionsBinding is a wildcard topic pattern: any upstream
// emulation producer's routing key ending in ".execution.result"
// (caldera.execution.result, etc.) lands on the instructions queue.
const instructionsBinding = "*.execution.result"

// routingKeys gives the literal routing key PublishToQueue resolves for
// every queue this service itself publishes to. instructions has no
// entry here: this service never publishes to it, only consumes, so it
// is bound separately via instructionsBinding instead.
var routingKeys = map[string]string{
	QueueAPITasks:       "checking.api.task",
	QueueAgentTasks:     "checking.agent.task",
	QueueAPIResponses:   "checking.api.response",
	QueueAgentResponses: "checking.agent.response",
}

// DeadLetterQueue holds messages the codec could not parse or that
// exhausted retry (spec §4.6, §7).
const DeadLetterQueue = "checking-engine.dead-letter"

// ErrClosed is returned by Publish/Consume once the connection has been
// closed.
var ErrClosed = errors.New("broker: connection closed")

// Connection owns one role's AMQP connection and channel, reconnecting
// with bounded exponential backoff and jitter when the underlying TCP
// connection drops (spec §4.3 "Connections are per-role ... reconnect
// with backoff").
type Connection struct {
	cfg    *engineconfig.BrokerConfig
	role   engineconfig.Role
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewConnection dials the broker under role's credentials and declares
// the shared topology. The topology declaration is idempotent: every
// role may call it, and only the first call does any work.
func NewConnection(ctx context.Context, cfg *engineconfig.BrokerConfig, role engineconfig.Role) (*Connection, error) {
	c := &Connection{
		cfg:  cfg,
		role: role,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: engineconfig.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "broker", "role", string(role)),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Connection) connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.AMQPURL(c.role), amqp.Config{})
	if err != nil {
		return fmt.Errorf("broker: dialing as role %s: %w", c.role, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("broker: opening channel as role %s: %w", c.role, err)
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return fmt.Errorf("broker: declaring topology: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, ch
	c.mu.Unlock()

	go c.watch(ctx, conn)

	return nil
}

// watch blocks until the connection closes, then reconnects with backoff.
func (c *Connection) watch(ctx context.Context, conn *amqp.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-ctx.Done():
		return
	case err := <-closeCh:
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}

		c.logger.Warn("connection closed, reconnecting", "error", err)
		c.reconnectLoop(ctx)
	}
}

func (c *Connection) reconnectLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff, c.cfg.ReconnectJitter)):
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("reconnect attempt failed", "error", err, "backoff", backoff)

			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}

			continue
		}

		c.logger.Info("reconnected")

		return
	}
}

func jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}

	delta := float64(base) * fraction
	offset := (rand.Float64()*2 - 1) * delta //nolint:gosec // jitter, not security sensitive

	return time.Duration(float64(base) + offset)
}

// Channel returns the current live AMQP channel, re-acquiring the lock
// each call so a reconnect mid-flight is observed by the next caller.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.channel == nil {
		return nil, fmt.Errorf("broker: not yet connected")
	}

	return c.channel, nil
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var err error
	if c.channel != nil {
		err = c.channel.Close()
	}

	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}

// declareTopology declares the exchange, the five event queues plus the
// dead-letter queue, and their bindings. Declarations are idempotent:
// AMQP servers no-op a declare that matches existing topology.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", Exchange, err)
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", DeadLetterQueue, err)
	}

	if _, err := ch.QueueDeclare(QueueInstructions, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", QueueInstructions, err)
	}

	if err := ch.QueueBind(QueueInstructions, instructionsBinding, Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s to %s: %w", QueueInstructions, instructionsBinding, err)
	}

	for queue, routingKey := range routingKeys {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring queue %s: %w", queue, err)
		}

		if err := ch.QueueBind(queue, routingKey, Exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s to %s: %w", queue, routingKey, err)
		}
	}

	return nil
}

// RoutingKeyFor returns the routing key a queue is bound under.
func RoutingKeyFor(queue string) string {
	return routingKeys[queue]
}
