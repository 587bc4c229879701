// Package deadletter publishes messages the engine could not process
// (malformed payloads, unknown correlations, poison messages) to the
// dead-letter queue for later operator inspection (spec §4.6, §7).
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/purpleteam/checking-engine/internal/broker"
)

// Publisher is the narrow broker surface a dead-letter publisher needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

var _ Publisher = (*broker.Publisher)(nil)

// envelope wraps a rejected payload with the reason it was rejected and
// when, so an operator reading the dead-letter queue can triage without
// re-parsing the original message's shape. Payload is carried as a
// string, not json.RawMessage, because a malformed message is by
// definition not guaranteed to be valid JSON.
type envelope struct {
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload"`
	RejectedAt time.Time `json:"rejected_at"`
}

// DeadLetter publishes a wrapped copy of payload to the dead-letter
// queue's routing key, recording why it was rejected.
type DeadLetter struct {
	publisher  Publisher
	routingKey string
}

// New builds a DeadLetter publisher. routingKey is the dead-letter
// queue's bound routing key (spec §4.6 "Dead-lettering").
func New(publisher Publisher, routingKey string) *DeadLetter {
	return &DeadLetter{publisher: publisher, routingKey: routingKey}
}

// DeadLetter wraps and publishes payload. The wrapping envelope's own
// JSON is always well-formed regardless of what payload contains.
func (d *DeadLetter) DeadLetter(ctx context.Context, reason string, payload []byte) error {
	wrapped, err := json.Marshal(envelope{
		Reason:     reason,
		Payload:    string(payload),
		RejectedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return d.publisher.Publish(ctx, d.routingKey, wrapped)
}
