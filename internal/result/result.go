// Package result consumes detection-response messages off the response
// queues: it appends a detection_result row and transitions the owning
// detection_execution to a terminal state (spec §4.8 "Result Consumer").
package result

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/purpleteam/checking-engine/internal/broker"
	"github.com/purpleteam/checking-engine/internal/codec"
	"github.com/purpleteam/checking-engine/internal/store"
)

// Delivery is the narrow broker.Delivery surface the consumer drives.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack() error
}

var _ Delivery = broker.Delivery{}

// DeadLetterer dead-letters a message the consumer could not process.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, reason string, payload []byte) error
}

// Consumer drives the result state machine in spec §4.8.
type Consumer struct {
	store      store.Gateway
	deadLetter DeadLetterer
	logger     *slog.Logger
}

// New builds a Consumer.
func New(gateway store.Gateway, deadLetter DeadLetterer, logger *slog.Logger) *Consumer {
	return &Consumer{store: gateway, deadLetter: deadLetter, logger: logger.With("component", "result")}
}

// HandleDelivery runs one response-queue delivery through decode, one
// transaction (lookup, append result, CAS to terminal), and ack (spec
// §4.8 steps 1-3).
func (c *Consumer) HandleDelivery(ctx context.Context, delivery Delivery) {
	resp, err := codec.DecodeResponse(delivery.Body())
	if err != nil {
		c.logger.Warn("dropping malformed detection response", "error", err)
		c.toDeadLetter(ctx, "malformed detection response", delivery.Body())
		c.ackOrLog(delivery)

		return
	}

	unknown, err := c.record(ctx, resp)
	if err != nil {
		c.logger.Warn("recording detection response failed, requeueing", "error", err, "detection_execution_id", resp.DetectionExecutionID)

		if nackErr := delivery.Nack(); nackErr != nil {
			c.logger.Error("nacking detection response", "error", nackErr)
		}

		return
	}

	if unknown {
		c.logger.Warn("detection response references unknown detection execution", "detection_execution_id", resp.DetectionExecutionID)
		c.toDeadLetter(ctx, "unknown correlation", delivery.Body())
	}

	c.ackOrLog(delivery)
}

// record runs spec §4.8 step 2 inside one transaction. It returns
// unknown=true when the referenced detection_execution does not exist
// (spec step 2a "unknown correlation"), in which case there is nothing
// to append or transition and the caller dead-letters instead.
func (c *Consumer) record(ctx context.Context, resp *codec.Response) (unknown bool, err error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := tx.GetDetectionExecution(ctx, resp.DetectionExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, tx.Commit()
		}

		return false, err
	}

	detected := parseDetected(resp.Detected)

	rawResponse, err := store.NewJSON(resp.RawResponse)
	if err != nil {
		return false, err
	}

	parsedResults, err := store.NewJSON(resp.ParsedResults)
	if err != nil {
		return false, err
	}

	if _, err := tx.AppendDetectionResult(ctx, &store.DetectionResult{
		DetectionExecutionID: resp.DetectionExecutionID,
		Detected:             detected,
		RawResponse:          rawResponse,
		ParsedResults:        parsedResults,
		ResultTimestamp:      resp.FinishedAt,
		ResultSource:         resp.Source,
	}); err != nil {
		return false, err
	}

	toStatus := store.StatusCompleted
	if resp.Outcome != "ok" {
		toStatus = store.StatusFailed
	}

	now := resp.FinishedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	err = transitionToTerminal(ctx, tx, existing, toStatus, now)
	if err != nil {
		return false, err
	}

	return false, tx.Commit()
}

// transitionToTerminal CASes from whichever of {pending, running} the
// row is currently in. If the row is already terminal (duplicate
// delivery), the result row just appended stands but the status is left
// alone (spec §4.8 step 2c).
func transitionToTerminal(ctx context.Context, tx store.Tx, existing *store.DetectionExecution, toStatus store.DetectionStatus, now time.Time) error {
	from := existing.Status
	if from != store.StatusPending && from != store.StatusRunning {
		return nil
	}

	err := tx.TransitionDetectionExecution(ctx, existing.ID, from, toStatus, store.DetectionExecutionPatch{CompletedAt: &now})
	if err != nil && errors.Is(err, store.ErrConflict) {
		return nil
	}

	return err
}

func parseDetected(value string) *bool {
	switch value {
	case "true":
		v := true

		return &v
	case "false":
		v := false

		return &v
	default:
		return nil
	}
}

func (c *Consumer) toDeadLetter(ctx context.Context, reason string, payload []byte) {
	if c.deadLetter == nil {
		return
	}

	if err := c.deadLetter.DeadLetter(ctx, reason, payload); err != nil {
		c.logger.Error("dead-lettering detection response", "error", err, "reason", reason)
	}
}

func (c *Consumer) ackOrLog(delivery Delivery) {
	if err := delivery.Ack(); err != nil {
		c.logger.Error("acking detection response delivery", "error", err)
	}
}
