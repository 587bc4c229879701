// Package ingestion consumes execution-record messages off the
// instructions queue: it persists the owning operation and execution,
// derives detection tasks, and hands them to the Task Dispatcher (spec
// §4.4 "Ingestion Consumer").
package ingestion

import (
	"context"
	"log/slog"

	"github.com/purpleteam/checking-engine/internal/broker"
	"github.com/purpleteam/checking-engine/internal/codec"
	"github.com/purpleteam/checking-engine/internal/dispatch"
	"github.com/purpleteam/checking-engine/internal/planner"
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

// Consumer drives the ingestion state machine in spec §4.4.
type Consumer struct {
	store      store.Gateway
	dispatcher *dispatch.Dispatcher
	deadLetter DeadLetterer
	logger     *slog.Logger
}

// New builds a Consumer.
func New(gateway store.Gateway, dispatcher *dispatch.Dispatcher, deadLetter DeadLetterer, logger *slog.Logger) *Consumer {
	return &Consumer{
		store:      gateway,
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		logger:     logger.With("component", "ingestion"),
	}
}

// HandleDelivery runs one instructions-queue delivery through decode,
// one transaction (upsert operation, create execution if absent, plan,
// create detection_executions), dispatch, and ack (spec §4.4 steps 1-4).
func (c *Consumer) HandleDelivery(ctx context.Context, delivery Delivery) {
	rec, err := codec.DecodeExecutionRecord(delivery.Body())
	if err != nil {
		c.logger.Warn("dropping malformed execution record", "error", err)
		c.toDeadLetter(ctx, "malformed execution record", delivery.Body())
		c.ackOrLog(delivery)

		return
	}

	if _, err := c.ingest(ctx, rec); err != nil {
		c.logger.Warn("ingesting execution record failed, requeueing", "error", err, "operation_id", rec.Operation.ID)

		if nackErr := delivery.Nack(); nackErr != nil {
			c.logger.Error("nacking execution record", "error", nackErr)
		}

		return
	}

	c.ackOrLog(delivery)
}

// ingest runs the transaction described in spec §4.4 step 2 (upsert
// operation, create execution if absent, persist detection_executions),
// commits, and only then publishes each task message: a worker must
// never be able to consume a task whose detection_execution row isn't
// visible yet, so nothing is published until the transaction that
// created the rows has committed. A publish failure after commit is
// reported as an ingest error so the delivery is nacked, but the rows
// it already committed are not retried by a fresh Dispatch on
// redelivery — CreateExecutionIfAbsent's idempotency gate means a
// redelivered execution record with the same link_id takes the
// already-exists path below. It returns the detection_executions
// created (nil on the idempotent duplicate-link_id replay path).
func (c *Consumer) ingest(ctx context.Context, rec *codec.ExecutionRecord) ([]*store.DetectionExecution, error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	operationMetadata, err := store.NewJSON(nil)
	if err != nil {
		return nil, err
	}

	if _, err := tx.UpsertOperation(ctx, rec.Operation.ID.String(), rec.Operation.Name, rec.Operation.StartedAt, rec.Operation.StartedAt, operationMetadata); err != nil {
		return nil, err
	}

	resultData, err := store.NewJSON(rec.Execution.ResultData)
	if err != nil {
		return nil, err
	}

	rawMessage, err := store.NewJSON(rec.RawMessage)
	if err != nil {
		return nil, err
	}

	execution, isNew, err := tx.CreateExecutionIfAbsent(ctx, &store.Execution{
		OperationExternalID: rec.Operation.ID.String(),
		AgentHost:           rec.Execution.AgentHost,
		AgentPaw:            rec.Execution.AgentPaw,
		LinkID:              rec.Execution.LinkID.String(),
		Command:             rec.Execution.Command,
		PID:                 rec.Execution.PID,
		Status:              rec.Execution.Status,
		ResultData:          resultData,
		AgentReportedAt:     rec.Execution.AgentReportedAt,
		LinkState:           rec.Execution.LinkState,
		RawMessage:          rawMessage,
	})
	if err != nil {
		return nil, err
	}

	if !isNew {
		// Duplicate link_id redelivery: commit the (no-op) transaction and
		// stop. Spec §4.4: "this is the idempotent replay path."
		return nil, tx.Commit()
	}

	tasks := planner.Plan(rec)

	created, err := c.dispatcher.Dispatch(ctx, tx, execution, tasks)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := c.dispatcher.Publish(ctx, execution, created, tasks); err != nil {
		return created, err
	}

	return created, nil
}

func (c *Consumer) toDeadLetter(ctx context.Context, reason string, payload []byte) {
	if c.deadLetter == nil {
		return
	}

	if err := c.deadLetter.DeadLetter(ctx, reason, payload); err != nil {
		c.logger.Error("dead-lettering execution record", "error", err, "reason", reason)
	}
}

func (c *Consumer) ackOrLog(delivery Delivery) {
	if err := delivery.Ack(); err != nil {
		c.logger.Error("acking execution record delivery", "error", err)
	}
}
