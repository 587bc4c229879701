// Package dispatch persists each planned detection task as a
// detection_execution row and, once that transaction has committed,
// publishes the corresponding task message to the queue its worker type
// consumes from (spec §4.5 "Task Dispatcher").
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/broker"
	"github.com/purpleteam/checking-engine/internal/codec"
	"github.com/purpleteam/checking-engine/internal/engineconfig"
	"github.com/purpleteam/checking-engine/internal/planner"
	"github.com/purpleteam/checking-engine/internal/store"
)

// Publisher is the subset of broker.Publisher the dispatcher needs,
// narrowed so tests can substitute a fake.
type Publisher interface {
	PublishToQueue(ctx context.Context, queue string, body []byte) error
}

var _ Publisher = (*broker.Publisher)(nil)

// Dispatcher turns planned tasks into detection_executions persisted
// within the caller's transaction (Dispatch) and task messages published
// after that transaction commits (Publish).
type Dispatcher struct {
	publisher  Publisher
	maxRetries int
	overlay    *engineconfig.Overlay
}

// New builds a Dispatcher. maxRetries seeds every detection_execution's
// max_retries column (spec §4.1 "detection_execution") unless overlay
// names a per-platform override. overlay may be nil, in which case every
// task uses workerCfg's global retry budget.
func New(publisher Publisher, workerCfg *engineconfig.WorkerConfig, overlay *engineconfig.Overlay) *Dispatcher {
	return &Dispatcher{publisher: publisher, maxRetries: workerCfg.MaxRetries, overlay: overlay}
}

// maxRetriesFor returns the retry ceiling a task's detection_execution
// row should be created with: the static platform overlay's per-platform
// value when one is configured for this platform, else the dispatcher's
// global default.
func (d *Dispatcher) maxRetriesFor(platform string) int {
	if d.overlay == nil {
		return d.maxRetries
	}

	entry, ok := d.overlay.Lookup(platform)
	if !ok || entry.MaxRetries <= 0 {
		return d.maxRetries
	}

	return entry.MaxRetries
}

// Dispatch creates one detection_execution row per planned task inside
// tx. It performs no publish: a task message must never become visible
// to a worker before the row it references has committed, so the
// caller commits tx and only then calls Publish with the rows this
// returns (CreateDetectionExecution is not idempotent per task; a
// redelivered execution record whose link_id already exists never
// reaches Dispatch, so no duplicate rows are created for it).
func (d *Dispatcher) Dispatch(
	ctx context.Context, tx store.Tx, execution *store.Execution, tasks []planner.PlannedTask,
) ([]*store.DetectionExecution, error) {
	created := make([]*store.DetectionExecution, 0, len(tasks))

	for _, task := range tasks {
		config, err := store.NewJSON(task.Config)
		if err != nil {
			return nil, fmt.Errorf("dispatch: encoding task config: %w", err)
		}

		row, err := tx.CreateDetectionExecution(ctx, &store.DetectionExecution{
			ExecutionID:         execution.ID,
			OperationExternalID: execution.OperationExternalID,
			DetectionType:       store.DetectionType(task.DetectionType),
			DetectionPlatform:   task.Platform,
			DetectionConfig:     config,
			MaxRetries:          d.maxRetriesFor(task.Platform),
		})
		if err != nil {
			return nil, fmt.Errorf("dispatch: creating detection execution: %w", err)
		}

		created = append(created, row)
	}

	return created, nil
}

// Publish sends the task message for each row Dispatch created,
// matched positionally against the tasks slice passed to Dispatch. The
// caller must only call Publish after the transaction that created
// created has committed.
func (d *Dispatcher) Publish(
	ctx context.Context, execution *store.Execution, created []*store.DetectionExecution, tasks []planner.PlannedTask,
) error {
	operationID, err := uuid.Parse(execution.OperationExternalID)
	if err != nil {
		return fmt.Errorf("dispatch: parsing operation external id: %w", err)
	}

	for i, task := range tasks {
		row := created[i]

		msg := &codec.Task{
			TaskID:               uuid.New(),
			DetectionExecutionID: row.ID,
			ExecutionID:          execution.ID,
			OperationID:          operationID,
			DetectionType:        task.DetectionType,
			Platform:             task.Platform,
			Config:               task.Config,
			MaxRetries:           row.MaxRetries,
			EnqueuedAt:           time.Now(),
		}

		payload, err := codec.EncodeTask(msg)
		if err != nil {
			return fmt.Errorf("dispatch: encoding task message: %w", err)
		}

		if err := d.publisher.PublishToQueue(ctx, task.Queue(), payload); err != nil {
			return fmt.Errorf("dispatch: publishing task: %w", err)
		}
	}

	return nil
}
