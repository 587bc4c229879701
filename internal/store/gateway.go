package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Gateway defines the interface for the checking engine's durable store.
//
// Domain packages (ingestion, dispatch, worker, result) depend on this
// interface, not on a concrete database driver, following the same
// Dependency Inversion pattern as an upstream ingestion.Store: the
// high-level pipeline says what it needs from storage without knowing
// how storage is implemented.
//
// Every mutating operation runs inside a single database transaction per
// logical event (spec §4.1): one ingested execution-record, or one
// detection-response, opens exactly one Tx, performs its writes, and
// commits before the owning broker message is acked.
type Gateway interface {
	// Begin opens a transaction for one logical event.
	Begin(ctx context.Context) (Tx, error)

	// GetDetectionExecution looks up a detection_execution by id, outside
	// any transaction (used by the read-only HTTP layer).
	GetDetectionExecution(ctx context.Context, id uuid.UUID) (*DetectionExecution, error)

	// ListDetectionExecutionsByOperation lists detection_executions for an
	// operation, optionally filtered by status.
	ListDetectionExecutionsByOperation(ctx context.Context, operationExternalID string, status *DetectionStatus) ([]*DetectionExecution, error)

	// ListDetectionExecutionsByTimeWindow lists detection_executions
	// created within [from, to).
	ListDetectionExecutionsByTimeWindow(ctx context.Context, from, to time.Time) ([]*DetectionExecution, error)

	// ListDetectionResults lists result rows for a detection_execution,
	// most recent first.
	ListDetectionResults(ctx context.Context, detectionExecutionID uuid.UUID) ([]*DetectionResult, error)

	// HealthCheck verifies the storage backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

// Tx scopes the Store Gateway's mutators to one database transaction.
type Tx interface {
	// UpsertOperation is idempotent on externalID. It updates name/metadata
	// only when the stored row's updated_at is older than observedAt,
	// leaving created_at fixed (spec §4.1).
	UpsertOperation(ctx context.Context, externalID, name string, startedAt, observedAt time.Time, metadata JSON) (*Operation, error)

	// CreateExecutionIfAbsent is idempotent on (OperationExternalID, LinkID).
	// created is false when a row with that key already existed.
	CreateExecutionIfAbsent(ctx context.Context, execution *Execution) (row *Execution, created bool, err error)

	// CreateDetectionExecution inserts a row in state pending.
	CreateDetectionExecution(ctx context.Context, row *DetectionExecution) (*DetectionExecution, error)

	// GetDetectionExecution looks up a detection_execution by id within
	// this transaction (used by the Result Consumer before transitioning it).
	GetDetectionExecution(ctx context.Context, id uuid.UUID) (*DetectionExecution, error)

	// TransitionDetectionExecution performs a compare-and-set on status:
	// it succeeds only if the row's current status equals from. Returns
	// ErrConflict (wrapped) if the current state does not match.
	TransitionDetectionExecution(ctx context.Context, id uuid.UUID, from, to DetectionStatus, patch DetectionExecutionPatch) error

	// AppendDetectionResult is insert-only.
	AppendDetectionResult(ctx context.Context, row *DetectionResult) (*DetectionResult, error)

	// Commit commits the transaction.
	Commit() error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback() error
}
