package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/purpleteam/checking-engine/internal/engineconfig"
)

// Compile-time interface assertions: catch a contract break at build
// time rather than at first call.
var (
	_ Gateway = (*PostgresGateway)(nil)
	_ Tx      = (*postgresTx)(nil)
)

const pqUniqueViolation = "23505"

// PostgresGateway implements Gateway with a PostgreSQL backend.
type PostgresGateway struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPostgresGateway wraps conn in a Gateway. Returns ErrNoConnection if
// conn is nil.
func NewPostgresGateway(conn *Connection) (*PostgresGateway, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}

	return &PostgresGateway{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: engineconfig.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Begin opens a transaction scoped to one logical event.
func (g *PostgresGateway) Begin(ctx context.Context) (Tx, error) {
	tx, err := g.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", ErrTransient, err)
	}

	return &postgresTx{tx: tx, logger: g.logger}, nil
}

// HealthCheck verifies the storage backend is reachable.
func (g *PostgresGateway) HealthCheck(ctx context.Context) error {
	return g.conn.HealthCheck(ctx)
}

// Close releases the underlying connection pool.
func (g *PostgresGateway) Close() error {
	return g.conn.Close()
}

// GetDetectionExecution looks up a detection_execution by id.
func (g *PostgresGateway) GetDetectionExecution(ctx context.Context, id uuid.UUID) (*DetectionExecution, error) {
	return scanDetectionExecution(g.conn.QueryRowContext(ctx, selectDetectionExecutionByID, id))
}

// ListDetectionExecutionsByOperation lists detection_executions for an
// operation, optionally filtered by status.
func (g *PostgresGateway) ListDetectionExecutionsByOperation(
	ctx context.Context, operationExternalID string, status *DetectionStatus,
) ([]*DetectionExecution, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status != nil {
		rows, err = g.conn.QueryContext(ctx, selectDetectionExecutionsByOperationAndStatus, operationExternalID, string(*status))
	} else {
		rows, err = g.conn.QueryContext(ctx, selectDetectionExecutionsByOperation, operationExternalID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: listing detection executions: %v", ErrTransient, err)
	}
	defer rows.Close()

	return scanDetectionExecutions(rows)
}

// ListDetectionExecutionsByTimeWindow lists detection_executions created
// within [from, to).
func (g *PostgresGateway) ListDetectionExecutionsByTimeWindow(ctx context.Context, from, to time.Time) ([]*DetectionExecution, error) {
	rows, err := g.conn.QueryContext(ctx, selectDetectionExecutionsByTimeWindow, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: listing detection executions by time window: %v", ErrTransient, err)
	}
	defer rows.Close()

	return scanDetectionExecutions(rows)
}

// ListDetectionResults lists result rows for a detection_execution, most
// recent first.
func (g *PostgresGateway) ListDetectionResults(ctx context.Context, detectionExecutionID uuid.UUID) ([]*DetectionResult, error) {
	rows, err := g.conn.QueryContext(ctx, selectDetectionResultsByExecution, detectionExecutionID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing detection results: %v", ErrTransient, err)
	}
	defer rows.Close()

	results := make([]*DetectionResult, 0)

	for rows.Next() {
		row, err := scanDetectionResultRow(rows)
		if err != nil {
			return nil, err
		}

		results = append(results, row)
	}

	return results, rows.Err()
}

// postgresTx implements Tx over one *sql.Tx.
type postgresTx struct {
	tx     *sql.Tx
	logger *slog.Logger
	done   bool
}

func (t *postgresTx) Commit() error {
	t.done = true

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %v", ErrTransient, err)
	}

	return nil
}

func (t *postgresTx) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: rolling back transaction: %v", ErrTransient, err)
	}

	return nil
}

const upsertOperationSQL = `
INSERT INTO operations (external_id, name, started_at, created_at, updated_at, metadata)
VALUES ($1, $2, $3, now(), $4, $5)
ON CONFLICT (external_id) DO NOTHING
RETURNING id, external_id, name, started_at, created_at, updated_at, metadata`

const selectOperationForUpdateSQL = `
SELECT id, external_id, name, started_at, created_at, updated_at, metadata
FROM operations WHERE external_id = $1 FOR UPDATE`

const updateOperationSQL = `
UPDATE operations SET name = $2, metadata = $3, updated_at = $4
WHERE external_id = $1
RETURNING id, external_id, name, started_at, created_at, updated_at, metadata`

// UpsertOperation is idempotent on externalID. It updates name/metadata
// only when the stored row's updated_at is older than observedAt.
func (t *postgresTx) UpsertOperation(
	ctx context.Context, externalID, name string, startedAt, observedAt time.Time, metadata JSON,
) (*Operation, error) {
	row, err := scanOperation(t.tx.QueryRowContext(ctx, upsertOperationSQL, externalID, name, startedAt, observedAt, metadata))
	if err == nil {
		return row, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Conflict: the row already exists. Lock it, then conditionally update.
	existing, err := scanOperation(t.tx.QueryRowContext(ctx, selectOperationForUpdateSQL, externalID))
	if err != nil {
		return nil, err
	}

	if !existing.UpdatedAt.Before(observedAt) {
		return existing, nil
	}

	return scanOperation(t.tx.QueryRowContext(ctx, updateOperationSQL, externalID, name, metadata, observedAt))
}

const insertExecutionSQL = `
INSERT INTO executions (operation_external_id, agent_host, agent_paw, link_id, command, pid, status,
                         result_data, agent_reported_at, link_state, created_at, raw_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), $11)
RETURNING id, operation_external_id, agent_host, agent_paw, link_id, command, pid, status,
          result_data, agent_reported_at, link_state, created_at, raw_message`

const selectExecutionByLinkSQL = `
SELECT id, operation_external_id, agent_host, agent_paw, link_id, command, pid, status,
       result_data, agent_reported_at, link_state, created_at, raw_message
FROM executions WHERE operation_external_id = $1 AND link_id = $2`

// CreateExecutionIfAbsent is idempotent on (OperationExternalID, LinkID).
func (t *postgresTx) CreateExecutionIfAbsent(ctx context.Context, execution *Execution) (*Execution, bool, error) {
	row, err := scanExecution(t.tx.QueryRowContext(ctx, insertExecutionSQL,
		execution.OperationExternalID, execution.AgentHost, execution.AgentPaw, execution.LinkID,
		execution.Command, execution.PID, execution.Status, execution.ResultData,
		execution.AgentReportedAt, execution.LinkState, execution.RawMessage))
	if err == nil {
		return row, true, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		existing, selectErr := scanExecution(t.tx.QueryRowContext(ctx, selectExecutionByLinkSQL, execution.OperationExternalID, execution.LinkID))
		if selectErr != nil {
			return nil, false, selectErr
		}

		return existing, false, nil
	}

	return nil, false, fmt.Errorf("%w: creating execution: %v", ErrTransient, err)
}

const insertDetectionExecutionSQL = `
INSERT INTO detection_executions (execution_id, operation_external_id, detection_type, detection_platform,
                                   detection_config, status, retry_count, max_retries, execution_metadata, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, now())
RETURNING id, execution_id, operation_external_id, detection_type, detection_platform, detection_config,
          status, started_at, completed_at, retry_count, max_retries, execution_metadata, created_at`

// CreateDetectionExecution inserts a row in state pending.
func (t *postgresTx) CreateDetectionExecution(ctx context.Context, row *DetectionExecution) (*DetectionExecution, error) {
	created, err := scanDetectionExecution(t.tx.QueryRowContext(ctx, insertDetectionExecutionSQL,
		row.ExecutionID, row.OperationExternalID, string(row.DetectionType), row.DetectionPlatform,
		row.DetectionConfig, row.MaxRetries, row.ExecutionMetadata))
	if err != nil {
		return nil, fmt.Errorf("%w: creating detection execution: %v", ErrTransient, err)
	}

	return created, nil
}

// GetDetectionExecution looks up a detection_execution by id within this transaction.
func (t *postgresTx) GetDetectionExecution(ctx context.Context, id uuid.UUID) (*DetectionExecution, error) {
	return scanDetectionExecution(t.tx.QueryRowContext(ctx, selectDetectionExecutionByIDForUpdate, id))
}

const transitionDetectionExecutionSQL = `
UPDATE detection_executions
SET status = $3, started_at = COALESCE($4, started_at), completed_at = COALESCE($5, completed_at),
    retry_count = COALESCE($6, retry_count), execution_metadata = COALESCE($7, execution_metadata)
WHERE id = $1 AND status = $2
RETURNING id`

// TransitionDetectionExecution performs a compare-and-set on status.
func (t *postgresTx) TransitionDetectionExecution(
	ctx context.Context, id uuid.UUID, from, to DetectionStatus, patch DetectionExecutionPatch,
) error {
	var metadata any
	if patch.ExecutionMetadata != nil {
		metadata = patch.ExecutionMetadata
	}

	var gotID uuid.UUID

	err := t.tx.QueryRowContext(ctx, transitionDetectionExecutionSQL,
		id, string(from), string(to), patch.StartedAt, patch.CompletedAt, patch.RetryCount, metadata,
	).Scan(&gotID)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: detection_execution %s not in state %s", ErrConflict, id, from)
	}

	if err != nil {
		return fmt.Errorf("%w: transitioning detection execution: %v", ErrTransient, err)
	}

	return nil
}

const insertDetectionResultSQL = `
INSERT INTO detection_results (detection_execution_id, detected, raw_response, parsed_results,
                                result_timestamp, result_source, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
RETURNING id, detection_execution_id, detected, raw_response, parsed_results, result_timestamp,
          result_source, metadata, created_at`

// AppendDetectionResult is insert-only.
func (t *postgresTx) AppendDetectionResult(ctx context.Context, row *DetectionResult) (*DetectionResult, error) {
	created, err := scanDetectionResultRow(t.tx.QueryRowContext(ctx, insertDetectionResultSQL,
		row.DetectionExecutionID, row.Detected, row.RawResponse, row.ParsedResults,
		row.ResultTimestamp, row.ResultSource, row.Metadata))
	if err != nil {
		return nil, fmt.Errorf("%w: appending detection result: %v", ErrTransient, err)
	}

	return created, nil
}
