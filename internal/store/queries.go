package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	selectDetectionExecutionByID = `
SELECT id, execution_id, operation_external_id, detection_type, detection_platform, detection_config,
       status, started_at, completed_at, retry_count, max_retries, execution_metadata, created_at
FROM detection_executions WHERE id = $1`

	selectDetectionExecutionByIDForUpdate = selectDetectionExecutionByID + ` FOR UPDATE`

	selectDetectionExecutionsByOperation = `
SELECT id, execution_id, operation_external_id, detection_type, detection_platform, detection_config,
       status, started_at, completed_at, retry_count, max_retries, execution_metadata, created_at
FROM detection_executions WHERE operation_external_id = $1 ORDER BY created_at`

	selectDetectionExecutionsByOperationAndStatus = `
SELECT id, execution_id, operation_external_id, detection_type, detection_platform, detection_config,
       status, started_at, completed_at, retry_count, max_retries, execution_metadata, created_at
FROM detection_executions WHERE operation_external_id = $1 AND status = $2 ORDER BY created_at`

	selectDetectionExecutionsByTimeWindow = `
SELECT id, execution_id, operation_external_id, detection_type, detection_platform, detection_config,
       status, started_at, completed_at, retry_count, max_retries, execution_metadata, created_at
FROM detection_executions WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`

	selectDetectionResultsByExecution = `
SELECT id, detection_execution_id, detected, raw_response, parsed_results, result_timestamp,
       result_source, metadata, created_at
FROM detection_results WHERE detection_execution_id = $1 ORDER BY created_at DESC`
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(r rowScanner) (*Operation, error) {
	op := &Operation{}

	err := r.Scan(&op.ID, &op.ExternalID, &op.Name, &op.StartedAt, &op.CreatedAt, &op.UpdatedAt, &op.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: scanning operation: %v", ErrTransient, err)
	}

	return op, nil
}

func scanExecution(r rowScanner) (*Execution, error) {
	ex := &Execution{}

	err := r.Scan(&ex.ID, &ex.OperationExternalID, &ex.AgentHost, &ex.AgentPaw, &ex.LinkID, &ex.Command,
		&ex.PID, &ex.Status, &ex.ResultData, &ex.AgentReportedAt, &ex.LinkState, &ex.CreatedAt, &ex.RawMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: scanning execution: %v", ErrTransient, err)
	}

	return ex, nil
}

func scanDetectionExecution(r rowScanner) (*DetectionExecution, error) {
	de := &DetectionExecution{}

	var detectionType, status string

	err := r.Scan(&de.ID, &de.ExecutionID, &de.OperationExternalID, &detectionType, &de.DetectionPlatform,
		&de.DetectionConfig, &status, &de.StartedAt, &de.CompletedAt, &de.RetryCount, &de.MaxRetries,
		&de.ExecutionMetadata, &de.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: scanning detection execution: %v", ErrTransient, err)
	}

	de.DetectionType = DetectionType(detectionType)
	de.Status = DetectionStatus(status)

	return de, nil
}

func scanDetectionExecutions(rows *sql.Rows) ([]*DetectionExecution, error) {
	out := make([]*DetectionExecution, 0)

	for rows.Next() {
		row, err := scanDetectionExecution(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

func scanDetectionResultRow(r rowScanner) (*DetectionResult, error) {
	dr := &DetectionResult{}

	err := r.Scan(&dr.ID, &dr.DetectionExecutionID, &dr.Detected, &dr.RawResponse, &dr.ParsedResults,
		&dr.ResultTimestamp, &dr.ResultSource, &dr.Metadata, &dr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: scanning detection result: %v", ErrTransient, err)
	}

	return dr, nil
}

