package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/store"
)

// detectionExecutionView is the JSON shape returned for a detection_execution
// row (spec §6 "GET /detection-executions/{id}").
type detectionExecutionView struct {
	ID                  uuid.UUID       `json:"id"`
	ExecutionID         uuid.UUID       `json:"execution_id"`
	OperationExternalID string          `json:"operation_external_id"`
	DetectionType       string          `json:"detection_type"`
	DetectionPlatform   string          `json:"detection_platform"`
	DetectionConfig     json.RawMessage `json:"detection_config"`
	Status              string          `json:"status"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	ExecutionMetadata   json.RawMessage `json:"execution_metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func newDetectionExecutionView(row *store.DetectionExecution) detectionExecutionView {
	return detectionExecutionView{
		ID:                  row.ID,
		ExecutionID:         row.ExecutionID,
		OperationExternalID: row.OperationExternalID,
		DetectionType:       string(row.DetectionType),
		DetectionPlatform:   row.DetectionPlatform,
		DetectionConfig:     json.RawMessage(row.DetectionConfig),
		Status:              string(row.Status),
		StartedAt:           row.StartedAt,
		CompletedAt:         row.CompletedAt,
		RetryCount:          row.RetryCount,
		MaxRetries:          row.MaxRetries,
		ExecutionMetadata:   json.RawMessage(row.ExecutionMetadata),
		CreatedAt:           row.CreatedAt,
	}
}

// detectionResultView is the JSON shape returned for one detection_result
// row (spec §6 "GET /detection-executions/{id}/results").
type detectionResultView struct {
	ID                   uuid.UUID       `json:"id"`
	DetectionExecutionID uuid.UUID       `json:"detection_execution_id"`
	Detected             *bool           `json:"detected"`
	RawResponse          json.RawMessage `json:"raw_response,omitempty"`
	ParsedResults        json.RawMessage `json:"parsed_results,omitempty"`
	ResultTimestamp      time.Time       `json:"result_timestamp"`
	ResultSource         string          `json:"result_source"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

func newDetectionResultView(row *store.DetectionResult) detectionResultView {
	return detectionResultView{
		ID:                   row.ID,
		DetectionExecutionID: row.DetectionExecutionID,
		Detected:             row.Detected,
		RawResponse:          json.RawMessage(row.RawResponse),
		ParsedResults:        json.RawMessage(row.ParsedResults),
		ResultTimestamp:      row.ResultTimestamp,
		ResultSource:         row.ResultSource,
		Metadata:             json.RawMessage(row.Metadata),
		CreatedAt:            row.CreatedAt,
	}
}
