package store

import (
	"time"

	"github.com/google/uuid"
)

// DetectionType enumerates the four platforms a detection task can target
// (spec §3, §6).
type DetectionType string

// The four supported detection types.
const (
	DetectionTypeAPI     DetectionType = "api"
	DetectionTypeWindows DetectionType = "windows"
	DetectionTypeLinux   DetectionType = "linux"
	DetectionTypeDarwin  DetectionType = "darwin"
)

// DetectionStatus enumerates a detection_execution's lifecycle states
// (spec §3 "detection_execution").
type DetectionStatus string

// The five detection_execution states.
const (
	StatusPending   DetectionStatus = "pending"
	StatusRunning   DetectionStatus = "running"
	StatusCompleted DetectionStatus = "completed"
	StatusFailed    DetectionStatus = "failed"
	StatusCancelled DetectionStatus = "cancelled"
)

type (
	// Operation represents one emulation campaign (spec §3 "operation").
	Operation struct {
		ID         uuid.UUID
		ExternalID string // UUID, unique, supplied by upstream
		Name       string
		StartedAt  time.Time
		CreatedAt  time.Time
		UpdatedAt  time.Time
		Metadata   JSON
	}

	// Execution represents one command result from one agent (spec §3 "execution").
	Execution struct {
		ID                  uuid.UUID
		OperationExternalID string
		AgentHost           string
		AgentPaw            string
		LinkID              string // UUID from upstream
		Command             string
		PID                 int
		Status              int
		ResultData          JSON
		AgentReportedAt     time.Time
		LinkState           string
		CreatedAt           time.Time
		RawMessage          JSON
	}

	// DetectionExecution represents one planned detection attempt (spec §3
	// "detection_execution").
	DetectionExecution struct {
		ID                  uuid.UUID
		ExecutionID         uuid.UUID
		OperationExternalID string
		DetectionType       DetectionType
		DetectionPlatform   string
		DetectionConfig     JSON
		Status              DetectionStatus
		StartedAt           *time.Time
		CompletedAt         *time.Time
		RetryCount          int
		MaxRetries          int
		ExecutionMetadata   JSON
		CreatedAt           time.Time
	}

	// DetectionResult represents one observation reported by a worker
	// (spec §3 "detection_result"). Append-only.
	DetectionResult struct {
		ID                   uuid.UUID
		DetectionExecutionID uuid.UUID
		Detected             *bool // nil == unknown
		RawResponse          JSON
		ParsedResults        JSON
		ResultTimestamp      time.Time
		ResultSource         string
		Metadata             JSON
		CreatedAt            time.Time
	}

	// DetectionExecutionPatch carries the optional fields a CAS transition
	// may update (spec §4.1 "TransitionDetectionExecution").
	DetectionExecutionPatch struct {
		StartedAt         *time.Time
		CompletedAt       *time.Time
		RetryCount        *int
		ExecutionMetadata JSON
	}
)
