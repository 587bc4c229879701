// Package codec is the only component allowed to touch raw bytes from the
// broker (spec §4.2). It parses the four wire shapes (execution-record,
// api-task, agent-task, detection-response), rejects malformed payloads,
// and produces canonical outbound payloads.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/errkind"
)

// timeFormat is the single canonical timestamp form the codec emits:
// RFC3339 with nanosecond precision, UTC.
const timeFormat = time.RFC3339Nano

type (
	// ResultData is the nested stdout/stderr/exit_code structure carried
	// by an execution record (spec §6).
	ResultData struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}

	// ExecutionRecord is the inbound wire shape consumed from the
	// instructions queue (spec §6).
	ExecutionRecord struct {
		Operation struct {
			ID        uuid.UUID `json:"id"`
			Name      string    `json:"name"`
			StartedAt time.Time `json:"started_at"`
		} `json:"operation"`
		Execution struct {
			LinkID          uuid.UUID  `json:"link_id"`
			AgentHost       string     `json:"agent_host"`
			AgentPaw        string     `json:"agent_paw"`
			Command         string     `json:"command"`
			PID             int        `json:"pid"`
			Status          int        `json:"status"`
			ResultData      ResultData `json:"result_data"`
			AgentReportedAt time.Time  `json:"agent_reported_at"`
			LinkState       string     `json:"link_state"`
		} `json:"execution"`
		// Detections is a two-level map {detection_type: {platform: config}}.
		// Config bodies are opaque to the codec; they are validated only
		// by checking detection_type is one of the four allowed values.
		Detections map[string]map[string]json.RawMessage `json:"detections"`
		// RawMessage is the original producer payload, retained for audit.
		RawMessage json.RawMessage `json:"raw_message"`
	}

	// Task is the outbound wire shape published to api.tasks or agent.tasks.
	Task struct {
		TaskID               uuid.UUID       `json:"task_id"`
		DetectionExecutionID uuid.UUID       `json:"detection_execution_id"`
		ExecutionID          uuid.UUID       `json:"execution_id"`
		OperationID          uuid.UUID       `json:"operation_id"`
		DetectionType        string          `json:"detection_type"`
		Platform             string          `json:"platform"`
		Config               json.RawMessage `json:"config"`
		MaxRetries           int             `json:"max_retries"`
		EnqueuedAt           time.Time       `json:"enqueued_at"`
	}

	// Response is the inbound/outbound wire shape for detection responses.
	Response struct {
		TaskID               uuid.UUID       `json:"task_id"`
		DetectionExecutionID uuid.UUID       `json:"detection_execution_id"`
		Outcome              string          `json:"outcome"`  // ok | error | timeout
		Detected             string          `json:"detected"` // true | false | unknown
		RawResponse          json.RawMessage `json:"raw_response"`
		ParsedResults        json.RawMessage `json:"parsed_results"`
		Source               string          `json:"source"`
		WorkerID             string          `json:"worker_id"`
		FinishedAt           time.Time       `json:"finished_at"`
		Metadata             json.RawMessage `json:"metadata"`
	}
)

// Valid enumerations (spec §3, §6).
var (
	validDetectionTypes = map[string]bool{"api": true, "windows": true, "linux": true, "darwin": true}
	validOutcomes       = map[string]bool{"ok": true, "error": true, "timeout": true}
	validDetected       = map[string]bool{"true": true, "false": true, "unknown": true}
)

// DecodeExecutionRecord parses and validates an inbound execution-record.
// Unknown fields are ignored (forward-compatible); missing/mistyped
// required fields produce errkind.Malformed.
func DecodeExecutionRecord(payload []byte) (*ExecutionRecord, error) {
	var rec ExecutionRecord

	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, errkind.Malformedf("decoding execution record: %v", err)
	}

	if rec.Operation.ID == uuid.Nil {
		return nil, errkind.Malformedf("execution record missing operation.id")
	}

	if rec.Execution.LinkID == uuid.Nil {
		return nil, errkind.Malformedf("execution record missing execution.link_id")
	}

	for detectionType := range rec.Detections {
		if !validDetectionTypes[detectionType] {
			return nil, errkind.Malformedf("execution record has unknown detection type %q", detectionType)
		}
	}

	return &rec, nil
}

// EncodeTask produces the canonical outbound payload for an api/agent task.
func EncodeTask(t *Task) ([]byte, error) {
	if !validDetectionTypes[t.DetectionType] {
		return nil, errkind.Malformedf("task has unknown detection type %q", t.DetectionType)
	}

	t.EnqueuedAt = t.EnqueuedAt.UTC()

	out, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	return out, nil
}

// DecodeTask parses and validates an inbound api/agent task.
func DecodeTask(payload []byte) (*Task, error) {
	var t Task

	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, errkind.Malformedf("decoding task: %v", err)
	}

	if t.TaskID == uuid.Nil || t.DetectionExecutionID == uuid.Nil {
		return nil, errkind.Malformedf("task missing task_id or detection_execution_id")
	}

	if !validDetectionTypes[t.DetectionType] {
		return nil, errkind.Malformedf("task has unknown detection type %q", t.DetectionType)
	}

	return &t, nil
}

// EncodeResponse produces the canonical outbound payload for a detection response.
func EncodeResponse(r *Response) ([]byte, error) {
	if !validOutcomes[r.Outcome] {
		return nil, errkind.Malformedf("response has unknown outcome %q", r.Outcome)
	}

	if !validDetected[r.Detected] {
		return nil, errkind.Malformedf("response has invalid detected value %q: must be true/false/unknown", r.Detected)
	}

	r.FinishedAt = r.FinishedAt.UTC()

	out, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}

	return out, nil
}

// DecodeResponse parses and validates an inbound detection response.
func DecodeResponse(payload []byte) (*Response, error) {
	var r Response

	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, errkind.Malformedf("decoding response: %v", err)
	}

	if r.DetectionExecutionID == uuid.Nil {
		return nil, errkind.Malformedf("response missing detection_execution_id")
	}

	if !validOutcomes[r.Outcome] {
		return nil, errkind.Malformedf("response has unknown outcome %q: must be ok/error/timeout", r.Outcome)
	}

	if !validDetected[r.Detected] {
		return nil, errkind.Malformedf("response has invalid detected value %q: must be true/false/unknown", r.Detected)
	}

	return &r, nil
}

// CanonicalTime formats t per the codec's single canonical timestamp form.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
