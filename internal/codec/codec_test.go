package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/errkind"
)

func TestDecodeExecutionRecord_Valid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	opID := uuid.New()
	linkID := uuid.New()

	payload := []byte(`{
		"operation": {"id": "` + opID.String() + `", "name": "op-1", "started_at": "2026-07-01T00:00:00Z"},
		"execution": {"link_id": "` + linkID.String() + `", "agent_host": "host-1", "link_state": "untrusted"},
		"detections": {"api": {"default": {"endpoint": "https://example.com"}}}
	}`)

	rec, err := DecodeExecutionRecord(payload)
	if err != nil {
		t.Fatalf("DecodeExecutionRecord() returned error: %v", err)
	}

	if rec.Operation.ID != opID {
		t.Errorf("expected operation.id %s, got %s", opID, rec.Operation.ID)
	}

	if rec.Execution.LinkID != linkID {
		t.Errorf("expected execution.link_id %s, got %s", linkID, rec.Execution.LinkID)
	}
}

func TestDecodeExecutionRecord_MissingOperationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	payload := []byte(`{"execution": {"link_id": "` + uuid.New().String() + `"}}`)

	_, err := DecodeExecutionRecord(payload)
	if !errors.Is(err, errkind.Malformed) {
		t.Fatalf("expected errkind.Malformed, got %v", err)
	}
}

func TestDecodeExecutionRecord_UnknownDetectionType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	payload := []byte(`{
		"operation": {"id": "` + uuid.New().String() + `"},
		"execution": {"link_id": "` + uuid.New().String() + `"},
		"detections": {"solaris": {"default": {}}}
	}`)

	_, err := DecodeExecutionRecord(payload)
	if !errors.Is(err, errkind.Malformed) {
		t.Fatalf("expected errkind.Malformed, got %v", err)
	}
}

func TestEncodeTask_RoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	task := &Task{
		TaskID:               uuid.New(),
		DetectionExecutionID: uuid.New(),
		DetectionType:        "windows",
		Platform:             "windows",
		Config:               json.RawMessage(`{}`),
		MaxRetries:           3,
		EnqueuedAt:           time.Date(2026, 7, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600)),
	}

	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask() returned error: %v", err)
	}

	decoded, err := DecodeTask(payload)
	if err != nil {
		t.Fatalf("DecodeTask() returned error: %v", err)
	}

	if decoded.TaskID != task.TaskID {
		t.Errorf("expected task_id %s, got %s", task.TaskID, decoded.TaskID)
	}

	if decoded.EnqueuedAt.Location() != time.UTC {
		t.Errorf("expected enqueued_at normalized to UTC, got %s", decoded.EnqueuedAt.Location())
	}
}

func TestEncodeTask_UnknownDetectionType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	task := &Task{TaskID: uuid.New(), DetectionExecutionID: uuid.New(), DetectionType: "solaris"}

	_, err := EncodeTask(task)
	if !errors.Is(err, errkind.Malformed) {
		t.Fatalf("expected errkind.Malformed, got %v", err)
	}
}

func TestDecodeResponse_InvalidDetected(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	payload := []byte(`{
		"detection_execution_id": "` + uuid.New().String() + `",
		"outcome": "ok",
		"detected": "maybe"
	}`)

	_, err := DecodeResponse(payload)
	if !errors.Is(err, errkind.Malformed) {
		t.Fatalf("expected errkind.Malformed, got %v", err)
	}
}

func TestDecodeResponse_Valid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	detID := uuid.New()

	payload := []byte(`{
		"detection_execution_id": "` + detID.String() + `",
		"outcome": "ok",
		"detected": "true",
		"finished_at": "2026-07-01T00:00:00Z"
	}`)

	resp, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse() returned error: %v", err)
	}

	if resp.DetectionExecutionID != detID {
		t.Errorf("expected detection_execution_id %s, got %s", detID, resp.DetectionExecutionID)
	}
}

func TestCanonicalTime(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	loc := time.FixedZone("EST", -5*3600)
	input := time.Date(2026, 7, 1, 12, 0, 0, 123000, loc)

	got := CanonicalTime(input)
	want := input.UTC().Format(time.RFC3339Nano)

	if got != want {
		t.Errorf("CanonicalTime() = %q, want %q", got, want)
	}
}
