package planner

import (
	"encoding/json"
	"testing"

	"github.com/purpleteam/checking-engine/internal/codec"
)

func TestPlan_DeterministicOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := &codec.ExecutionRecord{
		Detections: map[string]map[string]json.RawMessage{
			"windows": {"win10": json.RawMessage(`{}`)},
			"api":     {"default": json.RawMessage(`{}`)},
			"linux":   {"ubuntu": json.RawMessage(`{}`), "alpine": json.RawMessage(`{}`)},
		},
	}

	got := Plan(rec)

	if len(got) != 4 {
		t.Fatalf("expected 4 planned tasks, got %d", len(got))
	}

	want := []struct{ detectionType, platform string }{
		{"api", "default"},
		{"linux", "alpine"},
		{"linux", "ubuntu"},
		{"windows", "win10"},
	}

	for i, w := range want {
		if got[i].DetectionType != w.detectionType || got[i].Platform != w.platform {
			t.Errorf("task %d: got (%s, %s), want (%s, %s)", i, got[i].DetectionType, got[i].Platform, w.detectionType, w.platform)
		}
	}
}

func TestPlan_Empty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	got := Plan(&codec.ExecutionRecord{})
	if len(got) != 0 {
		t.Errorf("expected no planned tasks, got %d", len(got))
	}
}

func TestPlannedTask_Queue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		detectionType string
		want          string
	}{
		{"api", "api.tasks"},
		{"windows", "agent.tasks"},
		{"linux", "agent.tasks"},
		{"darwin", "agent.tasks"},
	}

	for _, tc := range cases {
		task := PlannedTask{DetectionType: tc.detectionType}
		if got := task.Queue(); got != tc.want {
			t.Errorf("Queue() for %s = %q, want %q", tc.detectionType, got, tc.want)
		}
	}
}
