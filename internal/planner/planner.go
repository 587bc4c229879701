// Package planner turns one ingested execution record into the set of
// detection tasks it requires. It performs no I/O: every decision is a
// pure function of its inputs, mirroring an upstream canonicalization
// package that computes URNs without touching a database or network.
package planner

import (
	"sort"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/codec"
)

// PlannedTask is one detection attempt to create and dispatch for an
// execution (spec §4.5 "Detection Planner").
type PlannedTask struct {
	DetectionType string
	Platform      string
	Config        []byte
}

// Plan reads rec.Detections and returns one PlannedTask per
// (detection_type, platform) pair, in deterministic lexicographic order
// so dispatch ordering is reproducible across retries and test runs
// (spec §4.5 "deterministic ordering").
//
// Plan fans out regardless of the execution's link_state (Open Question
// resolved in favor of unconditional fan-out: a failed or untrusted link
// is still worth checking for detection artifacts it may have left
// behind).
func Plan(rec *codec.ExecutionRecord) []PlannedTask {
	tasks := make([]PlannedTask, 0, len(rec.Detections))

	for detectionType, byPlatform := range rec.Detections {
		for platform, config := range byPlatform {
			tasks = append(tasks, PlannedTask{
				DetectionType: detectionType,
				Platform:      platform,
				Config:        config,
			})
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].DetectionType != tasks[j].DetectionType {
			return tasks[i].DetectionType < tasks[j].DetectionType
		}

		return tasks[i].Platform < tasks[j].Platform
	})

	return tasks
}

// Queue returns the broker queue a planned task's worker type consumes
// from (spec §6 "Topology"): api-typed detections run in-process against
// a target API, everything else runs as a host agent command.
func (t PlannedTask) Queue() string {
	if t.DetectionType == "api" {
		return "api.tasks"
	}

	return "agent.tasks"
}

// NewTaskID allocates a fresh identifier for a planned task's dispatch
// message.
func NewTaskID() uuid.UUID {
	return uuid.New()
}
