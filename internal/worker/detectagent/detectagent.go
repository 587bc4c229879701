// Package detectagent implements worker.Detector for the host-agent
// detection types (windows, linux, darwin): it runs a configured
// command on the local host and classifies its exit code and output
// (spec §2 "Windows/Linux/macOS host agents").
package detectagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/purpleteam/checking-engine/internal/errkind"
	"github.com/purpleteam/checking-engine/internal/worker"
)

// taskConfig is the shape of a detection_config row for a host-agent
// task: the command to run and the exit codes that count as a positive
// detection.
type taskConfig struct {
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	DetectExitCodes []int    `json:"detect_exit_codes"`
}

// agentResult is the parsed shape this detector reports as ParsedResults.
type agentResult struct {
	ExitCode int    `json:"exit_code"`
	Detected bool   `json:"detected"`
	Stderr   string `json:"stderr,omitempty"`
}

// Detector runs a platform-specific lookup/grep-style command per task.
// Every exit code the command returns is folded into the result: zero or
// a code listed in DetectExitCodes is a detection, any other code (a
// signal-killed command reports -1) is no detection. A context deadline
// or a command that fails to start (e.g. a missing binary) is
// errkind.Transient; a platform mismatch or an unusable task config is
// errkind.Permanent.
type Detector struct {
	platform string
}

// New builds a Detector scoped to platform ("windows", "linux", "darwin").
func New(platform string) *Detector {
	return &Detector{platform: platform}
}

// Detect implements worker.Detector.
func (d *Detector) Detect(ctx context.Context, _, platform string, config []byte) (worker.Detection, error) {
	if platform != "" && d.platform != "" && platform != d.platform {
		return worker.Detection{}, errkind.Permanentf("detectagent: task platform %q does not match worker platform %q", platform, d.platform)
	}

	var cfg taskConfig

	if err := json.Unmarshal(config, &cfg); err != nil {
		return worker.Detection{}, errkind.Permanentf("detectagent: decoding task config: %v", err)
	}

	if cfg.Command == "" {
		return worker.Detection{}, errkind.Permanentf("detectagent: task config has no command")
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...) //nolint:gosec // command is operator-configured detection content, not user input

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode, classifyErr := classifyExit(ctx, runErr)
	if classifyErr != nil {
		return worker.Detection{}, classifyErr
	}

	detected := exitCode == 0 || containsCode(cfg.DetectExitCodes, exitCode)

	parsed, err := json.Marshal(agentResult{ExitCode: exitCode, Detected: detected, Stderr: stderr.String()})
	if err != nil {
		return worker.Detection{}, fmt.Errorf("detectagent: encoding parsed result: %w", err)
	}

	detectedStr := "false"
	if detected {
		detectedStr = "true"
	}

	return worker.Detection{
		Detected: detectedStr,
		Raw:      stdout.Bytes(),
		Parsed:   parsed,
		Source:   d.platform,
	}, nil
}

func classifyExit(ctx context.Context, runErr error) (int, error) {
	if runErr == nil {
		return 0, nil
	}

	if ctx.Err() != nil {
		return 0, errkind.Transientf("detectagent: command timed out: %v", ctx.Err())
	}

	var exitErr *exec.ExitError
	if ok := asExitError(runErr, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}

	return 0, errkind.Transientf("detectagent: command failed to start: %v", runErr)
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint // os/exec always returns *ExitError directly, never wrapped
		*target = ee

		return true
	}

	return false
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}

	return false
}
