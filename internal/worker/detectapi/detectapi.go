// Package detectapi implements worker.Detector for detection_type "api":
// it calls a SIEM/EDR HTTP API and classifies the result as a detection
// outcome (spec §2 "SIEM APIs, EDR APIs").
package detectapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/purpleteam/checking-engine/internal/errkind"
	"github.com/purpleteam/checking-engine/internal/worker"
)

// taskConfig is the shape of a detection_config row for an api task: a
// target endpoint, the HTTP method, and an optional request body.
type taskConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// apiResult is the parsed shape this detector reports as ParsedResults.
type apiResult struct {
	StatusCode int    `json:"status_code"`
	Detected   bool   `json:"detected"`
	Summary    string `json:"summary,omitempty"`
}

// Detector calls a configured HTTP endpoint per task and classifies the
// response: 2xx with a detection marker is "true"; 2xx without one is
// "false"; 4xx is errkind.Permanent (the request itself is malformed or
// unauthorized and retrying won't help); 5xx or a network failure is
// errkind.Transient (spec §2 "4xx=Permanent/5xx-or-network=Transient").
type Detector struct {
	client *http.Client
}

// New builds a Detector using client, or http.DefaultClient if nil.
func New(client *http.Client) *Detector {
	if client == nil {
		client = http.DefaultClient
	}

	return &Detector{client: client}
}

// Detect implements worker.Detector.
func (d *Detector) Detect(ctx context.Context, _, _ string, config []byte) (worker.Detection, error) {
	var cfg taskConfig

	if err := json.Unmarshal(config, &cfg); err != nil {
		return worker.Detection{}, errkind.Permanentf("detectapi: decoding task config: %v", err)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(cfg.Body))
	if err != nil {
		return worker.Detection{}, errkind.Permanentf("detectapi: building request: %v", err)
	}

	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return worker.Detection{}, errkind.Transientf("detectapi: request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return worker.Detection{}, errkind.Transientf("detectapi: reading response body: %v", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return worker.Detection{}, errkind.Transientf("detectapi: server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return worker.Detection{}, errkind.Permanentf("detectapi: client error %d", resp.StatusCode)
	}

	detected := classify(raw)

	parsed, err := json.Marshal(apiResult{StatusCode: resp.StatusCode, Detected: detected})
	if err != nil {
		return worker.Detection{}, fmt.Errorf("detectapi: encoding parsed result: %w", err)
	}

	detectedStr := "false"
	if detected {
		detectedStr = "true"
	}

	return worker.Detection{
		Detected: detectedStr,
		Raw:      raw,
		Parsed:   parsed,
		Source:   "api",
	}, nil
}

// classify looks for a top-level "detected" or "hits" field marking a
// positive finding. Any response body that doesn't parse as JSON, or
// that has neither field, is treated as no detection.
func classify(raw []byte) bool {
	var body struct {
		Detected *bool `json:"detected"`
		Hits     *int  `json:"hits"`
	}

	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}

	if body.Detected != nil {
		return *body.Detected
	}

	return body.Hits != nil && *body.Hits > 0
}
