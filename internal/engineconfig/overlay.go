// Overlay supplements the env-var configuration surface with a small
// static YAML file for settings that don't fit one env var per key: the
// per-platform detector endpoints/commands and retry-count overrides.
//
// Example (.checking-engine.yaml):
//
//	platforms:
//	  - platform: siem
//	    detector_type: api
//	    endpoint: "https://siem.internal/query"
//	    max_retries: 3
//	  - platform: psh
//	    detector_type: windows
//	    command: "powershell.exe"
//	    max_retries: 2
package engineconfig

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultOverlayPath is the default location for the static platform overlay.
	DefaultOverlayPath = ".checking-engine.yaml"

	// OverlayPathEnvVar names the environment variable holding a custom overlay path.
	OverlayPathEnvVar = "CHECKING_ENGINE_CONFIG_PATH"
)

type (
	// PlatformOverlay describes one detection_platform's static wiring:
	// a detector endpoint (api detectors) or command (host-agent
	// detectors), and the default retry ceiling the Dispatcher assigns it.
	// Only MaxRetries is read by the engine; the detectors take their
	// endpoint or command from each task's detection_config, not from
	// Endpoint or Command.
	PlatformOverlay struct {
		Platform     string `yaml:"platform"`
		DetectorType string `yaml:"detector_type"` //nolint:tagliatelle
		Endpoint     string `yaml:"endpoint,omitempty"`
		Command      string `yaml:"command,omitempty"`
		MaxRetries   int    `yaml:"max_retries"` //nolint:tagliatelle
	}

	// Overlay holds the full set of platform overlays loaded from YAML.
	Overlay struct {
		Platforms []PlatformOverlay `yaml:"platforms"`
	}
)

// LoadOverlay loads platform overlay configuration from a YAML file at path.
//
// A missing file is not an error: the overlay is optional and the engine
// falls back to per-component defaults. Invalid YAML is logged and
// treated as an empty overlay so the engine can still start.
func LoadOverlay(path string) (*Overlay, error) {
	overlay := &Overlay{Platforms: []PlatformOverlay{}}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return overlay, nil
		}

		return overlay, err
	}

	if err := yaml.Unmarshal(data, overlay); err != nil {
		slog.Warn("platform overlay file is invalid YAML, continuing without overlay",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return &Overlay{Platforms: []PlatformOverlay{}}, nil
	}

	return overlay, nil
}

// Lookup returns the overlay entry for a platform, if one is configured.
func (o *Overlay) Lookup(platform string) (PlatformOverlay, bool) {
	for _, p := range o.Platforms {
		if p.Platform == platform {
			return p, true
		}
	}

	return PlatformOverlay{}, false
}
