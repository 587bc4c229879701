package engineconfig

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAckDeadlineTooShort is returned when the broker's ack deadline cannot
// absorb the worker's configured jitter and retry budget.
var ErrAckDeadlineTooShort = errors.New("broker ack deadline is shorter than the worker retry budget")

// Config aggregates the full process-level configuration surface for the
// checking engine supervisor binary (spec §6 "Configuration surface").
type Config struct {
	Database   *DatabaseConfig
	Broker     *BrokerConfig
	Worker     *WorkerConfig
	Supervisor *SupervisorConfig
	DeadLetter *DeadLetterConfig
	Overlay    *Overlay
	LogLevel   slog.Level
}

// Load reads the full configuration surface from environment variables
// plus the optional static platform overlay file.
func Load() (*Config, error) {
	overlayPath := GetEnvStr(OverlayPathEnvVar, DefaultOverlayPath)

	overlay, err := LoadOverlay(overlayPath)
	if err != nil {
		return nil, fmt.Errorf("loading platform overlay: %w", err)
	}

	cfg := &Config{
		Database:   LoadDatabaseConfig(),
		Broker:     LoadBrokerConfig(),
		Worker:     LoadWorkerConfig(),
		Supervisor: LoadSupervisorConfig(),
		DeadLetter: LoadDeadLetterConfig(),
		Overlay:    overlay,
		LogLevel:   GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}

	return cfg, cfg.Validate()
}

// Validate checks that every required sub-configuration is internally
// consistent and that the worker retry budget fits within the broker's
// ack deadline (spec §5: "must exceed jitter + (max_retries x ...) or
// the policy is rejected at startup").
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}

	if err := c.Broker.Validate(); err != nil {
		return err
	}

	if c.Broker.AckDeadline <= c.Worker.AckDeadlineFloor() {
		return fmt.Errorf("%w: ack_deadline=%s floor=%s",
			ErrAckDeadlineTooShort, c.Broker.AckDeadline, c.Worker.AckDeadlineFloor())
	}

	return nil
}
