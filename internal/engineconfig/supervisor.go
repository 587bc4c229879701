package engineconfig

import "time"

const defaultShutdownGrace = 30 * time.Second

// SupervisorConfig holds the Lifecycle Supervisor's shutdown surface
// (spec §6 "supervisor:" configuration surface).
type SupervisorConfig struct {
	ShutdownGrace time.Duration
	IngestionPool int
	ResultPool    int
}

// LoadSupervisorConfig loads supervisor configuration from environment variables.
func LoadSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		ShutdownGrace: GetEnvDuration("SUPERVISOR_SHUTDOWN_GRACE", defaultShutdownGrace),
		IngestionPool: GetEnvInt("SUPERVISOR_INGESTION_POOL", defaultPoolSize),
		ResultPool:    GetEnvInt("SUPERVISOR_RESULT_POOL", defaultPoolSize),
	}
}

// DeadLetterConfig holds the dead-letter exchange/routing-key target
// (spec §6 "dead-letter:" configuration surface).
type DeadLetterConfig struct {
	Exchange   string
	RoutingKey string
}

// LoadDeadLetterConfig loads dead-letter configuration from environment variables.
func LoadDeadLetterConfig() *DeadLetterConfig {
	return &DeadLetterConfig{
		Exchange:   GetEnvStr("DEADLETTER_EXCHANGE", "checking.deadletter"),
		RoutingKey: GetEnvStr("DEADLETTER_ROUTING_KEY", "checking.rejected"),
	}
}
