package engineconfig

import "time"

const (
	defaultJitterMin       = 100 * time.Millisecond
	defaultJitterMax       = 500 * time.Millisecond
	defaultMaxRetries      = 3
	defaultRetryDelay      = 1 * time.Second
	defaultDetectorTimeout = 30 * time.Second
	defaultPoolSize        = 16
)

// WorkerConfig holds the Worker Runtime's jitter/retry/timeout surface
// (spec §6 "worker:" configuration surface).
type WorkerConfig struct {
	JitterMin       time.Duration
	JitterMax       time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	DetectorTimeout time.Duration
	PoolSize        int // default P=16, spec §5
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		JitterMin:       GetEnvDuration("WORKER_JITTER_MIN", defaultJitterMin),
		JitterMax:       GetEnvDuration("WORKER_JITTER_MAX", defaultJitterMax),
		MaxRetries:      GetEnvInt("WORKER_MAX_RETRIES", defaultMaxRetries),
		RetryDelay:      GetEnvDuration("WORKER_RETRY_DELAY", defaultRetryDelay),
		DetectorTimeout: GetEnvDuration("WORKER_DETECTOR_TIMEOUT", defaultDetectorTimeout),
		PoolSize:        GetEnvInt("WORKER_POOL_SIZE", defaultPoolSize),
	}
}

// AckDeadlineFloor returns the minimum broker ack deadline this worker
// configuration requires, per spec §5:
//
//	jitter + (max_retries * (detector_timeout + retry_delay))
func (c *WorkerConfig) AckDeadlineFloor() time.Duration {
	return c.JitterMax + time.Duration(c.MaxRetries)*(c.DetectorTimeout+c.RetryDelay)
}
