package engineconfig

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies one of the distinct broker credentials the engine opens a
// connection under (spec §4.3: "Connections are per-role").
type Role string

// The broker roles. RolePublisher belongs to the upstream emulation tool;
// the engine opens its own connection under each of the other five.
const (
	RolePublisher      Role = "publisher"       // upstream emulation tool -> instructions
	RoleIngestion      Role = "ingestion"        // Ingestion Consumer
	RoleDispatcher     Role = "dispatcher"       // Task Dispatcher
	RoleAPIWorker      Role = "api_worker"       // api.tasks consumer / api.responses producer
	RoleAgentWorker    Role = "agent_worker"     // agent.tasks consumer / agent.responses producer
	RoleResultConsumer Role = "result_consumer"  // api.responses + agent.responses consumer
)

const (
	defaultBrokerPort      = 5672
	defaultPrefetch        = 16
	defaultReconnectMin    = 500 * time.Millisecond
	defaultReconnectMax    = 30 * time.Second
	defaultReconnectJitter = 0.20
	defaultPublishTimeout  = 5 * time.Second
	defaultAckDeadline     = 5 * time.Minute
)

// ErrMissingRoleCredentials is returned when a role has no username configured.
var ErrMissingRoleCredentials = errors.New("missing broker credentials for role")

// Credentials holds the username/password pair a role authenticates with.
type Credentials struct {
	Username string
	Password string
}

// BrokerConfig holds topic-exchange broker connection configuration: host,
// port, vhost, per-role credentials, per-consumer prefetch, and reconnect
// backoff parameters (spec §4.3 and §6).
type BrokerConfig struct {
	Host  string
	Port  int
	Vhost string

	Credentials map[Role]Credentials

	// PrefetchByQueue holds the per-consumer in-flight window (spec §4.3,
	// §4.7 "Backpressure"). Keyed by queue name; falls back to
	// DefaultPrefetch when a queue is absent from the map.
	PrefetchByQueue map[string]int
	DefaultPrefetch int

	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64 // fraction, e.g. 0.20 == +/-20%
	PublishTimeout  time.Duration

	// AckDeadline is the broker-enforced redelivery window for an unacked
	// message. Spec §5 requires it exceed jitter + (max_retries *
	// (detector_timeout + retry_delay)); checked at startup in
	// engineconfig.Config.Validate.
	AckDeadline time.Duration
}

// LoadBrokerConfig loads broker configuration from environment variables.
func LoadBrokerConfig() *BrokerConfig {
	roles := []Role{RolePublisher, RoleIngestion, RoleDispatcher, RoleAPIWorker, RoleAgentWorker, RoleResultConsumer}
	creds := make(map[Role]Credentials, len(roles))

	for _, role := range roles {
		upper := envSafeRole(role)
		creds[role] = Credentials{
			Username: GetEnvStr(fmt.Sprintf("BROKER_%s_USERNAME", upper), ""),
			Password: GetEnvStr(fmt.Sprintf("BROKER_%s_PASSWORD", upper), ""),
		}
	}

	queues := []string{"instructions", "api.tasks", "agent.tasks", "api.responses", "agent.responses"}
	defaultPrefetch := GetEnvInt("BROKER_DEFAULT_PREFETCH", defaultPrefetch)
	prefetch := make(map[string]int, len(queues))

	for _, q := range queues {
		prefetch[q] = GetEnvInt(fmt.Sprintf("BROKER_PREFETCH_%s", envSafeQueue(q)), defaultPrefetch)
	}

	return &BrokerConfig{
		Host:            GetEnvStr("BROKER_HOST", "localhost"),
		Port:            GetEnvInt("BROKER_PORT", defaultBrokerPort),
		Vhost:           GetEnvStr("BROKER_VHOST", "/"),
		Credentials:     creds,
		PrefetchByQueue: prefetch,
		DefaultPrefetch: defaultPrefetch,
		ReconnectMin:    GetEnvDuration("BROKER_RECONNECT_MIN", defaultReconnectMin),
		ReconnectMax:    GetEnvDuration("BROKER_RECONNECT_MAX", defaultReconnectMax),
		ReconnectJitter: GetEnvFloat("BROKER_RECONNECT_JITTER", defaultReconnectJitter),
		PublishTimeout:  GetEnvDuration("BROKER_PUBLISH_TIMEOUT", defaultPublishTimeout),
		AckDeadline:     GetEnvDuration("BROKER_ACK_DEADLINE", defaultAckDeadline),
	}
}

// Validate checks that every role required by the engine has credentials.
func (c *BrokerConfig) Validate() error {
	for role, cred := range c.Credentials {
		if role == RolePublisher {
			continue
		}

		if cred.Username == "" {
			return fmt.Errorf("%w: %s", ErrMissingRoleCredentials, role)
		}
	}

	return nil
}

// Prefetch returns the configured in-flight window for a queue.
func (c *BrokerConfig) Prefetch(queue string) int {
	if n, ok := c.PrefetchByQueue[queue]; ok {
		return n
	}

	return c.DefaultPrefetch
}

// AMQPURL builds the connection URL for the given role's credentials.
func (c *BrokerConfig) AMQPURL(role Role) string {
	cred := c.Credentials[role]

	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", cred.Username, cred.Password, c.Host, c.Port, vhostPath(c.Vhost))
}

func vhostPath(vhost string) string {
	if vhost == "/" || vhost == "" {
		return "/"
	}

	return "/" + vhost
}

func envSafeRole(role Role) string {
	out := make([]byte, 0, len(role))

	for _, r := range string(role) {
		if r == '-' {
			r = '_'
		}

		out = append(out, byte(r))
	}

	return upperASCII(string(out))
}

func envSafeQueue(queue string) string {
	out := make([]byte, 0, len(queue))

	for _, r := range queue {
		switch r {
		case '.', '-':
			out = append(out, '_')
		default:
			out = append(out, byte(r))
		}
	}

	return upperASCII(string(out))
}

func upperASCII(s string) string {
	out := make([]byte, len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}

		out[i] = c
	}

	return string(out)
}
