// Package supervisor starts and stops every other component in
// dependency order and coordinates graceful shutdown with in-flight
// messages: one database pool, N broker connections, and five
// consumer/worker pools, brought up and torn down via a signal
// channel raced against context cancellation through select, a drain
// grace period bounded by time.After, and close errors collected on the
// way down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/purpleteam/checking-engine/internal/broker"
	"github.com/purpleteam/checking-engine/internal/deadletter"
	"github.com/purpleteam/checking-engine/internal/dispatch"
	"github.com/purpleteam/checking-engine/internal/engineconfig"
	"github.com/purpleteam/checking-engine/internal/ingestion"
	"github.com/purpleteam/checking-engine/internal/result"
	"github.com/purpleteam/checking-engine/internal/store"
	"github.com/purpleteam/checking-engine/internal/worker"
	"github.com/purpleteam/checking-engine/internal/worker/detectagent"
	"github.com/purpleteam/checking-engine/internal/worker/detectapi"
)

// Supervisor owns the full process: the store connection, one broker
// connection per role, and the consumer/worker pools built on top of
// them. It starts them in the order spec §4.9 names (Store Gateway ->
// Broker Client -> Result Consumer -> Ingestion Consumer -> Workers) and
// stops them in reverse.
type Supervisor struct {
	cfg    *engineconfig.Config
	logger *slog.Logger

	dbConn  *store.Connection
	gateway store.Gateway

	brokerConns map[engineconfig.Role]*broker.Connection

	resultConsumer    *result.Consumer
	ingestionConsumer *ingestion.Consumer
	apiWorker         *worker.Worker
	agentWorker       *worker.Worker

	waiters []func()
	cancel  context.CancelFunc
}

// New builds a Supervisor from cfg but does not yet open any connection
// or start any goroutine; call Run to do both.
func New(cfg *engineconfig.Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger.With("component", "supervisor")}
}

// Run opens every dependency, starts every component, and blocks until
// ctx is cancelled or a signal arrives, then performs the graceful
// shutdown sequence from spec §4.9. It returns the first fatal error
// encountered while starting, or nil on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	defer cancel()

	if err := s.startStore(); err != nil {
		return fmt.Errorf("supervisor: starting store gateway: %w", err)
	}

	if err := s.startBroker(runCtx); err != nil {
		s.closeStore()

		return fmt.Errorf("supervisor: starting broker client: %w", err)
	}

	dl := deadletter.New(s.brokerPublisher(), s.cfg.DeadLetter.RoutingKey)

	if err := s.startResultConsumer(runCtx, dl); err != nil {
		return s.abort(err, "starting result consumer")
	}

	if err := s.startIngestionConsumer(runCtx, dl); err != nil {
		return s.abort(err, "starting ingestion consumer")
	}

	if err := s.startWorkers(runCtx, dl); err != nil {
		return s.abort(err, "starting workers")
	}

	s.logger.Info("checking engine started",
		slog.Int("ingestion_pool", s.cfg.Supervisor.IngestionPool),
		slog.Int("result_pool", s.cfg.Supervisor.ResultPool),
		slog.Int("worker_pool", s.cfg.Worker.PoolSize),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.shutdown()
}

func (s *Supervisor) abort(err error, step string) error {
	s.cancel()
	s.shutdown() //nolint:errcheck // best-effort cleanup of whatever already started

	return fmt.Errorf("supervisor: %s: %w", step, err)
}

// startStore opens the database pool and the gateway on top of it
// (spec §4.9 step 1, "Store Gateway").
func (s *Supervisor) startStore() error {
	conn, err := store.NewConnection(s.cfg.Database)
	if err != nil {
		return err
	}

	gateway, err := store.NewPostgresGateway(conn)
	if err != nil {
		conn.Close() //nolint:errcheck // conn never served a caller

		return err
	}

	s.dbConn = conn
	s.gateway = gateway

	s.logger.Info("store gateway connected", slog.String("database", s.cfg.Database.MaskedURL()))

	return nil
}

func (s *Supervisor) closeStore() {
	if s.dbConn != nil {
		if err := s.dbConn.Close(); err != nil {
			s.logger.Error("closing database pool failed", slog.String("error", err.Error()))
		}
	}
}

// startBroker opens one connection per role (spec §4.9 step 2, "Broker
// Client"; spec §4.3 "Connections are per-role").
func (s *Supervisor) startBroker(ctx context.Context) error {
	roles := []engineconfig.Role{
		engineconfig.RoleIngestion,
		engineconfig.RoleDispatcher,
		engineconfig.RoleAPIWorker,
		engineconfig.RoleAgentWorker,
		engineconfig.RoleResultConsumer,
	}

	conns := make(map[engineconfig.Role]*broker.Connection, len(roles))

	for _, role := range roles {
		conn, err := broker.NewConnection(ctx, s.cfg.Broker, role)
		if err != nil {
			for _, opened := range conns {
				opened.Close() //nolint:errcheck // best-effort cleanup on partial failure
			}

			return fmt.Errorf("role %s: %w", role, err)
		}

		conns[role] = conn
	}

	ch, err := conns[engineconfig.RoleDispatcher].Channel()
	if err == nil {
		err = ch.QueueBind(broker.DeadLetterQueue, s.cfg.DeadLetter.RoutingKey, broker.Exchange, false, nil)
	}

	if err != nil {
		for _, opened := range conns {
			opened.Close() //nolint:errcheck // best-effort cleanup on partial failure
		}

		return fmt.Errorf("binding dead-letter queue: %w", err)
	}

	s.brokerConns = conns

	s.logger.Info("broker connections established", slog.Int("roles", len(conns)))

	return nil
}

// brokerPublisher returns a publisher scoped to the dispatcher's
// connection; dispatch and dead-letter both publish task/rejection
// messages under the same role (spec §6 "Topology": the dispatcher
// role produces api.tasks/agent.tasks, and the dead-letter sink reuses
// it rather than opening a sixth connection).
func (s *Supervisor) brokerPublisher() *broker.Publisher {
	return broker.NewPublisher(s.brokerConns[engineconfig.RoleDispatcher])
}

// startResultConsumer wires and starts the Result Consumer pool (spec
// §4.9 step 3).
func (s *Supervisor) startResultConsumer(ctx context.Context, dl *deadletter.DeadLetter) error {
	s.resultConsumer = result.New(s.gateway, dl, s.logger)

	consumer, err := broker.NewConsumer(s.brokerConns[engineconfig.RoleResultConsumer], broker.QueueAPIResponses)
	if err != nil {
		return err
	}

	apiDeliveries, err := consumer.Consume(ctx)
	if err != nil {
		return err
	}

	agentConsumer, err := broker.NewConsumer(s.brokerConns[engineconfig.RoleResultConsumer], broker.QueueAgentResponses)
	if err != nil {
		return err
	}

	agentDeliveries, err := agentConsumer.Consume(ctx)
	if err != nil {
		return err
	}

	pool := s.cfg.Supervisor.ResultPool

	s.waiters = append(s.waiters,
		runPool(pool, apiDeliveries, func(d broker.Delivery) { s.resultConsumer.HandleDelivery(ctx, d) }),
		runPool(pool, agentDeliveries, func(d broker.Delivery) { s.resultConsumer.HandleDelivery(ctx, d) }),
	)

	return nil
}

// startIngestionConsumer wires and starts the Ingestion Consumer pool
// (spec §4.9 step 4), including the Task Dispatcher it hands planned
// tasks to.
func (s *Supervisor) startIngestionConsumer(ctx context.Context, dl *deadletter.DeadLetter) error {
	dispatchPublisher := broker.NewPublisher(s.brokerConns[engineconfig.RoleDispatcher])
	dispatcher := dispatch.New(dispatchPublisher, s.cfg.Worker, s.cfg.Overlay)

	s.ingestionConsumer = ingestion.New(s.gateway, dispatcher, dl, s.logger)

	consumer, err := broker.NewConsumer(s.brokerConns[engineconfig.RoleIngestion], broker.QueueInstructions)
	if err != nil {
		return err
	}

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		return err
	}

	s.waiters = append(s.waiters,
		runPool(s.cfg.Supervisor.IngestionPool, deliveries, func(d broker.Delivery) {
			s.ingestionConsumer.HandleDelivery(ctx, d)
		}),
	)

	return nil
}

// startWorkers wires and starts the Worker Runtime pools (spec §4.9
// step 5): one pool on api.tasks driven by detectapi, one pool on
// agent.tasks driven by detectagent scoped to the host's own platform
// (spec §2 "Windows/Linux/macOS host agents" - a worker process runs on
// the platform it detects against).
func (s *Supervisor) startWorkers(ctx context.Context, dl *deadletter.DeadLetter) error {
	apiPublisher := broker.NewPublisher(s.brokerConns[engineconfig.RoleAPIWorker])
	s.apiWorker = worker.New(
		"api-worker", detectapi.New(&http.Client{Timeout: s.cfg.Worker.DetectorTimeout}),
		apiPublisher, dl, s.gateway, broker.QueueAPIResponses, s.cfg.Worker, s.logger,
	)

	apiConsumer, err := broker.NewConsumer(s.brokerConns[engineconfig.RoleAPIWorker], broker.QueueAPITasks)
	if err != nil {
		return err
	}

	apiDeliveries, err := apiConsumer.Consume(ctx)
	if err != nil {
		return err
	}

	agentPublisher := broker.NewPublisher(s.brokerConns[engineconfig.RoleAgentWorker])
	s.agentWorker = worker.New(
		"agent-worker", detectagent.New(runtime.GOOS),
		agentPublisher, dl, s.gateway, broker.QueueAgentResponses, s.cfg.Worker, s.logger,
	)

	agentConsumer, err := broker.NewConsumer(s.brokerConns[engineconfig.RoleAgentWorker], broker.QueueAgentTasks)
	if err != nil {
		return err
	}

	agentDeliveries, err := agentConsumer.Consume(ctx)
	if err != nil {
		return err
	}

	pool := s.cfg.Worker.PoolSize

	s.waiters = append(s.waiters,
		runPool(pool, apiDeliveries, func(d broker.Delivery) { s.apiWorker.HandleDelivery(ctx, d) }),
		runPool(pool, agentDeliveries, func(d broker.Delivery) { s.agentWorker.HandleDelivery(ctx, d) }),
	)

	return nil
}

// shutdown implements spec §4.9's graceful-shutdown sequence: stop
// accepting new deliveries, drain in-flight work up to the configured
// grace period, then close broker connections and the database pool.
func (s *Supervisor) shutdown() error {
	s.logger.Info("shutting down", slog.Duration("grace", s.cfg.Supervisor.ShutdownGrace))

	// Step 1: cancel the root context. Every broker.Consumer closes its
	// delivery channel in response, which stops feeding new work into
	// the pools started above.
	if s.cancel != nil {
		s.cancel()
	}

	// Step 2: drain in-flight deliveries up to the grace period. Workers
	// still mid-task when the grace period expires leave their message
	// unacked; it is redelivered after restart (spec §4.9 step 2).
	drained := make(chan struct{})

	go func() {
		for _, wait := range s.waiters {
			wait()
		}

		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("all pools drained cleanly")
	case <-time.After(s.cfg.Supervisor.ShutdownGrace):
		s.logger.Warn("shutdown grace period elapsed with pools still draining; remaining in-flight messages will be redelivered")
	}

	// Step 3: close broker channels/connections, then the database pool.
	var errs []error

	for role, conn := range s.brokerConns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing broker connection for role %s: %w", role, err))
		}
	}

	if s.dbConn != nil {
		if err := s.dbConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database pool: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("shutdown complete")

	return nil
}
