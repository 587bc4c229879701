// Package worker implements the generic detection worker state machine:
// decode, CAS to running, jitter, detect with bounded retry, publish a
// response, ack (spec §4.7 "Worker Runtime").
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/broker"
	"github.com/purpleteam/checking-engine/internal/codec"
	"github.com/purpleteam/checking-engine/internal/engineconfig"
	"github.com/purpleteam/checking-engine/internal/errkind"
	"github.com/purpleteam/checking-engine/internal/store"
)

// Detection is the tri-state observation a Detector reports plus the
// evidence that backs it (spec §4.7 "Detect(task_config)").
type Detection struct {
	Detected string // "true" | "false" | "unknown"
	Raw      []byte
	Parsed   []byte
	Source   string
}

// Detector runs one platform-specific check against a task's config.
// Implementations classify every failure as errkind.Transient (worth
// retrying) or errkind.Permanent (not).
type Detector interface {
	Detect(ctx context.Context, detectionType, platform string, config []byte) (Detection, error)
}

// Publisher is the narrow broker surface the worker needs to publish a
// response and to dead-letter a malformed task.
type Publisher interface {
	PublishToQueue(ctx context.Context, queue string, body []byte) error
}

var _ Publisher = (*broker.Publisher)(nil)

// DeadLetterer dead-letters a task the worker could not process.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, reason string, payload []byte) error
}

// Delivery is the narrow broker.Delivery surface the worker drives:
// the payload plus ack and nack-with-requeue.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack() error
}

var _ Delivery = broker.Delivery{}

// Worker consumes one typed task queue and drives each delivery through
// the state machine in spec §4.7.
type Worker struct {
	id         string
	detector   Detector
	publisher  Publisher
	deadLetter DeadLetterer
	store      store.Gateway
	responseQ  string
	cfg        *engineconfig.WorkerConfig
	logger     *slog.Logger
}

// New builds a Worker. responseQueue is the queue this worker's
// detection-response messages are published to (api.responses or
// agent.responses, spec §6 "Topology").
func New(
	id string, detector Detector, publisher Publisher, deadLetter DeadLetterer,
	gateway store.Gateway, responseQueue string, cfg *engineconfig.WorkerConfig, logger *slog.Logger,
) *Worker {
	return &Worker{
		id:         id,
		detector:   detector,
		publisher:  publisher,
		deadLetter: deadLetter,
		store:      gateway,
		responseQ:  responseQueue,
		cfg:        cfg,
		logger:     logger.With("component", "worker", "worker_id", id),
	}
}

// HandleDelivery runs one task delivery through decode, CAS, jitter,
// detect-with-retry, publish, ack. It never returns an error: every
// outcome is resolved into an ack or a nack on the delivery itself
// (a dead-lettered task is acked), matching the broker's
// manual-acknowledgement contract.
func (w *Worker) HandleDelivery(ctx context.Context, delivery Delivery) {
	task, err := codec.DecodeTask(delivery.Body())
	if err != nil {
		w.logger.Warn("dropping malformed task", "error", err)
		w.toDeadLetter(ctx, "malformed task", delivery.Body())
		w.ackOrLog(delivery)

		return
	}

	if !w.transitionToRunning(ctx, task) {
		w.ackOrLog(delivery)

		return
	}

	detection, finalErr := w.detectWithRetry(ctx, task)

	response := w.buildResponse(task, detection, finalErr)

	payload, err := codec.EncodeResponse(response)
	if err != nil {
		w.logger.Error("encoding detection response", "error", err, "task_id", task.TaskID)
		w.toDeadLetter(ctx, "response encode failure", delivery.Body())
		w.ackOrLog(delivery)

		return
	}

	if err := w.publisher.PublishToQueue(ctx, w.responseQ, payload); err != nil {
		w.logger.Warn("publishing detection response failed, requeueing task", "error", err, "task_id", task.TaskID)

		if err := delivery.Nack(); err != nil {
			w.logger.Error("nacking task after publish failure", "error", err)
		}

		return
	}

	w.ackOrLog(delivery)
}

// transitionToRunning performs the optional CAS to running. It returns
// false when the detection_execution is already terminal (duplicate
// delivery after completion): the caller acks without doing further
// work.
func (w *Worker) transitionToRunning(ctx context.Context, task *codec.Task) bool {
	now := time.Now().UTC()

	tx, err := w.store.Begin(ctx)
	if err != nil {
		w.logger.Error("beginning transaction for CAS to running", "error", err)

		return true
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.TransitionDetectionExecution(ctx, task.DetectionExecutionID, store.StatusPending, store.StatusRunning,
		store.DetectionExecutionPatch{StartedAt: &now})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			w.logger.Info("detection execution not pending, skipping duplicate delivery", "detection_execution_id", task.DetectionExecutionID)

			return false
		}

		w.logger.Error("transitioning detection execution to running", "error", err)

		return true
	}

	if err := tx.Commit(); err != nil {
		w.logger.Error("committing CAS to running", "error", err)
	}

	return true
}

// detectWithRetry calls Detect, retrying on errkind.Transient up to
// task.MaxRetries times with a jitter sleep before the first attempt and
// a fixed delay between retries (spec §4.7 steps 3 and 5).
func (w *Worker) detectWithRetry(ctx context.Context, task *codec.Task) (Detection, error) {
	sleep(ctx, jitterBetween(w.cfg.JitterMin, w.cfg.JitterMax))

	var (
		detection Detection
		err       error
	)

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		detectCtx, cancel := context.WithTimeout(ctx, w.cfg.DetectorTimeout)
		detection, err = w.detector.Detect(detectCtx, task.DetectionType, task.Platform, task.Config)
		cancel()

		if err == nil {
			return detection, nil
		}

		if !errors.Is(err, errkind.Transient) {
			return detection, err
		}

		if attempt == task.MaxRetries {
			break
		}

		w.recordRetry(ctx, task.DetectionExecutionID, attempt+1)

		sleep(ctx, w.cfg.RetryDelay)
	}

	return detection, err
}

// recordRetry CAS-patches retry_count on the detection_execution row so
// the row reflects the attempt that is about to run. Best-effort: a
// failure here is logged, not fatal, since the response the worker
// eventually publishes still carries the outcome of the detection
// itself.
func (w *Worker) recordRetry(ctx context.Context, id uuid.UUID, count int) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		w.logger.Error("beginning transaction for retry count", "error", err)

		return
	}
	defer tx.Rollback() //nolint:errcheck

	patch := store.DetectionExecutionPatch{RetryCount: &count}

	err = tx.TransitionDetectionExecution(ctx, id, store.StatusRunning, store.StatusRunning, patch)
	if err != nil {
		w.logger.Error("recording retry count", "error", err, "detection_execution_id", id)

		return
	}

	if err := tx.Commit(); err != nil {
		w.logger.Error("committing retry count", "error", err)
	}
}

func (w *Worker) buildResponse(task *codec.Task, detection Detection, err error) *codec.Response {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	detected := detection.Detected
	if detected == "" {
		detected = "unknown"
	}

	return &codec.Response{
		TaskID:               task.TaskID,
		DetectionExecutionID: task.DetectionExecutionID,
		Outcome:              outcome,
		Detected:             detected,
		RawResponse:          detection.Raw,
		ParsedResults:        detection.Parsed,
		Source:               detection.Source,
		WorkerID:             w.id,
		FinishedAt:           time.Now(),
	}
}

func (w *Worker) toDeadLetter(ctx context.Context, reason string, payload []byte) {
	if w.deadLetter == nil {
		return
	}

	if err := w.deadLetter.DeadLetter(ctx, reason, payload); err != nil {
		w.logger.Error("dead-lettering task", "error", err, "reason", reason)
	}
}

func (w *Worker) ackOrLog(delivery Delivery) {
	if err := delivery.Ack(); err != nil {
		w.logger.Error("acking task delivery", "error", err)
	}
}

func jitterBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}

	return min + time.Duration(rand.Int63n(int64(max-min))) //nolint:gosec // jitter, not security sensitive
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
