package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/codec"
	"github.com/purpleteam/checking-engine/internal/engineconfig"
	"github.com/purpleteam/checking-engine/internal/errkind"
	"github.com/purpleteam/checking-engine/internal/store"
)

type fakeDetector struct {
	detection Detection
	err       error
	calls     int
}

func (f *fakeDetector) Detect(context.Context, string, string, []byte) (Detection, error) {
	f.calls++

	return f.detection, f.err
}

type fakePublisher struct {
	queue   string
	payload []byte
}

func (f *fakePublisher) PublishToQueue(_ context.Context, queue string, body []byte) error {
	f.queue, f.payload = queue, body

	return nil
}

type fakeDeadLetter struct {
	called bool
}

func (f *fakeDeadLetter) DeadLetter(context.Context, string, []byte) error {
	f.called = true

	return nil
}

type fakeTx struct {
	store.Tx
	transitionErr error
	retryCounts   []int
}

func (f *fakeTx) TransitionDetectionExecution(
	_ context.Context, _ uuid.UUID, _, _ store.DetectionStatus, patch store.DetectionExecutionPatch,
) error {
	if patch.RetryCount != nil {
		f.retryCounts = append(f.retryCounts, *patch.RetryCount)
	}

	return f.transitionErr
}

func (f *fakeTx) Commit() error   { return nil }
func (f *fakeTx) Rollback() error { return nil }

type fakeGateway struct {
	store.Gateway
	tx *fakeTx
}

func (f *fakeGateway) Begin(context.Context) (store.Tx, error) {
	return f.tx, nil
}

type fakeDelivery struct {
	body   []byte
	acked  bool
	nacked bool
}

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Ack() error   { d.acked = true; return nil }
func (d *fakeDelivery) Nack() error  { d.nacked = true; return nil }

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(detector Detector, pub *fakePublisher, dl *fakeDeadLetter, gw store.Gateway, cfg *engineconfig.WorkerConfig) *Worker {
	return New("worker-1", detector, pub, dl, gw, "api.responses", cfg, noopLogger())
}

func TestHandleDelivery_MalformedTaskDeadLettersAndAcks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pub := &fakePublisher{}
	dl := &fakeDeadLetter{}
	gw := &fakeGateway{tx: &fakeTx{}}
	cfg := &engineconfig.WorkerConfig{MaxRetries: 1}

	w := newTestWorker(&fakeDetector{}, pub, dl, gw, cfg)

	delivery := &fakeDelivery{body: []byte("not json")}
	w.HandleDelivery(context.Background(), delivery)

	if !dl.called {
		t.Error("expected malformed task to be dead-lettered")
	}

	if !delivery.acked {
		t.Error("expected malformed task delivery to be acked")
	}
}

func TestHandleDelivery_DuplicateDeliveryAcksWithoutDetecting(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	detector := &fakeDetector{}
	pub := &fakePublisher{}
	gw := &fakeGateway{tx: &fakeTx{transitionErr: store.ErrConflict}}
	cfg := &engineconfig.WorkerConfig{MaxRetries: 1}

	w := newTestWorker(detector, pub, nil, gw, cfg)

	task := &codec.Task{TaskID: uuid.New(), DetectionExecutionID: uuid.New(), DetectionType: "api"}
	payload, err := codec.EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask() returned error: %v", err)
	}

	delivery := &fakeDelivery{body: payload}
	w.HandleDelivery(context.Background(), delivery)

	if detector.calls != 0 {
		t.Errorf("expected Detect not to be called on duplicate delivery, got %d calls", detector.calls)
	}

	if !delivery.acked {
		t.Error("expected duplicate delivery to be acked")
	}
}

func TestHandleDelivery_SuccessPublishesResponseAndAcks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	detector := &fakeDetector{detection: Detection{Detected: "true", Source: "api"}}
	pub := &fakePublisher{}
	gw := &fakeGateway{tx: &fakeTx{}}
	cfg := &engineconfig.WorkerConfig{MaxRetries: 1, DetectorTimeout: 1000000000}

	w := newTestWorker(detector, pub, nil, gw, cfg)

	task := &codec.Task{TaskID: uuid.New(), DetectionExecutionID: uuid.New(), DetectionType: "api", MaxRetries: 1}
	payload, err := codec.EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask() returned error: %v", err)
	}

	delivery := &fakeDelivery{body: payload}
	w.HandleDelivery(context.Background(), delivery)

	if pub.queue != "api.responses" {
		t.Errorf("expected response published to api.responses, got %q", pub.queue)
	}

	if !delivery.acked {
		t.Error("expected successful delivery to be acked")
	}

	resp, err := codec.DecodeResponse(pub.payload)
	if err != nil {
		t.Fatalf("DecodeResponse() returned error: %v", err)
	}

	if resp.Outcome != "ok" {
		t.Errorf("expected outcome ok, got %q", resp.Outcome)
	}
}

func TestHandleDelivery_TransientFailureRetriesThenReportsError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	detector := &fakeDetector{err: errkind.Transientf("downstream unavailable")}
	pub := &fakePublisher{}
	tx := &fakeTx{}
	gw := &fakeGateway{tx: tx}
	cfg := &engineconfig.WorkerConfig{MaxRetries: 2, DetectorTimeout: 1000000000}

	w := newTestWorker(detector, pub, nil, gw, cfg)

	task := &codec.Task{TaskID: uuid.New(), DetectionExecutionID: uuid.New(), DetectionType: "api", MaxRetries: 2}
	payload, err := codec.EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask() returned error: %v", err)
	}

	delivery := &fakeDelivery{body: payload}
	w.HandleDelivery(context.Background(), delivery)

	if detector.calls != 3 {
		t.Errorf("expected 3 Detect calls (1 + 2 retries), got %d", detector.calls)
	}

	if len(tx.retryCounts) != 2 || tx.retryCounts[0] != 1 || tx.retryCounts[1] != 2 {
		t.Errorf("expected retry_count patched to [1 2], got %v", tx.retryCounts)
	}

	resp, err := codec.DecodeResponse(pub.payload)
	if err != nil {
		t.Fatalf("DecodeResponse() returned error: %v", err)
	}

	if resp.Outcome != "error" {
		t.Errorf("expected outcome error after exhausted retries, got %q", resp.Outcome)
	}
}
