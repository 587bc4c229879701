package ingestion

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/dispatch"
	"github.com/purpleteam/checking-engine/internal/engineconfig"
	"github.com/purpleteam/checking-engine/internal/store"
)

type fakeTx struct {
	store.Tx
	created         []*store.DetectionExecution
	executionExists bool
	committed       bool
	rolledBack      bool
}

func (f *fakeTx) UpsertOperation(context.Context, string, string, time.Time, time.Time, store.JSON) (*store.Operation, error) {
	return &store.Operation{}, nil
}

func (f *fakeTx) CreateExecutionIfAbsent(_ context.Context, execution *store.Execution) (*store.Execution, bool, error) {
	execution.ID = uuid.New()

	return execution, !f.executionExists, nil
}

func (f *fakeTx) CreateDetectionExecution(_ context.Context, row *store.DetectionExecution) (*store.DetectionExecution, error) {
	row.ID = uuid.New()
	f.created = append(f.created, row)

	return row, nil
}

func (f *fakeTx) Commit() error   { f.committed = true; return nil }
func (f *fakeTx) Rollback() error { f.rolledBack = true; return nil }

type fakeGateway struct {
	store.Gateway
	tx *fakeTx
}

func (f *fakeGateway) Begin(context.Context) (store.Tx, error) {
	return f.tx, nil
}

type fakePublisher struct {
	published int
}

func (f *fakePublisher) PublishToQueue(context.Context, string, []byte) error {
	f.published++

	return nil
}

type fakeDeadLetter struct {
	called bool
}

func (f *fakeDeadLetter) DeadLetter(context.Context, string, []byte) error {
	f.called = true

	return nil
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

func validExecutionRecordPayload() []byte {
	payload, _ := json.Marshal(map[string]any{
		"operation": map[string]any{"id": uuid.New().String(), "name": "op-1", "started_at": "2026-07-01T00:00:00Z"},
		"execution": map[string]any{"link_id": uuid.New().String(), "agent_host": "host-1"},
		"detections": map[string]any{
			"api": map[string]any{"default": map[string]any{}},
		},
	})

	return payload
}

func TestHandleDelivery_MalformedRecordDeadLettersAndAcks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tx := &fakeTx{}
	gw := &fakeGateway{tx: tx}
	pub := &fakePublisher{}
	dl := &fakeDeadLetter{}
	d := dispatch.New(pub, &engineconfig.WorkerConfig{MaxRetries: 1}, nil)
	consumer := New(gw, d, dl, noopLogger())

	delivery := &fakeDelivery{body: []byte("not json")}
	consumer.HandleDelivery(context.Background(), delivery)

	if !dl.called {
		t.Error("expected malformed record to be dead-lettered")
	}

	if !delivery.acked {
		t.Error("expected malformed record delivery to be acked")
	}
}

func TestHandleDelivery_NewExecutionDispatchesAndCommits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tx := &fakeTx{}
	gw := &fakeGateway{tx: tx}
	pub := &fakePublisher{}
	d := dispatch.New(pub, &engineconfig.WorkerConfig{MaxRetries: 1}, nil)
	consumer := New(gw, d, nil, noopLogger())

	delivery := &fakeDelivery{body: validExecutionRecordPayload()}
	consumer.HandleDelivery(context.Background(), delivery)

	if !tx.committed {
		t.Error("expected transaction to commit")
	}

	if len(tx.created) != 1 {
		t.Errorf("expected 1 detection execution created, got %d", len(tx.created))
	}

	if pub.published != 1 {
		t.Errorf("expected 1 task published, got %d", pub.published)
	}

	if !delivery.acked {
		t.Error("expected delivery to be acked")
	}
}

func TestHandleDelivery_DuplicateLinkIDCommitsWithoutDispatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tx := &fakeTx{executionExists: true}
	gw := &fakeGateway{tx: tx}
	pub := &fakePublisher{}
	d := dispatch.New(pub, &engineconfig.WorkerConfig{MaxRetries: 1}, nil)
	consumer := New(gw, d, nil, noopLogger())

	delivery := &fakeDelivery{body: validExecutionRecordPayload()}
	consumer.HandleDelivery(context.Background(), delivery)

	if !tx.committed {
		t.Error("expected transaction to commit on duplicate link_id replay")
	}

	if len(tx.created) != 0 {
		t.Errorf("expected no detection executions created on replay, got %d", len(tx.created))
	}

	if pub.published != 0 {
		t.Errorf("expected no tasks published on replay, got %d", pub.published)
	}

	if !delivery.acked {
		t.Error("expected delivery to be acked")
	}
}
