package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/engineconfig"
	"github.com/purpleteam/checking-engine/internal/planner"
	"github.com/purpleteam/checking-engine/internal/store"
)

type fakeTx struct {
	store.Tx
	created []*store.DetectionExecution
}

func (f *fakeTx) CreateDetectionExecution(_ context.Context, row *store.DetectionExecution) (*store.DetectionExecution, error) {
	row.ID = uuid.New()
	f.created = append(f.created, row)

	return row, nil
}

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) PublishToQueue(_ context.Context, queue string, _ []byte) error {
	f.published = append(f.published, queue)

	return nil
}

func TestDispatcher_Dispatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tx := &fakeTx{}
	pub := &fakePublisher{}
	d := New(pub, &engineconfig.WorkerConfig{MaxRetries: 3}, nil)

	execution := &store.Execution{ID: uuid.New(), OperationExternalID: uuid.New().String()}
	tasks := []planner.PlannedTask{
		{DetectionType: "api", Platform: "default", Config: json.RawMessage(`{}`)},
		{DetectionType: "windows", Platform: "win10", Config: json.RawMessage(`{}`)},
	}

	created, err := d.Dispatch(context.Background(), tx, execution, tasks)
	if err != nil {
		t.Fatalf("Dispatch() returned error: %v", err)
	}

	if len(created) != 2 {
		t.Fatalf("expected 2 detection executions, got %d", len(created))
	}

	if len(pub.published) != 0 {
		t.Fatalf("expected Dispatch to publish nothing before commit, got %d", len(pub.published))
	}

	if err := d.Publish(context.Background(), execution, created, tasks); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	if len(pub.published) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(pub.published))
	}

	if pub.published[0] != "api.tasks" || pub.published[1] != "agent.tasks" {
		t.Errorf("unexpected publish queues: %v", pub.published)
	}
}

func TestDispatcher_Dispatch_Empty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tx := &fakeTx{}
	pub := &fakePublisher{}
	d := New(pub, &engineconfig.WorkerConfig{MaxRetries: 1}, nil)

	execution := &store.Execution{ID: uuid.New(), OperationExternalID: uuid.New().String()}

	created, err := d.Dispatch(context.Background(), tx, execution, nil)
	if err != nil {
		t.Fatalf("Dispatch() returned error: %v", err)
	}

	if len(created) != 0 {
		t.Errorf("expected no detection executions, got %d", len(created))
	}
}

func TestDispatcher_Dispatch_OverlayOverridesMaxRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tx := &fakeTx{}
	pub := &fakePublisher{}
	overlay := &engineconfig.Overlay{Platforms: []engineconfig.PlatformOverlay{
		{Platform: "siem", MaxRetries: 5},
	}}
	d := New(pub, &engineconfig.WorkerConfig{MaxRetries: 1}, overlay)

	execution := &store.Execution{ID: uuid.New(), OperationExternalID: uuid.New().String()}
	tasks := []planner.PlannedTask{
		{DetectionType: "api", Platform: "siem", Config: json.RawMessage(`{}`)},
		{DetectionType: "api", Platform: "unlisted", Config: json.RawMessage(`{}`)},
	}

	created, err := d.Dispatch(context.Background(), tx, execution, tasks)
	if err != nil {
		t.Fatalf("Dispatch() returned error: %v", err)
	}

	if created[0].MaxRetries != 5 {
		t.Errorf("expected overlay MaxRetries 5 for siem, got %d", created[0].MaxRetries)
	}

	if created[1].MaxRetries != 1 {
		t.Errorf("expected default MaxRetries 1 for unlisted platform, got %d", created[1].MaxRetries)
	}

	if err := d.Publish(context.Background(), execution, created, tasks); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	if len(pub.published) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(pub.published))
	}
}
