package result

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/purpleteam/checking-engine/internal/codec"
	"github.com/purpleteam/checking-engine/internal/store"
)

type fakeTx struct {
	store.Tx
	existing    *store.DetectionExecution
	notFound    bool
	appended    []*store.DetectionResult
	transitions int
	committed   bool
	rolledBack  bool
}

func (f *fakeTx) GetDetectionExecution(context.Context, uuid.UUID) (*store.DetectionExecution, error) {
	if f.notFound {
		return nil, store.ErrNotFound
	}

	return f.existing, nil
}

func (f *fakeTx) AppendDetectionResult(_ context.Context, row *store.DetectionResult) (*store.DetectionResult, error) {
	row.ID = uuid.New()
	f.appended = append(f.appended, row)

	return row, nil
}

func (f *fakeTx) TransitionDetectionExecution(_ context.Context, _ uuid.UUID, _, to store.DetectionStatus, _ store.DetectionExecutionPatch) error {
	f.transitions++
	f.existing.Status = to

	return nil
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

type fakeDeadLetter struct {
	called bool
	reason string
}

func (f *fakeDeadLetter) DeadLetter(_ context.Context, reason string, _ []byte) error {
	f.called = true
	f.reason = reason

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

func validResponsePayload(t *testing.T, detectionExecutionID uuid.UUID, outcome, detected string) []byte {
	t.Helper()

	body, err := codec.EncodeResponse(&codec.Response{
		TaskID:               uuid.New(),
		DetectionExecutionID: detectionExecutionID,
		Outcome:              outcome,
		Detected:             detected,
		RawResponse:          []byte(`{}`),
		ParsedResults:        []byte(`{}`),
		Source:               "api",
		WorkerID:             "worker-1",
		FinishedAt:           time.Now().UTC(),
		Metadata:             []byte(`{}`),
	})
	require.NoError(t, err)

	return body
}

func TestHandleDelivery_MalformedResponseDeadLettersAndAcks(t *testing.T) {
	tx := &fakeTx{}
	gw := &fakeGateway{tx: tx}
	dl := &fakeDeadLetter{}
	consumer := New(gw, dl, noopLogger())

	delivery := &fakeDelivery{body: []byte("not json")}
	consumer.HandleDelivery(context.Background(), delivery)

	require.True(t, dl.called)
	require.Equal(t, "malformed detection response", dl.reason)
	require.True(t, delivery.acked)
	require.False(t, tx.committed)
}

func TestHandleDelivery_KnownExecutionAppendsResultAndTransitions(t *testing.T) {
	id := uuid.New()
	tx := &fakeTx{existing: &store.DetectionExecution{ID: id, Status: store.StatusRunning}}
	gw := &fakeGateway{tx: tx}
	consumer := New(gw, nil, noopLogger())

	delivery := &fakeDelivery{body: validResponsePayload(t, id, "ok", "true")}
	consumer.HandleDelivery(context.Background(), delivery)

	require.True(t, tx.committed)
	require.Len(t, tx.appended, 1)
	require.NotNil(t, tx.appended[0].Detected)
	require.True(t, *tx.appended[0].Detected)
	require.Equal(t, 1, tx.transitions)
	require.Equal(t, store.StatusCompleted, tx.existing.Status)
	require.True(t, delivery.acked)
}

func TestHandleDelivery_ErrorOutcomeTransitionsToFailed(t *testing.T) {
	id := uuid.New()
	tx := &fakeTx{existing: &store.DetectionExecution{ID: id, Status: store.StatusRunning}}
	gw := &fakeGateway{tx: tx}
	consumer := New(gw, nil, noopLogger())

	delivery := &fakeDelivery{body: validResponsePayload(t, id, "error", "unknown")}
	consumer.HandleDelivery(context.Background(), delivery)

	require.Equal(t, store.StatusFailed, tx.existing.Status)
	require.True(t, delivery.acked)
}

func TestHandleDelivery_UnknownCorrelationDeadLettersAndAcks(t *testing.T) {
	id := uuid.New()
	tx := &fakeTx{notFound: true}
	gw := &fakeGateway{tx: tx}
	dl := &fakeDeadLetter{}
	consumer := New(gw, dl, noopLogger())

	delivery := &fakeDelivery{body: validResponsePayload(t, id, "ok", "false")}
	consumer.HandleDelivery(context.Background(), delivery)

	require.True(t, dl.called)
	require.Equal(t, "unknown correlation", dl.reason)
	require.True(t, tx.committed)
	require.Empty(t, tx.appended)
	require.True(t, delivery.acked)
}

func TestParseDetected(t *testing.T) {
	truthy := parseDetected("true")
	require.NotNil(t, truthy)
	require.True(t, *truthy)

	falsy := parseDetected("false")
	require.NotNil(t, falsy)
	require.False(t, *falsy)

	require.Nil(t, parseDetected("unknown"))
}
