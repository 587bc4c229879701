package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/purpleteam/checking-engine/internal/store"
)

type fakeGateway struct {
	store.Gateway
	execution    *store.DetectionExecution
	executions   []*store.DetectionExecution
	results      []*store.DetectionResult
	healthErr    error
	lookupErr    error
	lastOpID     string
	lastStatus   *store.DetectionStatus
}

func (f *fakeGateway) GetDetectionExecution(_ context.Context, _ uuid.UUID) (*store.DetectionExecution, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}

	return f.execution, nil
}

func (f *fakeGateway) ListDetectionExecutionsByOperation(_ context.Context, operationID string, status *store.DetectionStatus) ([]*store.DetectionExecution, error) {
	f.lastOpID = operationID
	f.lastStatus = status

	return f.executions, nil
}

func (f *fakeGateway) ListDetectionResults(context.Context, uuid.UUID) ([]*store.DetectionResult, error) {
	return f.results, nil
}

func (f *fakeGateway) HealthCheck(context.Context) error {
	return f.healthErr
}

func testServer(gw *fakeGateway) *Server {
	cfg := LoadServerConfig()

	return NewServer(cfg, gw)
}

func TestHandleGetDetectionExecution_Found(t *testing.T) {
	id := uuid.New()
	gw := &fakeGateway{execution: &store.DetectionExecution{
		ID:            id,
		DetectionType: store.DetectionTypeAPI,
		Status:        store.StatusCompleted,
		CreatedAt:     time.Now().UTC(),
	}}
	s := testServer(gw)

	req := httptest.NewRequest(http.MethodGet, "/detection-executions/"+id.String(), nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id.String())
}

func TestHandleGetDetectionExecution_InvalidID(t *testing.T) {
	s := testServer(&fakeGateway{})

	req := httptest.NewRequest(http.MethodGet, "/detection-executions/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetDetectionExecution_NotFound(t *testing.T) {
	gw := &fakeGateway{lookupErr: store.ErrNotFound}
	s := testServer(gw)

	req := httptest.NewRequest(http.MethodGet, "/detection-executions/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetDetectionExecution_StoreError(t *testing.T) {
	gw := &fakeGateway{lookupErr: errors.New("connection reset")}
	s := testServer(gw)

	req := httptest.NewRequest(http.MethodGet, "/detection-executions/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleListDetectionExecutions_RequiresOperationID(t *testing.T) {
	s := testServer(&fakeGateway{})

	req := httptest.NewRequest(http.MethodGet, "/detection-executions", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListDetectionExecutions_FiltersByStatus(t *testing.T) {
	gw := &fakeGateway{executions: []*store.DetectionExecution{{ID: uuid.New()}}}
	s := testServer(gw)

	req := httptest.NewRequest(http.MethodGet, "/detection-executions?operation_id=op-1&status=completed", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "op-1", gw.lastOpID)
	require.NotNil(t, gw.lastStatus)
	require.Equal(t, store.StatusCompleted, *gw.lastStatus)
}

func TestHandleListDetectionResults(t *testing.T) {
	detected := true
	gw := &fakeGateway{results: []*store.DetectionResult{{ID: uuid.New(), Detected: &detected}}}
	s := testServer(gw)

	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/detection-executions/"+id.String()+"/results", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_OK(t *testing.T) {
	s := testServer(&fakeGateway{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_StoreDown(t *testing.T) {
	s := testServer(&fakeGateway{healthErr: errors.New("database unreachable")})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
