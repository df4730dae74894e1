package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/taskrun-dispatcher/internal/api/middleware"
	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
)

func init() {
	logger.Init("error", false)
}

func testEnvironment() runs.AuthenticatedEnvironment {
	return runs.AuthenticatedEnvironment{ID: "env-1", Slug: "production"}
}

func newTestRunHandler() (*RunHandler, store.Store, queue.Client) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryClient()
	return NewRunHandler(st, q), st, q
}

func TestRunHandler_Create_MissingEnvironment(t *testing.T) {
	h, _, _ := newTestRunHandler()
	body, _ := json.Marshal(CreateRunRequest{TaskIdentifier: "send-email"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRunHandler_Create_InvalidJSON(t *testing.T) {
	h, _, _ := newTestRunHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("not json"))
	req = req.WithContext(middleware.WithEnvironment(req.Context(), testEnvironment()))
	w := httptest.NewRecorder()

	h.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunHandler_Create_MissingTaskIdentifier(t *testing.T) {
	h, _, _ := newTestRunHandler()
	body, _ := json.Marshal(CreateRunRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	req = req.WithContext(middleware.WithEnvironment(req.Context(), testEnvironment()))
	w := httptest.NewRecorder()

	h.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunHandler_Create_Succeeds(t *testing.T) {
	h, st, q := newTestRunHandler()
	body, _ := json.Marshal(CreateRunRequest{
		TaskIdentifier: "send-email",
		Queue:          "default",
		Payload:        json.RawMessage(`{"to":"a@example.com"}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	req = req.WithContext(middleware.WithEnvironment(req.Context(), testEnvironment()))
	w := httptest.NewRecorder()

	h.Create(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "send-email", resp.TaskID)
	assert.Equal(t, "default", resp.Queue)
	assert.NotEmpty(t, resp.ID)

	run, err := st.GetRunByFriendlyID(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunStatusQueued, run.Status)

	msg, err := q.Dequeue(context.Background(), "env-1", "default", "consumer-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, msg.RunID)

	queueRow, err := st.GetQueue(context.Background(), "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, runs.DefaultQueueConcurrencyLimit, queueRow.ConcurrencyLimit)
}

func TestRunHandler_Create_ReusesExistingQueueRow(t *testing.T) {
	h, st, _ := newTestRunHandler()
	existing := runs.NewTaskQueue("env-1", "default")
	existing.ConcurrencyLimit = 42
	require.NoError(t, st.UpsertQueue(context.Background(), existing))

	body, _ := json.Marshal(CreateRunRequest{TaskIdentifier: "send-email", Queue: "default"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	req = req.WithContext(middleware.WithEnvironment(req.Context(), testEnvironment()))
	w := httptest.NewRecorder()

	h.Create(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	queueRow, err := st.GetQueue(context.Background(), "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, 42, queueRow.ConcurrencyLimit)
}

func TestRunHandler_Get_NotFound(t *testing.T) {
	h, _, _ := newTestRunHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run_missing", nil)
	req = req.WithContext(middleware.WithEnvironment(req.Context(), testEnvironment()))
	req = withURLParam(req, "runID", "run_missing")
	w := httptest.NewRecorder()

	h.Get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunHandler_Get_WrongEnvironmentHidesRun(t *testing.T) {
	h, st, _ := newTestRunHandler()
	run := runs.NewTaskRun("env-other", "default", "send-email", json.RawMessage(`{}`), runs.DefaultRetryConfig())
	require.NoError(t, st.CreateRun(context.Background(), run))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.FriendlyID, nil)
	req = req.WithContext(middleware.WithEnvironment(req.Context(), testEnvironment()))
	req = withURLParam(req, "runID", run.FriendlyID)
	w := httptest.NewRecorder()

	h.Get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}
