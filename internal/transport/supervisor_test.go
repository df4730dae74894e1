package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/taskrun-dispatcher/internal/dispatch"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
	"github.com/maumercado/taskrun-dispatcher/internal/trace"
)

const testEnvID = "env-transport-1"

func testEnv() runs.AuthenticatedEnvironment {
	return runs.AuthenticatedEnvironment{
		ID: testEnvID, Slug: "production", Type: "production",
		OrganizationID: "org-1", OrganizationSlug: "acme", OrganizationName: "Acme Inc",
		ProjectID: "proj-1", ProjectRef: "proj_ref123", ProjectSlug: "api", ProjectName: "API",
	}
}

// dialSupervisor starts an httptest server handing every request straight to
// the supervisor with a fixed AuthenticatedEnvironment (real auth middleware
// resolution is exercised separately in internal/api), and returns a
// connected client-side websocket plus the backing store/queue.
func dialSupervisor(t *testing.T) (*websocket.Conn, *Supervisor, store.Store, queue.Client) {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryClient()
	sup := NewSupervisor(st, q, trace.NoopRecorder{}, dispatch.Config{
		MaxItemsPerTrace: 50, TraceTimeoutSeconds: 60, DefaultMaxAttempts: 3, ConsumerIDPrefix: "dispatcher",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sup.ServeWS(w, r, testEnv())
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, st.UpsertQueue(context.Background(), &runs.TaskQueue{
		ID: "queue-1", FriendlyID: "queue_abc", EnvironmentID: testEnvID, Name: "default", ConcurrencyLimit: 10,
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, sup, st, q
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

// End-to-end: a worker registers, a run is enqueued directly against the
// store/queue the supervisor shares with the connection, the worker receives
// EXECUTE_RUNS, and reports success back over the same connection.
func TestSupervisor_RoundTripHappyPath(t *testing.T) {
	conn, _, st, q := dialSupervisor(t)

	ready := dispatch.ReadyForTasksMessage{
		Type: dispatch.ReadyForTasksFrameType, BackgroundWorkerID: "ignored",
		Version: "20240101.1", ContentHash: "hash1", QueueName: "default",
		Tasks: []dispatch.ReadyForTasksTask{{Slug: "send-email", FilePath: "./trigger/send-email.ts", ExportName: "run"}},
	}
	readyData, err := json.Marshal(ready)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, readyData))

	// Give the registration a moment to land before enqueuing.
	time.Sleep(50 * time.Millisecond)

	run := runs.NewTaskRun(testEnvID, "default", "send-email", json.RawMessage(`{"to":"a@example.com"}`), runs.DefaultRetryConfig())
	run.FriendlyID = "run_" + run.ID
	require.NoError(t, st.CreateRun(context.Background(), run))
	payload, err := json.Marshal(dispatch.QueuePayload{Type: "EXECUTE", TaskIdentifier: "send-email"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), testEnvID, "default", run.ID, payload))

	raw := readFrame(t, conn, 3*time.Second)
	var bwm dispatch.BackgroundWorkerMessage
	require.NoError(t, json.Unmarshal(raw, &bwm))
	require.Equal(t, dispatch.BackgroundWorkerMessageFrameType, bwm.Type)

	var execData dispatch.ExecuteRunsData
	require.NoError(t, json.Unmarshal(bwm.Data, &execData))
	require.Len(t, execData.Payloads, 1)
	attemptID := execData.Payloads[0].Execution.Attempt.ID
	require.NotEmpty(t, attemptID)

	completed := dispatch.BackgroundWorkerMessage{
		Type:               dispatch.BackgroundWorkerMessageFrameType,
		BackgroundWorkerID: bwm.BackgroundWorkerID,
	}
	completedData, err := json.Marshal(dispatch.TaskRunCompletedData{
		Type: dispatch.TaskRunCompletedFrameType, FriendlyAttemptID: attemptID,
		Completion: dispatch.TaskRunCompletion{OK: true, Output: json.RawMessage(`{"sent":true}`), OutputType: "application/json"},
	})
	require.NoError(t, err)
	completed.Data = completedData
	completedFrame, err := json.Marshal(completed)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, completedFrame))

	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.ID)
		return err == nil && got.Status == runs.RunStatusCompleted && !got.Locked()
	}, 2*time.Second, 20*time.Millisecond)
}

// A connection that drops before reporting an outcome rolls its attempt back
// so the run can be redelivered rather than stuck locked forever.
func TestSupervisor_DisconnectReleasesAbandonedAttempt(t *testing.T) {
	conn, sup, st, q := dialSupervisor(t)

	ready := dispatch.ReadyForTasksMessage{
		Type: dispatch.ReadyForTasksFrameType, Version: "20240101.1", ContentHash: "hash1", QueueName: "default",
		Tasks: []dispatch.ReadyForTasksTask{{Slug: "send-email", FilePath: "./trigger/send-email.ts", ExportName: "run"}},
	}
	readyData, err := json.Marshal(ready)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, readyData))
	time.Sleep(50 * time.Millisecond)

	run := runs.NewTaskRun(testEnvID, "default", "send-email", json.RawMessage(`{}`), runs.DefaultRetryConfig())
	run.FriendlyID = "run_" + run.ID
	require.NoError(t, st.CreateRun(context.Background(), run))
	payload, err := json.Marshal(dispatch.QueuePayload{Type: "EXECUTE", TaskIdentifier: "send-email"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), testEnvID, "default", run.ID, payload))

	readFrame(t, conn, 3*time.Second)

	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.ID)
		return err == nil && got.Locked()
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return sup.ConnectionCount() == 0
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.ID)
		return err == nil && !got.Locked()
	}, 2*time.Second, 20*time.Millisecond)
}
