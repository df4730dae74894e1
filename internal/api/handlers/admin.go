package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maumercado/taskrun-dispatcher/internal/store"
	"github.com/maumercado/taskrun-dispatcher/internal/transport"
)

// AdminHandler serves run/worker inspection. There is no terminal
// dead-letter queue here: a worker's completion message decides retry vs
// terminal failure, never the dispatcher, so run/attempt state is read
// straight from the Store, and live worker connections are read from the
// transport Supervisor (the only place that knows who's connected right
// now).
type AdminHandler struct {
	store      store.Store
	supervisor *transport.Supervisor
}

func NewAdminHandler(st store.Store, sup *transport.Supervisor) *AdminHandler {
	return &AdminHandler{store: st, supervisor: sup}
}

// AttemptResponse is the JSON projection of a runs.TaskRunAttempt.
type AttemptResponse struct {
	ID          string  `json:"id"`
	Number      int     `json:"number"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`
}

// RunInspectionResponse augments RunResponse with lock state and the full
// attempt history, for GET /admin/runs/{runID}.
type RunInspectionResponse struct {
	RunResponse
	Locked   bool              `json:"locked"`
	LockedBy string            `json:"locked_by,omitempty"`
	Attempts []AttemptResponse `json:"attempts"`
}

// GetRun handles GET /admin/runs/{runID}.
func (h *AdminHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.store.GetRunByFriendlyID(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	attempts, err := h.store.ListAttempts(r.Context(), run.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}

	out := RunInspectionResponse{
		RunResponse: runResponse(run),
		Locked:      run.Locked(),
		LockedBy:    run.LockedBy,
		Attempts:    make([]AttemptResponse, 0, len(attempts)),
	}
	for _, a := range attempts {
		ar := AttemptResponse{
			ID:        a.FriendlyID,
			Number:    a.Number,
			Status:    a.Status.String(),
			Error:     a.Error,
			CreatedAt: a.CreatedAt.Format(http.TimeFormat),
		}
		if a.CompletedAt != nil {
			s := a.CompletedAt.Format(http.TimeFormat)
			ar.CompletedAt = &s
		}
		if a.NextRetryAt != nil {
			s := a.NextRetryAt.Format(http.TimeFormat)
			ar.NextRetryAt = &s
		}
		out.Attempts = append(out.Attempts, ar)
	}

	respondJSON(w, http.StatusOK, out)
}

// WorkerConnectionResponse describes one live worker connection.
type WorkerConnectionResponse struct {
	ConnectionID  string `json:"connection_id"`
	EnvironmentID string `json:"environment_id"`
	Version       string `json:"version,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	ConnectedAt   string `json:"connected_at"`
}

// ListWorkers handles GET /admin/workers: every worker currently connected
// over the transport, across every environment this dispatcher serves.
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	conns := h.supervisor.ListConnections()
	out := make([]WorkerConnectionResponse, 0, len(conns))
	for _, c := range conns {
		wc := WorkerConnectionResponse{
			ConnectionID:  c.ID,
			EnvironmentID: c.EnvironmentID,
			ConnectedAt:   c.ConnectedAt.Format(http.TimeFormat),
		}
		if c.WorkerVersion != nil {
			wc.Version = c.WorkerVersion.Version
			wc.ContentHash = c.WorkerVersion.ContentHash
		}
		out = append(out, wc)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": out,
		"count":   len(out),
	})
}

// HealthCheck handles GET /admin/health.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
