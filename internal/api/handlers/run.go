package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maumercado/taskrun-dispatcher/internal/api/middleware"
	"github.com/maumercado/taskrun-dispatcher/internal/dispatch"
	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/metrics"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
)

// RunHandler handles run submission and caller-side lookup: Create persists
// a runs.TaskRun in the Store and drops an EXECUTE envelope on the durable
// queue for the Dispatch Loop to pick up.
type RunHandler struct {
	store store.Store
	queue queue.Client
}

func NewRunHandler(st store.Store, q queue.Client) *RunHandler {
	return &RunHandler{store: st, queue: q}
}

// CreateRunRequest is the POST /api/v1/runs body.
type CreateRunRequest struct {
	TaskIdentifier string          `json:"task_identifier"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Context        json.RawMessage `json:"context"`
	IdempotencyKey string          `json:"idempotency_key"`
	Tags           []string        `json:"tags"`
	MaxAttempts    int             `json:"max_attempts"`
	// Version pins this run to a specific already-registered worker version
	// instead of whatever is latest at dispatch time.
	Version string `json:"version"`
}

// RunResponse is the JSON projection of a runs.TaskRun returned to API
// callers; internal (non-friendly) IDs never leave the process.
type RunResponse struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_identifier"`
	Queue       string          `json:"queue"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

func runResponse(r *runs.TaskRun) RunResponse {
	resp := RunResponse{
		ID:          r.FriendlyID,
		TaskID:      r.TaskSlug,
		Queue:       r.QueueName,
		Status:      r.Status.String(),
		Payload:     r.Payload,
		Tags:        r.Tags,
		MaxAttempts: r.MaxAttempts,
		CreatedAt:   r.CreatedAt.Format(http.TimeFormat),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(http.TimeFormat)
		resp.CompletedAt = &s
	}
	return resp
}

// Create handles POST /api/v1/runs: create a TaskRun row and enqueue an
// EXECUTE message for it, scoped to the caller's AuthenticatedEnvironment.
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.Environment(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing authenticated environment")
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskIdentifier == "" {
		respondError(w, http.StatusBadRequest, "task_identifier is required")
		return
	}
	queueName := req.Queue
	if queueName == "" {
		queueName = "default"
	}

	if err := h.ensureQueue(r.Context(), env.ID, queueName); err != nil {
		logger.WithEnvironment(env.ID).Error().Err(err).Str("queue", queueName).Msg("api: failed to resolve queue")
		respondError(w, http.StatusInternalServerError, "failed to resolve queue")
		return
	}

	retry := runs.RetryConfig{MaxAttempts: req.MaxAttempts}.MergeDefaults(runs.DefaultRetryConfig())
	run := runs.NewTaskRun(env.ID, queueName, req.TaskIdentifier, req.Payload, retry)
	run.Context = req.Context
	run.IdempotencyKey = req.IdempotencyKey
	run.Tags = req.Tags
	run.LockedToVersionID = req.Version

	if err := h.store.CreateRun(r.Context(), run); err != nil {
		logger.WithEnvironment(env.ID).Error().Err(err).Msg("api: failed to create run")
		respondError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	payload, err := json.Marshal(dispatch.QueuePayload{Type: "EXECUTE", TaskIdentifier: req.TaskIdentifier})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build queue payload")
		return
	}
	if err := h.queue.Enqueue(r.Context(), env.ID, queueName, run.ID, payload); err != nil {
		logger.WithEnvironment(env.ID).Error().Err(err).Str("run_id", run.FriendlyID).Msg("api: failed to enqueue run")
		respondError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}

	metrics.RecordRunSubmission(req.TaskIdentifier, queueName)
	logger.WithEnvironment(env.ID).Info().Str("run_id", run.FriendlyID).Str("task_identifier", req.TaskIdentifier).Msg("api: run submitted")

	respondJSON(w, http.StatusCreated, runResponse(run))
}

// ensureQueue makes sure a TaskQueue row exists for (environmentID, name)
// before a run is enqueued against it. Without this row the Dispatch Loop's
// GetQueue lookup (step 7) fails on every iteration and the run nacks with
// no delay forever, so the first submission against a new queue name
// creates it with the default concurrency limit.
func (h *RunHandler) ensureQueue(ctx context.Context, environmentID, name string) error {
	_, err := h.store.GetQueue(ctx, environmentID, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return h.store.UpsertQueue(ctx, runs.NewTaskQueue(environmentID, name))
}

// Get handles GET /api/v1/runs/{runID}, scoped to the caller's environment so
// one environment's runs are never visible to another's API key.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.Environment(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing authenticated environment")
		return
	}

	runID := chi.URLParam(r, "runID")
	run, err := h.store.GetRunByFriendlyID(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.EnvironmentID != env.ID {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	respondJSON(w, http.StatusOK, runResponse(run))
}
