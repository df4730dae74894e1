package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maumercado/taskrun-dispatcher/internal/runs"
)

// txContextKey mirrors the unexported-struct-key pattern used to propagate a
// pgx.Tx through a context without colliding with other packages' keys.
type txContextKey struct{}

// WithTx returns a context carrying tx, so repository methods further down
// the call stack participate in the same transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext extracts a pgx.Tx previously attached with WithTx.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok
}

// PostgresStore implements Store against a Postgres database using pgx,
// following a WithTx/TxFromContext convention for transaction propagation:
// LockRunAndCreateAttempt and
// UnlockRunAndFinalizeAttempt each run inside their own transaction so the
// run-lock update and the attempt row are committed atomically.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) db(ctx context.Context) interface {
	Exec(context.Context, string, ...any) (pgx.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
} {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *runs.TaskRun) error {
	const q = `INSERT INTO task_runs
		(id, friendly_id, environment_id, queue_name, task_slug, idempotency_key, payload, payload_type,
		 context, trace_context, tags, status, max_attempts, locked_to_version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := s.db(ctx).Exec(ctx, q,
		run.ID, run.FriendlyID, run.EnvironmentID, run.QueueName, run.TaskSlug,
		run.IdempotencyKey, run.Payload, run.PayloadType, run.Context, run.TraceContext,
		run.Tags, int(run.Status), run.MaxAttempts, nullString(run.LockedToVersionID),
		run.CreatedAt, run.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*runs.TaskRun, error) {
	const q = `SELECT id, friendly_id, environment_id, queue_name, task_slug, idempotency_key,
		payload, payload_type, context, trace_context, tags, status, max_attempts, locked_by,
		locked_to_version_id, created_at, updated_at, completed_at
		FROM task_runs WHERE id = $1`
	return s.scanRun(s.db(ctx).QueryRow(ctx, q, id))
}

func (s *PostgresStore) GetRunByFriendlyID(ctx context.Context, friendlyID string) (*runs.TaskRun, error) {
	const q = `SELECT id, friendly_id, environment_id, queue_name, task_slug, idempotency_key,
		payload, payload_type, context, trace_context, tags, status, max_attempts, locked_by,
		locked_to_version_id, created_at, updated_at, completed_at
		FROM task_runs WHERE friendly_id = $1`
	return s.scanRun(s.db(ctx).QueryRow(ctx, q, friendlyID))
}

func (s *PostgresStore) scanRun(row pgx.Row) (*runs.TaskRun, error) {
	var r runs.TaskRun
	var status int
	var lockedBy, lockedToVersionID *string
	err := row.Scan(&r.ID, &r.FriendlyID, &r.EnvironmentID, &r.QueueName, &r.TaskSlug,
		&r.IdempotencyKey, &r.Payload, &r.PayloadType, &r.Context, &r.TraceContext, &r.Tags,
		&status, &r.MaxAttempts, &lockedBy, &lockedToVersionID,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if isNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	r.Status = runs.RunStatus(status)
	if lockedBy != nil {
		r.LockedBy = *lockedBy
	}
	if lockedToVersionID != nil {
		r.LockedToVersionID = *lockedToVersionID
	}
	return &r, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *runs.TaskRun) error {
	const q = `UPDATE task_runs SET status=$2, locked_by=$3, updated_at=$4, completed_at=$5 WHERE id=$1`
	tag, err := s.db(ctx).Exec(ctx, q, run.ID, int(run.Status), nullString(run.LockedBy), time.Now().UTC(), run.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LockRunAndCreateAttempt runs inside its own transaction: it locks the run
// row (WHERE locked_by IS NULL), and only if that update affects a row does
// it insert the new attempt, then commits both together.
func (s *PostgresStore) LockRunAndCreateAttempt(ctx context.Context, runID, workerVersionID, taskID, queueID string) (*runs.TaskRunAttempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var attemptCount int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM task_run_attempts WHERE run_id=$1`, runID).Scan(&attemptCount); err != nil {
		return nil, fmt.Errorf("store: count attempts: %w", err)
	}

	attempt := runs.NewAttempt(runID, workerVersionID, taskID, queueID, attemptCount+1)

	tag, err := tx.Exec(ctx,
		`UPDATE task_runs SET locked_by=$2, status=$3, updated_at=$4 WHERE id=$1 AND locked_by IS NULL`,
		runID, attempt.ID, int(runs.RunStatusExecuting), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("store: lock run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrLockConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO task_run_attempts (id, friendly_id, run_id, worker_version_id, task_id, queue_id, attempt_number, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		attempt.ID, attempt.FriendlyID, attempt.RunID, attempt.WorkerVersionID, attempt.TaskID,
		attempt.QueueID, attempt.Number, int(attempt.Status), attempt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit lock tx: %w", err)
	}
	return attempt, nil
}

func (s *PostgresStore) UnlockRunAndFinalizeAttempt(ctx context.Context, attempt *runs.TaskRunAttempt, nextRunStatus runs.RunStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin unlock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE task_run_attempts SET status=$2, started_at=$3, completed_at=$4, output=$5, output_type=$6, error=$7, next_retry_at=$8 WHERE id=$1`,
		attempt.ID, int(attempt.Status), attempt.StartedAt, attempt.CompletedAt, attempt.Output,
		attempt.OutputType, attempt.Error, attempt.NextRetryAt)
	if err != nil {
		return fmt.Errorf("store: finalize attempt: %w", err)
	}

	var completedAt *time.Time
	if nextRunStatus.IsFinal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := tx.Exec(ctx,
		`UPDATE task_runs SET locked_by=NULL, status=$2, updated_at=$3, completed_at=$4 WHERE id=$1 AND locked_by=$5`,
		attempt.RunID, int(nextRunStatus), time.Now().UTC(), completedAt, attempt.ID)
	if err != nil {
		return fmt.Errorf("store: unlock run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// ReleaseRunLock undoes a lock taken by LockRunAndCreateAttempt when the
// dispatcher couldn't hand the execution to a worker at all: unlock the run
// and delete the attempt row entirely, atomically, since it never ran.
func (s *PostgresStore) ReleaseRunLock(ctx context.Context, runID, attemptID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE task_runs SET locked_by=NULL, status=$3, updated_at=$4 WHERE id=$1 AND locked_by=$2`,
		runID, attemptID, int(runs.RunStatusQueued), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: release lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_run_attempts WHERE id=$1`, attemptID); err != nil {
		return fmt.Errorf("store: delete rolled-back attempt: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*runs.TaskRunAttempt, error) {
	const q = `SELECT id, friendly_id, run_id, worker_version_id, task_id, queue_id, attempt_number, status,
		created_at, started_at, completed_at, output, output_type, error, next_retry_at
		FROM task_run_attempts WHERE id=$1`
	return s.scanAttempt(s.db(ctx).QueryRow(ctx, q, id))
}

func (s *PostgresStore) GetAttemptByFriendlyID(ctx context.Context, friendlyID string) (*runs.TaskRunAttempt, error) {
	const q = `SELECT id, friendly_id, run_id, worker_version_id, task_id, queue_id, attempt_number, status,
		created_at, started_at, completed_at, output, output_type, error, next_retry_at
		FROM task_run_attempts WHERE friendly_id=$1`
	return s.scanAttempt(s.db(ctx).QueryRow(ctx, q, friendlyID))
}

func (s *PostgresStore) scanAttempt(row pgx.Row) (*runs.TaskRunAttempt, error) {
	var a runs.TaskRunAttempt
	var status int
	err := row.Scan(&a.ID, &a.FriendlyID, &a.RunID, &a.WorkerVersionID, &a.TaskID, &a.QueueID, &a.Number, &status,
		&a.CreatedAt, &a.StartedAt, &a.CompletedAt, &a.Output, &a.OutputType, &a.Error, &a.NextRetryAt)
	if isNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan attempt: %w", err)
	}
	a.Status = runs.AttemptStatus(status)
	return &a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, runID string) ([]*runs.TaskRunAttempt, error) {
	const q = `SELECT id, friendly_id, run_id, worker_version_id, task_id, queue_id, attempt_number, status,
		created_at, started_at, completed_at, output, output_type, error, next_retry_at
		FROM task_run_attempts WHERE run_id=$1 ORDER BY attempt_number ASC`
	rows, err := s.db(ctx).Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts: %w", err)
	}
	defer rows.Close()

	var out []*runs.TaskRunAttempt
	for rows.Next() {
		a, err := s.scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RegisterWorkerVersion(ctx context.Context, wv *runs.BackgroundWorkerVersion, tasks []*runs.BackgroundWorkerTask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin register tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO background_worker_versions (id, friendly_id, environment_id, version, content_hash, registered_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		wv.ID, wv.FriendlyID, wv.EnvironmentID, wv.Version, wv.ContentHash, wv.RegisteredAt)
	if err != nil {
		return fmt.Errorf("store: insert worker version: %w", err)
	}

	for _, task := range tasks {
		retryJSON, err := json.Marshal(task.Retry)
		if err != nil {
			return fmt.Errorf("store: marshal retry config: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO background_worker_tasks (id, friendly_id, worker_version_id, slug, file_path, export_name, queue_name, retry_config)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			task.ID, task.FriendlyID, wv.ID, task.Slug, task.FilePath, task.ExportName, task.QueueName, retryJSON)
		if err != nil {
			return fmt.Errorf("store: insert worker task %q: %w", task.Slug, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) LatestWorkerVersion(ctx context.Context, environmentID string) (*runs.BackgroundWorkerVersion, error) {
	const q = `SELECT id, friendly_id, environment_id, version, content_hash, registered_at FROM background_worker_versions WHERE environment_id=$1`
	rows, err := s.db(ctx).Query(ctx, q, environmentID)
	if err != nil {
		return nil, fmt.Errorf("store: list worker versions: %w", err)
	}
	defer rows.Close()

	var latest *runs.BackgroundWorkerVersion
	for rows.Next() {
		var wv runs.BackgroundWorkerVersion
		if err := rows.Scan(&wv.ID, &wv.FriendlyID, &wv.EnvironmentID, &wv.Version, &wv.ContentHash, &wv.RegisteredAt); err != nil {
			return nil, fmt.Errorf("store: scan worker version: %w", err)
		}
		if latest == nil || runs.CompareVersions(wv.Version, latest.Version) > 0 {
			cp := wv
			latest = &cp
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *PostgresStore) GetWorkerVersion(ctx context.Context, environmentID, version string) (*runs.BackgroundWorkerVersion, error) {
	const q = `SELECT id, friendly_id, environment_id, version, content_hash, registered_at FROM background_worker_versions WHERE environment_id=$1 AND version=$2`
	var wv runs.BackgroundWorkerVersion
	err := s.db(ctx).QueryRow(ctx, q, environmentID, version).Scan(&wv.ID, &wv.FriendlyID, &wv.EnvironmentID, &wv.Version, &wv.ContentHash, &wv.RegisteredAt)
	if isNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get worker version: %w", err)
	}
	return &wv, nil
}

func (s *PostgresStore) GetWorkerTask(ctx context.Context, workerVersionID, taskSlug string) (*runs.BackgroundWorkerTask, error) {
	const q = `SELECT id, friendly_id, worker_version_id, slug, file_path, export_name, queue_name, retry_config
		FROM background_worker_tasks WHERE worker_version_id=$1 AND slug=$2`
	var task runs.BackgroundWorkerTask
	var retryJSON []byte
	err := s.db(ctx).QueryRow(ctx, q, workerVersionID, taskSlug).Scan(
		&task.ID, &task.FriendlyID, &task.WorkerVersionID, &task.Slug, &task.FilePath, &task.ExportName, &task.QueueName, &retryJSON)
	if isNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get worker task: %w", err)
	}
	if err := json.Unmarshal(retryJSON, &task.Retry); err != nil {
		return nil, fmt.Errorf("store: unmarshal retry config: %w", err)
	}
	return &task, nil
}

func (s *PostgresStore) UpsertQueue(ctx context.Context, q *runs.TaskQueue) error {
	const query = `INSERT INTO task_queues (id, friendly_id, environment_id, name, concurrency_limit) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (environment_id, name) DO UPDATE SET concurrency_limit=EXCLUDED.concurrency_limit`
	_, err := s.db(ctx).Exec(ctx, query, q.ID, q.FriendlyID, q.EnvironmentID, q.Name, q.ConcurrencyLimit)
	if err != nil {
		return fmt.Errorf("store: upsert queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, environmentID, name string) (*runs.TaskQueue, error) {
	const q = `SELECT id, friendly_id, environment_id, name, concurrency_limit FROM task_queues WHERE environment_id=$1 AND name=$2`
	var tq runs.TaskQueue
	err := s.db(ctx).QueryRow(ctx, q, environmentID, name).Scan(&tq.ID, &tq.FriendlyID, &tq.EnvironmentID, &tq.Name, &tq.ConcurrencyLimit)
	if isNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get queue: %w", err)
	}
	return &tq, nil
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
