package store

import (
	"context"
	"sync"

	"github.com/maumercado/taskrun-dispatcher/internal/runs"
)

// MemoryStore is an in-process Store used by tests and local development. It
// guards every map with a single mutex rather than per-field locking, since
// contention here is never the bottleneck the way it is for a shared Redis
// connection.
type MemoryStore struct {
	mu sync.Mutex

	runsByID             map[string]*runs.TaskRun
	runsByFriendlyID     map[string]string
	attempts             map[string]*runs.TaskRunAttempt
	attemptsByFriendlyID map[string]string
	attemptsByRun        map[string][]string
	workerVersions   map[string]*runs.BackgroundWorkerVersion
	workerTasks      map[string]map[string]*runs.BackgroundWorkerTask // workerVersionID -> slug -> task
	queues           map[string]*runs.TaskQueue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runsByID:             make(map[string]*runs.TaskRun),
		runsByFriendlyID:     make(map[string]string),
		attempts:             make(map[string]*runs.TaskRunAttempt),
		attemptsByFriendlyID: make(map[string]string),
		attemptsByRun:        make(map[string][]string),
		workerVersions:   make(map[string]*runs.BackgroundWorkerVersion),
		workerTasks:      make(map[string]map[string]*runs.BackgroundWorkerTask),
		queues:           make(map[string]*runs.TaskQueue),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *runs.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runsByID[run.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *run
	s.runsByID[run.ID] = &cp
	if run.FriendlyID != "" {
		s.runsByFriendlyID[run.FriendlyID] = run.ID
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*runs.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) GetRunByFriendlyID(ctx context.Context, friendlyID string) (*runs.TaskRun, error) {
	s.mu.Lock()
	id, ok := s.runsByFriendlyID[friendlyID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetRun(ctx, id)
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *runs.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runsByID[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	s.runsByID[run.ID] = &cp
	return nil
}

func (s *MemoryStore) LockRunAndCreateAttempt(_ context.Context, runID, workerVersionID, taskID, queueID string) (*runs.TaskRunAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runsByID[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if run.Locked() {
		return nil, ErrLockConflict
	}

	number := len(s.attemptsByRun[runID]) + 1
	attempt := runs.NewAttempt(runID, workerVersionID, taskID, queueID, number)
	if err := runs.Lock(run, attempt.ID); err != nil {
		return nil, ErrLockConflict
	}

	s.attempts[attempt.ID] = attempt
	s.attemptsByFriendlyID[attempt.FriendlyID] = attempt.ID
	s.attemptsByRun[runID] = append(s.attemptsByRun[runID], attempt.ID)
	return attempt, nil
}

func (s *MemoryStore) UnlockRunAndFinalizeAttempt(_ context.Context, attempt *runs.TaskRunAttempt, nextRunStatus runs.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runsByID[attempt.RunID]
	if !ok {
		return ErrNotFound
	}
	if err := runs.Unlock(run, attempt.ID, nextRunStatus); err != nil {
		return err
	}
	cp := *attempt
	s.attempts[attempt.ID] = &cp
	return nil
}

// ReleaseRunLock undoes a lock taken by LockRunAndCreateAttempt when the
// dispatcher couldn't hand the execution to a worker at all: unlock the run
// and discard the attempt row entirely, since it never ran.
func (s *MemoryStore) ReleaseRunLock(_ context.Context, runID, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runsByID[runID]
	if !ok {
		return ErrNotFound
	}
	if err := runs.Unlock(run, attemptID, runs.RunStatusQueued); err != nil {
		return err
	}

	if attempt, ok := s.attempts[attemptID]; ok {
		delete(s.attemptsByFriendlyID, attempt.FriendlyID)
	}
	delete(s.attempts, attemptID)

	ids := s.attemptsByRun[runID]
	for i, id := range ids {
		if id == attemptID {
			s.attemptsByRun[runID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, id string) (*runs.TaskRunAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAttemptByFriendlyID(ctx context.Context, friendlyID string) (*runs.TaskRunAttempt, error) {
	s.mu.Lock()
	id, ok := s.attemptsByFriendlyID[friendlyID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetAttempt(ctx, id)
}

func (s *MemoryStore) ListAttempts(_ context.Context, runID string) ([]*runs.TaskRunAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.attemptsByRun[runID]
	out := make([]*runs.TaskRunAttempt, 0, len(ids))
	for _, id := range ids {
		cp := *s.attempts[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) RegisterWorkerVersion(_ context.Context, wv *runs.BackgroundWorkerVersion, tasks []*runs.BackgroundWorkerTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wv
	s.workerVersions[wv.ID] = &cp

	taskMap := make(map[string]*runs.BackgroundWorkerTask, len(tasks))
	for _, task := range tasks {
		tcp := *task
		taskMap[task.Slug] = &tcp
	}
	s.workerTasks[wv.ID] = taskMap
	return nil
}

func (s *MemoryStore) LatestWorkerVersion(_ context.Context, environmentID string) (*runs.BackgroundWorkerVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *runs.BackgroundWorkerVersion
	for _, wv := range s.workerVersions {
		if wv.EnvironmentID != environmentID {
			continue
		}
		if latest == nil || runs.CompareVersions(wv.Version, latest.Version) > 0 {
			latest = wv
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) GetWorkerVersion(_ context.Context, environmentID, version string) (*runs.BackgroundWorkerVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wv := range s.workerVersions {
		if wv.EnvironmentID == environmentID && wv.Version == version {
			cp := *wv
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetWorkerTask(_ context.Context, workerVersionID, taskSlug string) (*runs.BackgroundWorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskMap, ok := s.workerTasks[workerVersionID]
	if !ok {
		return nil, ErrNotFound
	}
	task, ok := taskMap[taskSlug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpsertQueue(_ context.Context, q *runs.TaskQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.queues[queueKey(q.EnvironmentID, q.Name)] = &cp
	return nil
}

func (s *MemoryStore) GetQueue(_ context.Context, environmentID, name string) (*runs.TaskQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueKey(environmentID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func queueKey(environmentID, name string) string {
	return environmentID + "/" + name
}
