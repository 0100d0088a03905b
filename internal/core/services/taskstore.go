package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sync"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
)

// Outcome is the structured result of a mutating task operation.
// Rejections are configuration errors caught at this boundary; an
// accepted outcome may still carry a persistence warning in Reason.
type Outcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func rejected(format string, args ...any) Outcome {
	return Outcome{Accepted: false, Reason: fmt.Sprintf(format, args...)}
}

// TaskStore owns the canonical task list and its run-state. All
// mutations go through it under one lock, so the scheduler's
// read-then-dispatch cycle sees either the whole mutation or none of
// it. Persistence is a side effect of mutations, never of ticks.
type TaskStore struct {
	logger  *slog.Logger
	storage ports.TaskStorage

	mu    sync.RWMutex
	tasks map[string]*domain.Task
}

func NewTaskStore(logger *slog.Logger, storage ports.TaskStorage) *TaskStore {
	return &TaskStore{
		logger:  logger,
		storage: storage,
		tasks:   make(map[string]*domain.Task),
	}
}

// Load replaces the in-memory list with the persisted document.
// Invalid records are dropped with a log line rather than poisoning
// the whole list.
func (s *TaskStore) Load(ctx context.Context) error {
	tasks, err := s.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			s.logger.Warn("dropping invalid persisted task", "task", t.Name, "error", err)
			continue
		}
		if _, dup := s.tasks[t.Name]; dup {
			s.logger.Warn("dropping duplicate persisted task", "task", t.Name)
			continue
		}
		s.tasks[t.Name] = t
	}
	s.logger.Info("task list loaded", "count", len(s.tasks))
	return nil
}

// StartWatch reloads the list when the backing document changes
// externally, preserving in-memory run-state for tasks whose names
// survive the edit. Blocks until ctx is cancelled.
func (s *TaskStore) StartWatch(ctx context.Context) error {
	events, err := s.storage.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch task storage: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			s.reload(ctx)
		}
	}
}

func (s *TaskStore) reload(ctx context.Context) {
	tasks, err := s.storage.Load(ctx)
	if err != nil {
		s.logger.Error("reload after external edit failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			s.logger.Warn("dropping invalid task from external edit", "task", t.Name, "error", err)
			continue
		}
		if prev, ok := s.tasks[t.Name]; ok && isZeroRuntime(t.Runtime) {
			t.Runtime = prev.Runtime
		}
		next[t.Name] = t
	}
	s.tasks = next
	s.logger.Info("task list reloaded from external edit", "count", len(next))
}

func isZeroRuntime(rt domain.TaskRuntime) bool {
	return rt.LastRun == nil && rt.State == nil && rt.Status == "" && rt.RetryCount == 0 && rt.NextRetry == nil
}

// List returns clones of every task, name-ordered.
func (s *TaskStore) List() []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a clone of the named task.
func (s *TaskStore) Get(name string) (*domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Add validates and inserts a new task. Names are unique and immutable
// once created.
func (s *TaskStore) Add(ctx context.Context, t *domain.Task) (Outcome, error) {
	if err := t.Validate(); err != nil {
		return rejected("%v", err), nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if _, dup := s.tasks[t.Name]; dup {
		s.mu.Unlock()
		return rejected("%v: %s", domain.ErrDuplicateTask, t.Name), nil
	}
	s.tasks[t.Name] = t.Clone()
	s.mu.Unlock()

	s.logger.Info("task added", "task", t.Name, "kind", t.Kind, "interval", t.Interval)
	return s.acceptAndPersist(ctx)
}

// Remove deletes the named task.
func (s *TaskStore) Remove(ctx context.Context, name string) (Outcome, error) {
	s.mu.Lock()
	if _, ok := s.tasks[name]; !ok {
		s.mu.Unlock()
		return rejected("%v: %s", domain.ErrTaskNotFound, name), nil
	}
	delete(s.tasks, name)
	s.mu.Unlock()

	s.logger.Info("task removed", "task", name)
	return s.acceptAndPersist(ctx)
}

// SetEnabled toggles a task. Disabling clears LastRun so a later
// re-enable evaluates due-ness fresh instead of replaying backlog.
func (s *TaskStore) SetEnabled(ctx context.Context, name string, enabled bool) (Outcome, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return rejected("%v: %s", domain.ErrTaskNotFound, name), nil
	}
	t.Enabled = enabled
	if !enabled {
		t.Runtime.LastRun = nil
		t.Runtime.NextRetry = nil
	}
	s.mu.Unlock()

	s.logger.Info("task toggled", "task", name, "enabled", enabled)
	return s.acceptAndPersist(ctx)
}

// SetInterval changes a task's schedule. The interval and run-state
// update under one lock so the next tick cannot observe a half-applied
// schedule.
func (s *TaskStore) SetInterval(ctx context.Context, name, interval string) (Outcome, error) {
	parsed, err := domain.ParseInterval(interval)
	if err != nil {
		return rejected("%v", err), nil
	}

	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return rejected("%v: %s", domain.ErrTaskNotFound, name), nil
	}
	if parsed == domain.IntervalOnce && t.RunAt == nil {
		s.mu.Unlock()
		return rejected("once interval requires run_at"), nil
	}
	t.Interval = parsed
	s.mu.Unlock()

	s.logger.Info("task interval changed", "task", name, "interval", interval)
	return s.acceptAndPersist(ctx)
}

// Due returns clones of every enabled task the evaluator considers due
// at now. The snapshot is taken under one read lock, so a concurrent
// mutation is either fully visible or not visible at all.
func (s *TaskStore) Due(now time.Time, eval *IntervalEvaluator) []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*domain.Task
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		if eval.IsDue(now, t) {
			due = append(due, t.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due
}

// MarkDispatched stamps LastRun. The loop calls this at hand-off time,
// before the blocking execution starts, so the next tick never
// double-fires a still-running task.
func (s *TaskStore) MarkDispatched(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[name]; ok {
		stamp := now
		t.Runtime.LastRun = &stamp
	}
}

// UpdateRuntime applies fn to the named task's run-state under the
// store lock and persists the result. Executors use it for their
// state write-back.
func (s *TaskStore) UpdateRuntime(ctx context.Context, name string, fn func(*domain.TaskRuntime)) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	fn(&t.Runtime)
	// Clamp: the retry counter never exceeds the policy ceiling.
	if t.Runtime.RetryCount > t.MaxRetries {
		t.Runtime.RetryCount = t.MaxRetries
	}
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist after runtime update failed", "task", name, "error", err)
		return err
	}
	return nil
}

// CompleteOneTime removes a one-time task after a terminal outcome.
// Non-one-time tasks are left alone.
func (s *TaskStore) CompleteOneTime(ctx context.Context, name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok || !t.OneTime {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, name)
	s.mu.Unlock()

	s.logger.Info("one-time task completed and removed", "task", name)
	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist after one-time removal failed", "task", name, "error", err)
	}
}

// acceptAndPersist reports acceptance even when the write fails: the
// running list is favored over persistence durability, and the
// degraded condition is surfaced in the outcome and the error.
func (s *TaskStore) acceptAndPersist(ctx context.Context) (Outcome, error) {
	if err := s.persist(ctx); err != nil {
		s.logger.Error("task persistence failed", "error", err)
		return Outcome{Accepted: true, Reason: fmt.Sprintf("applied in memory, persistence failed: %v", err)}, err
	}
	return Outcome{Accepted: true}, nil
}

func (s *TaskStore) persist(ctx context.Context) error {
	s.mu.RLock()
	snapshot := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })
	return s.storage.Save(ctx, snapshot)
}
