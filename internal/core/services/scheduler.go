package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
	"golang.org/x/sync/semaphore"
)

// SchedulerConfig bounds the loop's cadence and dispatch concurrency.
type SchedulerConfig struct {
	Tick                    time.Duration // due-check interval
	StopGrace               time.Duration // how long Stop waits for in-flight work
	MaxConcurrentDispatches int64
	CommandTimeout          time.Duration // sandbox timeout for command-driven tasks
}

func (c *SchedulerConfig) defaults() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.MaxConcurrentDispatches <= 0 {
		c.MaxConcurrentDispatches = 10
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Minute
	}
}

// SchedulerLoop is the cooperative control loop: wake on a fixed tick,
// ask the evaluator which tasks are due, hand each off to its
// executor. Blocking work runs on pooled workers so a slow task never
// delays another task's due-check or dispatch.
type SchedulerLoop struct {
	logger    *slog.Logger
	store     *TaskStore
	eval      *IntervalEvaluator
	reminders *ReminderEngine
	workflows *WorkflowExecutor
	sandbox   ports.Sandbox
	bus       *EventBus
	audit     ports.AuditSink

	cfg SchedulerConfig
	sem *semaphore.Weighted

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewSchedulerLoop(
	logger *slog.Logger,
	store *TaskStore,
	eval *IntervalEvaluator,
	reminders *ReminderEngine,
	workflows *WorkflowExecutor,
	sandbox ports.Sandbox,
	bus *EventBus,
	audit ports.AuditSink,
	cfg SchedulerConfig,
) *SchedulerLoop {
	cfg.defaults()
	return &SchedulerLoop{
		logger:    logger,
		store:     store,
		eval:      eval,
		reminders: reminders,
		workflows: workflows,
		sandbox:   sandbox,
		bus:       bus,
		audit:     audit,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentDispatches),
	}
}

// Run drives the loop until ctx is cancelled, then drains in-flight
// dispatches under the stop grace period. Starting an already-running
// loop is an error.
func (s *SchedulerLoop) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	// Executions get their own context: a stopping loop lets them
	// finish within the grace period instead of cancelling mid-run.
	execCtx, execCancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.execCtx = execCtx
	s.execCancel = execCancel
	s.mu.Unlock()

	s.logger.Info("scheduler started", "tick", s.cfg.Tick)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			s.drain()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.logger.Info("scheduler stopped")
			return nil
		case now := <-ticker.C:
			s.tickOnce(now)
		}
	}
}

// Stop cancels the loop. Safe to call from any goroutine; Run returns
// after the drain completes.
func (s *SchedulerLoop) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Running reports the loop state.
func (s *SchedulerLoop) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SchedulerLoop) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		s.logger.Warn("stop grace elapsed, abandoning in-flight executions", "grace", s.cfg.StopGrace)
	}
	s.mu.Lock()
	if s.execCancel != nil {
		s.execCancel()
	}
	s.mu.Unlock()
}

// tickOnce snapshots due tasks and hands each off. LastRun is stamped
// at hand-off so the next tick never double-fires a still-running
// task, and the tick itself does no blocking work.
func (s *SchedulerLoop) tickOnce(now time.Time) {
	due := s.store.Due(now, s.eval)
	if len(due) == 0 {
		return
	}
	s.logger.Info("dispatching due tasks", "count", len(due))
	for _, t := range due {
		s.store.MarkDispatched(t.Name, now)
		s.dispatch(t)
	}
}

// RunNow bypasses due-checking and the enabled flag, executing the
// named task immediately. LastRun updates exactly as a normal tick
// would.
func (s *SchedulerLoop) RunNow(name string) Outcome {
	t, ok := s.store.Get(name)
	if !ok {
		return rejected("%v: %s", domain.ErrTaskNotFound, name)
	}
	s.mu.Lock()
	if s.execCtx == nil {
		// Loop never started; executions still need a context.
		s.execCtx, s.execCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	s.store.MarkDispatched(name, time.Now())
	s.dispatch(t)
	return Outcome{Accepted: true}
}

func (s *SchedulerLoop) dispatch(t *domain.Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.execCtx, 1); err != nil {
			s.logger.Warn("dispatch abandoned before execution", "task", t.Name, "error", err)
			return
		}
		defer s.sem.Release(1)
		s.execute(s.execCtx, t)
	}()
}

// execute runs one task on a worker. Failures are isolated per task:
// an error or panic here never reaches the loop or another task.
func (s *SchedulerLoop) execute(ctx context.Context, t *domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task execution panicked", "task", t.Name, "panic", r)
		}
	}()

	start := time.Now()
	s.publish(t.Name, EventTypeTaskDispatched, map[string]any{"kind": string(t.Kind)})

	var err error
	switch t.Kind {
	case domain.KindReminder:
		err = s.reminders.Deliver(ctx, t)
	case domain.KindWorkflow:
		err = s.workflows.Run(ctx, t)
	case domain.KindCustom, domain.KindTwitter, domain.KindMemoryReflection, domain.KindSelfOptimization:
		err = s.runCommand(ctx, t)
	default:
		err = fmt.Errorf("unknown task kind %q", t.Kind)
	}

	duration := time.Since(start)
	if s.audit != nil {
		rec := domain.TaskRunRecord{
			ID:       uuid.New().String(),
			TaskName: t.Name,
			Kind:     t.Kind,
			Success:  err == nil,
			RunAt:    start,
			Duration: duration,
		}
		if err != nil {
			rec.Detail = err.Error()
		}
		s.audit.RecordTaskRun(ctx, rec)
	}

	if err != nil {
		s.logger.Error("task execution failed", "task", t.Name, "kind", t.Kind, "error", err)
		s.publish(t.Name, EventTypeTaskFailed, map[string]any{"error": err.Error()})
		return
	}

	s.logger.Info("task executed", "task", t.Name, "kind", t.Kind, "duration", duration)
	s.publish(t.Name, EventTypeTaskCompleted, map[string]any{"duration_ms": duration.Milliseconds()})

	// Reminders manage their own one-time completion on SENT/FAILED.
	if t.OneTime && t.Kind != domain.KindReminder {
		s.store.CompleteOneTime(ctx, t.Name)
	}
}

func (s *SchedulerLoop) runCommand(ctx context.Context, t *domain.Task) error {
	res := s.sandbox.ExecuteCommand(ctx, domain.ExecRequest{
		Command: t.Custom.Command,
		Timeout: s.cfg.CommandTimeout,
	})
	if !res.Success {
		detail := res.Error
		if detail == "" {
			detail = res.Output
		}
		return fmt.Errorf("command failed (exit %d): %s", res.ExitCode, truncate(detail, 512))
	}
	return nil
}

func (s *SchedulerLoop) publish(task string, typ EventType, data map[string]any) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(data)
	s.bus.Publish(Event{
		Topic:     task,
		Type:      typ,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
