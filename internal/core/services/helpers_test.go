package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStorage is an in-memory TaskStorage with a toggleable save error.
type memStorage struct {
	mu      sync.Mutex
	tasks   []*domain.Task
	saveErr error
	saves   int
	watch   chan struct{}
}

func newMemStorage() *memStorage {
	return &memStorage{watch: make(chan struct{}, 1)}
}

func (m *memStorage) Load(context.Context) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Task, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *memStorage) Save(_ context.Context, tasks []*domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.tasks = make([]*domain.Task, len(tasks))
	for i, t := range tasks {
		m.tasks[i] = t.Clone()
	}
	return nil
}

func (m *memStorage) Watch(context.Context) (<-chan struct{}, error) {
	return m.watch, nil
}

func (m *memStorage) setTasks(tasks ...*domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = tasks
}

// fakeNotifier fails the first failures sends, then succeeds.
type fakeNotifier struct {
	mu       sync.Mutex
	failures int
	err      error
	sent     []string // "target: text"
}

func (n *fakeNotifier) Send(_ context.Context, targetID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return n.err
	}
	n.sent = append(n.sent, targetID+": "+text)
	return nil
}

func (n *fakeNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// fakeSandbox returns scripted results, defaulting to success, and
// records every command it sees.
type fakeSandbox struct {
	mu       sync.Mutex
	results  map[string]domain.ExecutionResult
	delay    time.Duration
	commands []string
	writes   []string
}

func (s *fakeSandbox) ExecuteCommand(ctx context.Context, req domain.ExecRequest) domain.ExecutionResult {
	s.mu.Lock()
	s.commands = append(s.commands, req.Command)
	res, ok := s.results[req.Command]
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	if ok {
		return res
	}
	return domain.ExecutionResult{Success: true, Output: "ok", ExitCode: 0}
}

func (s *fakeSandbox) WriteFile(_ context.Context, path string, content []byte) domain.ExecutionResult {
	s.mu.Lock()
	s.writes = append(s.writes, path)
	s.mu.Unlock()
	return domain.ExecutionResult{Success: true, Output: "written"}
}

func (s *fakeSandbox) commandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

// scriptedLLM replays a fixed sequence of replies. Past the end it
// repeats the last one.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (l *scriptedLLM) Invoke(_ context.Context, _ []domain.ChatMessage, _ string) (string, map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.calls
	l.calls++
	if idx >= len(l.replies) {
		idx = len(l.replies) - 1
	}
	return l.replies[idx], nil, nil
}

// recordingAudit captures audit records for assertions.
type recordingAudit struct {
	mu       sync.Mutex
	taskRuns []domain.TaskRunRecord
	sandbox  []domain.SandboxInvocation
	steps    []domain.OperatorStepRecord
}

func (a *recordingAudit) RecordTaskRun(_ context.Context, rec domain.TaskRunRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskRuns = append(a.taskRuns, rec)
}

func (a *recordingAudit) RecordSandboxInvocation(_ context.Context, rec domain.SandboxInvocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sandbox = append(a.sandbox, rec)
}

func (a *recordingAudit) RecordOperatorStep(_ context.Context, rec domain.OperatorStepRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, rec)
}

func (a *recordingAudit) taskRunCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.taskRuns)
}

func reminderTask(name string, maxRetries int) *domain.Task {
	return &domain.Task{
		Name:       name,
		Kind:       domain.KindReminder,
		Interval:   domain.IntervalHourly,
		Enabled:    true,
		MaxRetries: maxRetries,
		Reminder: &domain.ReminderSpec{
			Message:      "drink water",
			NotifyUserID: "user-1",
		},
		CreatedAt: time.Now(),
	}
}

func customTask(name, command string) *domain.Task {
	return &domain.Task{
		Name:      name,
		Kind:      domain.KindCustom,
		Interval:  "every_5_minutes",
		Enabled:   true,
		Custom:    &domain.CustomSpec{Command: command},
		CreatedAt: time.Now(),
	}
}
