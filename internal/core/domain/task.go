package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TaskKind discriminates the task variant. The dispatcher switches
// exhaustively over this set.
type TaskKind string

const (
	KindReminder         TaskKind = "reminder"
	KindWorkflow         TaskKind = "workflow"
	KindCustom           TaskKind = "custom"
	KindTwitter          TaskKind = "twitter"
	KindMemoryReflection TaskKind = "memory_reflection"
	KindSelfOptimization TaskKind = "self_optimization"
)

// DeliveryStatus is the reminder state machine value.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "PENDING"
	StatusSent    DeliveryStatus = "SENT"
	StatusRetry   DeliveryStatus = "RETRY"
	StatusFailed  DeliveryStatus = "FAILED"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrTaskNotFound    = errors.New("task not found")
	ErrDuplicateTask   = errors.New("task name already exists")
)

// Interval is a validated schedule string from the closed grammar:
// once | hourly | daily | weekly | every_<N>_<minutes|hours|days>.
type Interval string

const (
	IntervalOnce   Interval = "once"
	IntervalHourly Interval = "hourly"
	IntervalDaily  Interval = "daily"
	IntervalWeekly Interval = "weekly"
)

var everyRe = regexp.MustCompile(`^every_([1-9][0-9]*)_(minutes|hours|days)$`)

// ParseInterval validates s against the closed grammar. Validation
// happens once at task creation; evaluation assumes a valid value.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalOnce, IntervalHourly, IntervalDaily, IntervalWeekly:
		return Interval(s), nil
	}
	if everyRe.MatchString(s) {
		return Interval(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
}

// Period returns the elapsed-time duration the interval names.
// ok is false for "once", which is driven by RunAt instead.
func (i Interval) Period() (d time.Duration, ok bool) {
	switch i {
	case IntervalOnce:
		return 0, false
	case IntervalHourly:
		return time.Hour, true
	case IntervalDaily:
		return 24 * time.Hour, true
	case IntervalWeekly:
		return 7 * 24 * time.Hour, true
	}
	m := everyRe.FindStringSubmatch(string(i))
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "minutes":
		return time.Duration(n) * time.Minute, true
	case "hours":
		return time.Duration(n) * time.Hour, true
	case "days":
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}

// ReminderSpec is the payload for reminder tasks.
type ReminderSpec struct {
	Message      string `yaml:"message" json:"message"`
	NotifyUserID string `yaml:"notify_user_id" json:"notify_user_id"`
}

// WorkflowSpec is the payload for workflow tasks.
type WorkflowSpec struct {
	SourceURL    string         `yaml:"source_url" json:"source_url"`
	NotifyUserID string         `yaml:"notify_user_id,omitempty" json:"notify_user_id,omitempty"`
	Steps        []WorkflowStep `yaml:"steps" json:"steps"`
}

// CustomSpec is the payload for command-driven kinds (custom, twitter,
// memory_reflection, self_optimization all execute through it).
type CustomSpec struct {
	Command string `yaml:"command" json:"command"`
}

// StepAction names what a workflow step does with its evaluated value.
type StepAction string

const (
	StepSet      StepAction = "set"       // bind expr result into the step context
	StepSetState StepAction = "set_state" // persist expr result into task state
	StepNotify   StepAction = "notify"    // deliver a templated message
	StepLog      StepAction = "log"       // emit an observability event
)

// WorkflowStep is one entry of a workflow's step list. When is an
// optional guard expression; a false or undefined-name guard skips the
// step without failing the task.
type WorkflowStep struct {
	When    string     `yaml:"when,omitempty" json:"when,omitempty"`
	Action  StepAction `yaml:"action" json:"action"`
	Key     string     `yaml:"key,omitempty" json:"key,omitempty"`
	Expr    string     `yaml:"expr,omitempty" json:"expr,omitempty"`
	Message string     `yaml:"message,omitempty" json:"message,omitempty"`
	UserID  string     `yaml:"user_id,omitempty" json:"user_id,omitempty"`
}

// TaskRuntime is the scheduler-owned mutable run-state of a task. It is
// never edited by operators directly; the loop and executors write it.
type TaskRuntime struct {
	LastRun    *time.Time     `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	State      map[string]any `yaml:"state,omitempty" json:"state,omitempty"`
	Status     DeliveryStatus `yaml:"status,omitempty" json:"status,omitempty"`
	RetryCount int            `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	// NextRetry short-circuits the due-check while the reminder state
	// machine is in RETRY. It is not a separate task.
	NextRetry *time.Time `yaml:"next_retry,omitempty" json:"next_retry,omitempty"`
}

// Task is a discriminated union over Kind: a shared scheduling envelope
// plus exactly one kind-specific payload.
type Task struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     TaskKind `yaml:"kind" json:"kind"`
	Interval Interval `yaml:"interval" json:"interval"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	OneTime  bool     `yaml:"one_time,omitempty" json:"one_time,omitempty"`

	// RunAt drives "once" tasks. At ("HH:MM") anchors recurring
	// daily/weekly tasks to a wall-clock time in Timezone; Weekdays
	// restricts which days a weekly task may fire.
	RunAt    *time.Time     `yaml:"run_at,omitempty" json:"run_at,omitempty"`
	At       string         `yaml:"at,omitempty" json:"at,omitempty"`
	Timezone string         `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Weekdays []time.Weekday `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`

	MaxRetries        int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds,omitempty" json:"retry_delay_seconds,omitempty"`

	Reminder *ReminderSpec `yaml:"reminder,omitempty" json:"reminder,omitempty"`
	Workflow *WorkflowSpec `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Custom   *CustomSpec   `yaml:"custom,omitempty" json:"custom,omitempty"`

	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`

	Runtime TaskRuntime `yaml:"runtime,omitempty" json:"runtime,omitempty"`
}

var atRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

// Validate enforces the envelope invariants and the kind/payload
// pairing. It is the synchronous rejection point for configuration
// errors; nothing past it re-checks the grammar.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	if _, err := ParseInterval(string(t.Interval)); err != nil {
		return err
	}
	if t.Interval == IntervalOnce && t.RunAt == nil {
		return errors.New("once tasks require run_at")
	}
	if t.At != "" && !atRe.MatchString(t.At) {
		return fmt.Errorf("invalid at time %q, want HH:MM", t.At)
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
		}
	}
	for _, wd := range t.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return fmt.Errorf("invalid weekday index %d", wd)
		}
	}
	if t.MaxRetries < 0 || t.RetryDelaySeconds < 0 {
		return errors.New("retry policy values must be non-negative")
	}

	switch t.Kind {
	case KindReminder:
		if t.Reminder == nil {
			return errors.New("reminder tasks require a reminder payload")
		}
		if t.Workflow != nil || t.Custom != nil {
			return errors.New("reminder tasks accept only a reminder payload")
		}
		if strings.TrimSpace(t.Reminder.NotifyUserID) == "" {
			return errors.New("reminder tasks require a resolvable notify_user_id")
		}
		if strings.TrimSpace(t.Reminder.Message) == "" {
			return errors.New("reminder tasks require a message")
		}
	case KindWorkflow:
		if t.Workflow == nil {
			return errors.New("workflow tasks require a workflow payload")
		}
		if t.Reminder != nil || t.Custom != nil {
			return errors.New("workflow tasks accept only a workflow payload")
		}
		if strings.TrimSpace(t.Workflow.SourceURL) == "" {
			return errors.New("workflow tasks require a source_url")
		}
		for i, step := range t.Workflow.Steps {
			if err := step.validate(); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	case KindCustom, KindTwitter, KindMemoryReflection, KindSelfOptimization:
		if t.Custom == nil {
			return fmt.Errorf("%s tasks require a custom payload", t.Kind)
		}
		if t.Reminder != nil || t.Workflow != nil {
			return fmt.Errorf("%s tasks accept only a custom payload", t.Kind)
		}
		if strings.TrimSpace(t.Custom.Command) == "" {
			return fmt.Errorf("%s tasks require a command", t.Kind)
		}
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	return nil
}

func (s WorkflowStep) validate() error {
	switch s.Action {
	case StepSet, StepSetState:
		if s.Key == "" || s.Expr == "" {
			return fmt.Errorf("%s steps require key and expr", s.Action)
		}
	case StepNotify:
		if s.Message == "" {
			return errors.New("notify steps require a message")
		}
	case StepLog:
		if s.Message == "" {
			return errors.New("log steps require a message")
		}
	default:
		return fmt.Errorf("unknown step action %q", s.Action)
	}
	return nil
}

// Clone returns a deep copy safe to hand to executors while the store
// keeps mutating the canonical record.
func (t *Task) Clone() *Task {
	cp := *t
	if t.RunAt != nil {
		v := *t.RunAt
		cp.RunAt = &v
	}
	cp.Weekdays = append([]time.Weekday(nil), t.Weekdays...)
	if t.Reminder != nil {
		r := *t.Reminder
		cp.Reminder = &r
	}
	if t.Workflow != nil {
		w := *t.Workflow
		w.Steps = append([]WorkflowStep(nil), t.Workflow.Steps...)
		cp.Workflow = &w
	}
	if t.Custom != nil {
		c := *t.Custom
		cp.Custom = &c
	}
	if t.Runtime.LastRun != nil {
		v := *t.Runtime.LastRun
		cp.Runtime.LastRun = &v
	}
	if t.Runtime.NextRetry != nil {
		v := *t.Runtime.NextRetry
		cp.Runtime.NextRetry = &v
	}
	if t.Runtime.State != nil {
		st := make(map[string]any, len(t.Runtime.State))
		for k, v := range t.Runtime.State {
			st[k] = v
		}
		cp.Runtime.State = st
	}
	return &cp
}

// RetryDelay is RetryDelaySeconds as a duration, with a floor so a
// zero-configured reminder still backs off between attempts.
func (t *Task) RetryDelay() time.Duration {
	if t.RetryDelaySeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.RetryDelaySeconds) * time.Second
}
