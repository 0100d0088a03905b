package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/robfig/cron/v3"
)

// IntervalEvaluator decides whether a task is due. It is pure: no
// clocks, no I/O, the caller supplies "now". Interval strings are
// validated at task creation, never here.
type IntervalEvaluator struct {
	defaultLoc *time.Location
	parser     cron.Parser
}

// NewIntervalEvaluator creates an evaluator resolving wall-clock "at"
// times in defaultTZ when a task carries no timezone of its own.
func NewIntervalEvaluator(defaultTZ string) (*IntervalEvaluator, error) {
	loc := time.UTC
	if defaultTZ != "" {
		var err error
		loc, err = time.LoadLocation(defaultTZ)
		if err != nil {
			return nil, fmt.Errorf("load default timezone: %w", err)
		}
	}
	return &IntervalEvaluator{
		defaultLoc: loc,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}, nil
}

// IsDue reports whether t should be dispatched at now. Once due, a
// task stays due until the loop stamps its LastRun.
func (e *IntervalEvaluator) IsDue(now time.Time, t *domain.Task) bool {
	rt := t.Runtime

	// Terminal reminder outcomes never re-fire within a cycle.
	if rt.Status == domain.StatusFailed {
		return false
	}
	// The scheduler removes one-time reminders when they reach SENT,
	// but a hand-edited or remotely seeded task file can still carry
	// one; it must not fire again on load.
	if rt.Status == domain.StatusSent && t.OneTime {
		return false
	}

	// Retry override: while the reminder machine is in RETRY the next
	// attempt time wins over the interval.
	if rt.Status == domain.StatusRetry && rt.NextRetry != nil {
		return !now.Before(*rt.NextRetry)
	}

	if t.Interval == domain.IntervalOnce {
		if rt.LastRun != nil {
			return false
		}
		return t.RunAt != nil && !now.Before(*t.RunAt)
	}

	if e.wallClockAnchored(t) {
		return e.wallClockDue(now, t)
	}

	if rt.LastRun == nil {
		return true
	}
	period, ok := t.Interval.Period()
	if !ok {
		return false
	}
	return now.Sub(*rt.LastRun) >= period
}

func (e *IntervalEvaluator) wallClockAnchored(t *domain.Task) bool {
	if t.Interval != domain.IntervalDaily && t.Interval != domain.IntervalWeekly {
		return false
	}
	return t.At != "" || len(t.Weekdays) > 0
}

// wallClockDue compiles the task's at/weekday anchoring into a 5-field
// cron spec and asks the cron parser for the first activation after the
// last run (or after creation, for a task that has never fired).
func (e *IntervalEvaluator) wallClockDue(now time.Time, t *domain.Task) bool {
	loc := e.defaultLoc
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}

	sched, err := e.parser.Parse(e.cronSpec(t, loc))
	if err != nil {
		return false
	}

	ref := now.Add(-time.Minute)
	if !t.CreatedAt.IsZero() {
		ref = t.CreatedAt
	}
	if t.Runtime.LastRun != nil {
		ref = *t.Runtime.LastRun
	}

	return !sched.Next(ref.In(loc)).After(now)
}

func (e *IntervalEvaluator) cronSpec(t *domain.Task, loc *time.Location) string {
	at := t.At
	if at == "" {
		at = "00:00"
	}
	var hh, mm int
	fmt.Sscanf(at, "%d:%d", &hh, &mm)

	dow := "*"
	switch {
	case len(t.Weekdays) > 0:
		days := make([]string, len(t.Weekdays))
		for i, wd := range t.Weekdays {
			days[i] = fmt.Sprintf("%d", int(wd))
		}
		dow = strings.Join(days, ",")
	case t.Interval == domain.IntervalWeekly:
		// Weekly without explicit weekdays sticks to the day the task
		// was created on.
		anchor := t.CreatedAt
		if anchor.IsZero() {
			anchor = time.Now()
		}
		dow = fmt.Sprintf("%d", int(anchor.In(loc).Weekday()))
	}

	return fmt.Sprintf("%d %d * * %s", mm, hh, dow)
}
