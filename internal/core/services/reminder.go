package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
)

// ReminderEngine drives the delivery state machine for reminder tasks:
// PENDING→SENT, or PENDING→RETRY→…→{SENT|FAILED}. A retry is a
// due-check override on the same task, never a new task.
type ReminderEngine struct {
	logger   *slog.Logger
	notifier ports.Notifier
	store    *TaskStore
	bus      *EventBus
}

func NewReminderEngine(logger *slog.Logger, notifier ports.Notifier, store *TaskStore, bus *EventBus) *ReminderEngine {
	return &ReminderEngine{
		logger:   logger,
		notifier: notifier,
		store:    store,
		bus:      bus,
	}
}

// Deliver performs one delivery attempt for t and advances the state
// machine. The task was validated at creation, so the delivery target
// is known to resolve.
func (e *ReminderEngine) Deliver(ctx context.Context, t *domain.Task) error {
	now := time.Now()

	sendErr := e.notifier.Send(ctx, t.Reminder.NotifyUserID, t.Reminder.Message)

	if sendErr == nil {
		if err := e.store.UpdateRuntime(ctx, t.Name, func(rt *domain.TaskRuntime) {
			rt.Status = domain.StatusSent
			rt.RetryCount = 0
			rt.NextRetry = nil
		}); err != nil {
			e.logger.Error("reminder state write-back failed", "task", t.Name, "error", err)
		}
		e.logger.Info("reminder delivered", "task", t.Name, "target", t.Reminder.NotifyUserID)
		e.publish(t.Name, EventTypeReminderSent, map[string]any{"target": t.Reminder.NotifyUserID})

		if t.OneTime {
			e.store.CompleteOneTime(ctx, t.Name)
		}
		return nil
	}

	var terminal bool
	if err := e.store.UpdateRuntime(ctx, t.Name, func(rt *domain.TaskRuntime) {
		if rt.RetryCount >= t.MaxRetries {
			rt.Status = domain.StatusFailed
			rt.NextRetry = nil
			terminal = true
			return
		}
		rt.RetryCount++
		rt.Status = domain.StatusRetry
		next := now.Add(t.RetryDelay())
		rt.NextRetry = &next
	}); err != nil {
		e.logger.Error("reminder state write-back failed", "task", t.Name, "error", err)
	}

	if terminal {
		e.logger.Error("reminder exhausted retries", "task", t.Name, "max_retries", t.MaxRetries, "error", sendErr)
		e.publish(t.Name, EventTypeReminderFailed, map[string]any{
			"error":       sendErr.Error(),
			"max_retries": t.MaxRetries,
		})
		if t.OneTime {
			e.store.CompleteOneTime(ctx, t.Name)
		}
		return fmt.Errorf("reminder %s failed after %d attempts: %w", t.Name, t.MaxRetries+1, sendErr)
	}

	e.logger.Warn("reminder delivery failed, scheduling retry", "task", t.Name, "delay", t.RetryDelay(), "error", sendErr)
	e.publish(t.Name, EventTypeReminderRetry, map[string]any{
		"error":       sendErr.Error(),
		"retry_delay": t.RetryDelay().String(),
	})
	return fmt.Errorf("reminder %s delivery failed, retry scheduled: %w", t.Name, sendErr)
}

func (e *ReminderEngine) publish(task string, typ EventType, data map[string]any) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(data)
	e.bus.Publish(Event{
		Topic:     task,
		Type:      typ,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}
