package services

import (
	"log/slog"
	"sync"
)

type EventType string

const (
	EventTypeTaskDispatched EventType = "task.dispatched"
	EventTypeTaskCompleted  EventType = "task.completed"
	EventTypeTaskFailed     EventType = "task.failed"
	EventTypeReminderSent   EventType = "reminder.sent"
	EventTypeReminderRetry  EventType = "reminder.retry"
	EventTypeReminderFailed EventType = "reminder.failed"
	EventTypeWorkflowLog    EventType = "workflow.log"
	EventTypeWorkflowSkip   EventType = "workflow.step_skipped"
	EventTypeOperatorStep   EventType = "operator.step"
	EventTypeSandboxExec    EventType = "sandbox.exec"
)

// BroadcastTopic receives every published event in addition to the
// event's own topic.
const BroadcastTopic = "*"

type Event struct {
	Topic     string
	Type      EventType
	Data      string // JSON payload or raw text
	Timestamp int64
}

// EventBus is the fire-and-forget observability fan-out. Publishing
// never blocks and never fails the caller; full subscriber buffers
// drop events.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for topic and an
// unsubscribe function. Use BroadcastTopic to observe everything.
func (b *EventBus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // buffered to keep publishers non-blocking
	b.subs[topic] = append(b.subs[topic], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[topic]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[topic] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}

	return ch, unsub
}

// Publish sends an event to the topic's subscribers and the broadcast
// subscribers.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(b.subs[e.Topic], e)
	if e.Topic != BroadcastTopic {
		b.deliver(b.subs[BroadcastTopic], e)
	}
}

func (b *EventBus) deliver(subscribers []chan Event, e Event) {
	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "topic", e.Topic, "type", e.Type)
		}
	}
}
