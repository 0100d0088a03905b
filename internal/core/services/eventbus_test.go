package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_TopicAndBroadcast(t *testing.T) {
	bus := NewEventBus(testLogger())

	taskCh, unsubTask := bus.Subscribe("task-a")
	defer unsubTask()
	allCh, unsubAll := bus.Subscribe(BroadcastTopic)
	defer unsubAll()
	otherCh, unsubOther := bus.Subscribe("task-b")
	defer unsubOther()

	bus.Publish(Event{Topic: "task-a", Type: EventTypeTaskCompleted, Data: `{}`})

	select {
	case evt := <-taskCh:
		assert.Equal(t, EventTypeTaskCompleted, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("topic subscriber never received the event")
	}
	select {
	case evt := <-allCh:
		assert.Equal(t, "task-a", evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("broadcast subscriber never received the event")
	}
	select {
	case <-otherCh:
		t.Fatal("unrelated topic received the event")
	default:
	}
}

func TestEventBus_PublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("busy")
	defer unsub()

	// Nobody drains ch; overflow must drop instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(Event{Topic: "busy", Type: EventTypeWorkflowLog})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 100)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("task-a")
	unsub()

	_, open := <-ch
	require.False(t, open, "unsubscribe closes the channel")

	// Publishing after unsubscribe is a no-op, not a panic.
	bus.Publish(Event{Topic: "task-a", Type: EventTypeTaskFailed})
}
