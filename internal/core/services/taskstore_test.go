package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*TaskStore, *memStorage) {
	t.Helper()
	storage := newMemStorage()
	store := NewTaskStore(testLogger(), storage)
	require.NoError(t, store.Load(context.Background()))
	return store, storage
}

func TestTaskStore_AddAndGet(t *testing.T) {
	store, storage := newTestStore(t)

	out, err := store.Add(context.Background(), reminderTask("water", 2))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, 1, storage.saves)

	got, ok := store.Get("water")
	require.True(t, ok)
	assert.Equal(t, domain.KindReminder, got.Kind)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestTaskStore_RejectsInvalidAndDuplicate(t *testing.T) {
	store, _ := newTestStore(t)

	bad := reminderTask("bad", 0)
	bad.Interval = "every_0_minutes"
	out, err := store.Add(context.Background(), bad)
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "invalid interval")

	noTarget := reminderTask("quiet", 0)
	noTarget.Reminder.NotifyUserID = ""
	out, err = store.Add(context.Background(), noTarget)
	require.NoError(t, err)
	assert.False(t, out.Accepted)

	first := reminderTask("dup", 0)
	out, err = store.Add(context.Background(), first)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	second := reminderTask("dup", 0)
	out, err = store.Add(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "already exists")
}

func TestTaskStore_GetReturnsClone(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Add(context.Background(), reminderTask("water", 2))
	require.NoError(t, err)

	got, _ := store.Get("water")
	got.Reminder.Message = "mutated"

	again, _ := store.Get("water")
	assert.Equal(t, "drink water", again.Reminder.Message)
}

func TestTaskStore_SetEnabledClearsRunState(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Add(context.Background(), customTask("job", "echo hi"))
	require.NoError(t, err)

	store.MarkDispatched("job", time.Now())

	out, err := store.SetEnabled(context.Background(), "job", false)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	got, _ := store.Get("job")
	assert.False(t, got.Enabled)
	assert.Nil(t, got.Runtime.LastRun)

	out, _ = store.SetEnabled(context.Background(), "missing", true)
	assert.False(t, out.Accepted)
}

func TestTaskStore_SetInterval(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Add(context.Background(), customTask("job", "echo hi"))
	require.NoError(t, err)

	out, err := store.SetInterval(context.Background(), "job", "daily")
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	got, _ := store.Get("job")
	assert.Equal(t, domain.IntervalDaily, got.Interval)

	out, _ = store.SetInterval(context.Background(), "job", "every_other_day")
	assert.False(t, out.Accepted)

	// once without a run_at cannot be scheduled.
	out, _ = store.SetInterval(context.Background(), "job", "once")
	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "run_at")
}

func TestTaskStore_DueIsSortedAndEnabledOnly(t *testing.T) {
	store, _ := newTestStore(t)
	eval := mustEvaluator(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := store.Add(context.Background(), customTask(name, "echo hi"))
		require.NoError(t, err)
	}
	_, err := store.SetEnabled(context.Background(), "mid", false)
	require.NoError(t, err)

	due := store.Due(time.Now(), eval)
	require.Len(t, due, 2)
	assert.Equal(t, "alpha", due[0].Name)
	assert.Equal(t, "zeta", due[1].Name)
}

func TestTaskStore_UpdateRuntimeClampsRetryCount(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Add(context.Background(), reminderTask("water", 2))
	require.NoError(t, err)

	err = store.UpdateRuntime(context.Background(), "water", func(rt *domain.TaskRuntime) {
		rt.RetryCount = 99
	})
	require.NoError(t, err)

	got, _ := store.Get("water")
	assert.Equal(t, 2, got.Runtime.RetryCount)

	err = store.UpdateRuntime(context.Background(), "missing", func(*domain.TaskRuntime) {})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskStore_PersistFailureStillApplies(t *testing.T) {
	store, storage := newTestStore(t)
	storage.saveErr = errors.New("disk full")

	out, err := store.Add(context.Background(), customTask("job", "echo hi"))
	assert.Error(t, err)
	assert.True(t, out.Accepted)
	assert.Contains(t, out.Reason, "persistence failed")

	_, ok := store.Get("job")
	assert.True(t, ok)
}

func TestTaskStore_ReloadPreservesRuntime(t *testing.T) {
	store, storage := newTestStore(t)
	_, err := store.Add(context.Background(), customTask("job", "echo hi"))
	require.NoError(t, err)
	store.MarkDispatched("job", time.Now())

	// External edit: same task name, no runtime block in the file.
	edited := customTask("job", "echo edited")
	newcomer := customTask("fresh", "echo new")
	storage.setTasks(edited, newcomer)
	store.reload(context.Background())

	got, ok := store.Get("job")
	require.True(t, ok)
	assert.Equal(t, "echo edited", got.Custom.Command)
	assert.NotNil(t, got.Runtime.LastRun, "runtime survives an external edit")

	_, ok = store.Get("fresh")
	assert.True(t, ok)
}

func TestTaskStore_CompleteOneTime(t *testing.T) {
	store, _ := newTestStore(t)

	once := customTask("blip", "echo hi")
	once.OneTime = true
	_, err := store.Add(context.Background(), once)
	require.NoError(t, err)

	recurring := customTask("keeper", "echo hi")
	_, err = store.Add(context.Background(), recurring)
	require.NoError(t, err)

	store.CompleteOneTime(context.Background(), "blip")
	store.CompleteOneTime(context.Background(), "keeper")

	_, ok := store.Get("blip")
	assert.False(t, ok)
	_, ok = store.Get("keeper")
	assert.True(t, ok, "non-one-time tasks are never auto-removed")
}
