package taskfile

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleTasks() []*domain.Task {
	last := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	return []*domain.Task{
		{
			Name:     "water",
			Kind:     domain.KindReminder,
			Interval: domain.IntervalHourly,
			Enabled:  true,
			Reminder: &domain.ReminderSpec{Message: "drink", NotifyUserID: "u1"},
			Runtime: domain.TaskRuntime{
				LastRun: &last,
				Status:  domain.StatusSent,
			},
		},
		{
			Name:     "backup",
			Kind:     domain.KindCustom,
			Interval: "every_6_hours",
			Enabled:  true,
			Custom:   &domain.CustomSpec{Command: "tar -czf backup.tgz ."},
		},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	store := New(testLogger(), path)

	require.NoError(t, store.Save(context.Background(), sampleTasks()))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "water", got[0].Name)
	assert.Equal(t, domain.StatusSent, got[0].Runtime.Status)
	require.NotNil(t, got[0].Runtime.LastRun)
	assert.Equal(t, "tar -czf backup.tgz .", got[1].Custom.Command)
}

func TestStore_MissingFileIsEmptyList(t *testing.T) {
	store := New(testLogger(), filepath.Join(t.TempDir(), "absent.yaml"))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_MalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks: [broken"), 0o644))

	_, err := New(testLogger(), path).Load(context.Background())
	assert.Error(t, err)
}

func TestStore_SaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	store := New(testLogger(), path)
	require.NoError(t, store.Save(context.Background(), sampleTasks()))

	// No temp files survive a completed save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tasks.yaml", entries[0].Name())
}

func TestStore_WatchSignalsExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	store := New(testLogger(), path)
	require.NoError(t, store.Save(context.Background(), sampleTasks()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := store.Watch(ctx)
	require.NoError(t, err)

	// Simulate an external editor rewriting the file.
	require.NoError(t, os.WriteFile(path, []byte("tasks: []\n"), 0o644))

	select {
	case _, ok := <-events:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("watch never signalled the edit")
	}
}

func TestStore_RemoteSeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`tasks:
  - name: seeded
    kind: custom
    interval: daily
    enabled: true
    custom:
      command: echo seeded
`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tasks.yaml")
	store := New(testLogger(), path, WithRemoteSeed(srv.URL))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "seeded", got[0].Name)

	// The seed was persisted; a second load works without the remote.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestStore_RemoteSeedReplacesLocalFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`tasks:
  - name: fresh
    kind: custom
    interval: daily
    enabled: true
    custom:
      command: echo fresh
`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tasks.yaml")
	stale := []byte("tasks:\n  - name: stale\n    kind: custom\n    interval: daily\n    custom:\n      command: echo stale\n")
	require.NoError(t, os.WriteFile(path, stale, 0o644))

	store := New(testLogger(), path, WithRemoteSeed(srv.URL))
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Name)
}

func TestStore_RemoteSeedUnreachableFallsBackToLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	local := []byte("tasks:\n  - name: kept\n    kind: custom\n    interval: daily\n    custom:\n      command: echo kept\n")
	require.NoError(t, os.WriteFile(path, local, 0o644))

	store := New(testLogger(), path, WithRemoteSeed("http://127.0.0.1:1"))
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Name)
}

func TestStore_RemoteSeedUnreachableNoLocalStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	store := New(testLogger(), path, WithRemoteSeed("http://127.0.0.1:1"))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
