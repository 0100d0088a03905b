package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workflowTask(name, sourceURL string, steps ...domain.WorkflowStep) *domain.Task {
	t := customTask(name, "unused")
	t.Kind = domain.KindWorkflow
	t.Custom = nil
	t.Workflow = &domain.WorkflowSpec{
		SourceURL:    sourceURL,
		NotifyUserID: "user-1",
		Steps:        steps,
	}
	return t
}

func newWorkflowFixture(t *testing.T, notifier *fakeNotifier) (*WorkflowExecutor, *TaskStore) {
	t.Helper()
	store, _ := newTestStore(t)
	bus := NewEventBus(testLogger())
	return NewWorkflowExecutor(testLogger(), notifier, store, bus), store
}

func TestWorkflow_NotifyWhenGuardFires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price": 120.5, "currency": "usd"}`))
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", srv.URL,
		domain.WorkflowStep{Action: domain.StepSet, Key: "price", Expr: "source.price"},
		domain.WorkflowStep{
			When:    "price > 100",
			Action:  domain.StepNotify,
			Message: "price is {{price}} {{source.currency}}",
		},
	)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	require.NoError(t, exec.Run(context.Background(), got))

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "user-1: price is 120.5 usd", notifier.sent[0])
}

func TestWorkflow_GuardFalseSkipsQuietly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price": 50}`))
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", srv.URL,
		domain.WorkflowStep{When: "source.price > 100", Action: domain.StepNotify, Message: "high"},
	)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	require.NoError(t, exec.Run(context.Background(), got))
	assert.Empty(t, notifier.sent)
}

func TestWorkflow_UndefinedNameSkipsStepOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price": 120}`))
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", srv.URL,
		domain.WorkflowStep{When: "source.missing > 1", Action: domain.StepNotify, Message: "never"},
		domain.WorkflowStep{When: "source.price > 100", Action: domain.StepNotify, Message: "still runs"},
	)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	require.NoError(t, exec.Run(context.Background(), got), "a skipped step never fails the task")

	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0], "still runs")
}

func TestWorkflow_SetStatePersistsAcrossRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price": 120}`))
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", srv.URL,
		domain.WorkflowStep{Action: domain.StepSetState, Key: "last_price", Expr: "source.price"},
		domain.WorkflowStep{
			When:    "last_price == 120",
			Action:  domain.StepNotify,
			Message: "seen before",
		},
	)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	require.NoError(t, exec.Run(context.Background(), got))

	after, _ := store.Get("watch")
	assert.Equal(t, float64(120), after.Runtime.State["last_price"])

	// Second run sees the persisted state in its guard.
	require.NoError(t, exec.Run(context.Background(), after))
	assert.Equal(t, 2, notifier.sentCount())
}

func TestWorkflow_FetchFailureFailsTask(t *testing.T) {
	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", "http://127.0.0.1:1",
		domain.WorkflowStep{Action: domain.StepLog, Message: "never"},
	)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	assert.Error(t, exec.Run(context.Background(), got))
}

func TestWorkflow_Non200IsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", srv.URL)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	assert.Error(t, exec.Run(context.Background(), got))
	assert.Equal(t, int32(1), hits.Load(), "4xx responses are not retried")
}

func TestWorkflow_ServerErrorRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", srv.URL,
		domain.WorkflowStep{When: "source.ok", Action: domain.StepNotify, Message: "recovered"},
	)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	require.NoError(t, exec.Run(context.Background(), got))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 1, notifier.sentCount())
}

func TestWorkflow_RejectsNonHTTPScheme(t *testing.T) {
	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", "https://example.com/feed.json")
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	got.Workflow.SourceURL = "file:///etc/passwd"
	err = exec.Run(context.Background(), got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported source scheme")
}

func TestWorkflow_InvalidJSONFailsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	notifier := &fakeNotifier{}
	exec, store := newWorkflowFixture(t, notifier)

	task := workflowTask("watch", srv.URL)
	_, err := store.Add(context.Background(), task)
	require.NoError(t, err)

	got, _ := store.Get("watch")
	err = exec.Run(context.Background(), got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}
