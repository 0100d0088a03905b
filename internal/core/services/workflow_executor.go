package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
	"github.com/tidwall/gjson"
)

const maxSourceBytes = 1 << 20 // 1MB cap on fetched source documents

// WorkflowExecutor runs workflow tasks: fetch the source document,
// then evaluate each step against the source plus the task's persisted
// state. Malformed configurations degrade step by step instead of
// crashing a recurring job.
type WorkflowExecutor struct {
	logger       *slog.Logger
	client       *http.Client
	notifier     ports.Notifier
	store        *TaskStore
	bus          *EventBus
	fetchRetries uint64
}

func NewWorkflowExecutor(logger *slog.Logger, notifier ports.Notifier, store *TaskStore, bus *EventBus) *WorkflowExecutor {
	return &WorkflowExecutor{
		logger:       logger,
		client:       &http.Client{Timeout: 15 * time.Second},
		notifier:     notifier,
		store:        store,
		bus:          bus,
		fetchRetries: 2,
	}
}

// Run executes one workflow pass for t. Only a failed fetch fails the
// task; individual step problems are logged skips.
func (e *WorkflowExecutor) Run(ctx context.Context, t *domain.Task) error {
	wf := t.Workflow

	source, err := e.fetchSource(ctx, wf.SourceURL)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", t.Name, err)
	}

	state := t.Runtime.State
	if state == nil {
		state = make(map[string]any)
	}
	env := &ExprEnv{
		Source: source,
		State:  state,
		Locals: make(map[string]any),
	}

	stateDirty := false
	for i, step := range wf.Steps {
		if step.When != "" {
			ok, err := EvalBool(step.When, env)
			if err != nil {
				e.skipStep(t.Name, i, step, err)
				continue
			}
			if !ok {
				e.logger.Debug("workflow step guard false", "task", t.Name, "step", i)
				continue
			}
		}

		switch step.Action {
		case domain.StepSet, domain.StepSetState:
			v, err := Eval(step.Expr, env)
			if err != nil {
				e.skipStep(t.Name, i, step, err)
				continue
			}
			val := materialize(v)
			if step.Action == domain.StepSet {
				env.Locals[step.Key] = val
			} else {
				env.State[step.Key] = val
				stateDirty = true
			}

		case domain.StepNotify:
			target := step.UserID
			if target == "" {
				target = wf.NotifyUserID
			}
			if target == "" {
				e.skipStep(t.Name, i, step, errors.New("no notify target"))
				continue
			}
			text := e.render(step.Message, env)
			if err := e.notifier.Send(ctx, target, text); err != nil {
				e.logger.Warn("workflow notify failed", "task", t.Name, "step", i, "error", err)
			}

		case domain.StepLog:
			text := e.render(step.Message, env)
			e.logger.Info("workflow log", "task", t.Name, "step", i, "message", text)
			e.publish(t.Name, EventTypeWorkflowLog, map[string]any{"step": i, "message": text})
		}
	}

	if stateDirty {
		if err := e.store.UpdateRuntime(ctx, t.Name, func(rt *domain.TaskRuntime) {
			rt.State = env.State
		}); err != nil {
			e.logger.Error("workflow state write-back failed", "task", t.Name, "error", err)
		}
	}
	return nil
}

// fetchSource GETs the workflow's source URL with bounded retries on
// transport failure. The body is untrusted input: size-capped and
// required to be JSON.
func (e *WorkflowExecutor) fetchSource(ctx context.Context, rawURL string) (gjson.Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("invalid source url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return gjson.Result{}, fmt.Errorf("unsupported source scheme %q", scheme)
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("source returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("source returned %d", resp.StatusCode))
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.fetchRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return gjson.Result{}, fmt.Errorf("fetch source: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, errors.New("source is not valid JSON")
	}
	return gjson.ParseBytes(body), nil
}

// skipStep records a permissive skip: an undefined name or failed
// guard leaves the task healthy and the remaining steps running.
func (e *WorkflowExecutor) skipStep(task string, idx int, step domain.WorkflowStep, reason error) {
	e.logger.Info("workflow step skipped", "task", task, "step", idx, "action", step.Action, "reason", reason)
	e.publish(task, EventTypeWorkflowSkip, map[string]any{
		"step":   idx,
		"action": string(step.Action),
		"reason": reason.Error(),
	})
}

var templateRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// render substitutes {{expr}} placeholders with evaluated context
// values. Placeholders that fail to evaluate are left verbatim.
func (e *WorkflowExecutor) render(template string, env *ExprEnv) string {
	return templateRe.ReplaceAllStringFunc(template, func(m string) string {
		inner := strings.TrimSpace(m[2 : len(m)-2])
		v, err := Eval(inner, env)
		if err != nil {
			return m
		}
		return fmt.Sprintf("%v", materialize(v))
	})
}

func (e *WorkflowExecutor) publish(task string, typ EventType, data map[string]any) {
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
