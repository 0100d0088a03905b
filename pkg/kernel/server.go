// Package kernel is the HTTP surface of the scheduling engine: task
// CRUD, manual triggers, operator requests, audit queries, and SSE
// event streams.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/services"
)

// AuditReader is the query side of the audit trail.
type AuditReader interface {
	RecentTaskRuns(ctx context.Context, limit int) ([]domain.TaskRunRecord, error)
	OperatorSteps(ctx context.Context, requestID string) ([]domain.OperatorStepRecord, error)
}

type Server struct {
	logger    *slog.Logger
	store     *services.TaskStore
	scheduler *services.SchedulerLoop
	operator  *services.AutonomousOperator
	bus       *services.EventBus
	audit     AuditReader
}

func NewServer(
	logger *slog.Logger,
	store *services.TaskStore,
	scheduler *services.SchedulerLoop,
	operator *services.AutonomousOperator,
	bus *services.EventBus,
	audit AuditReader,
) *Server {
	return &Server{
		logger:    logger,
		store:     store,
		scheduler: scheduler,
		operator:  operator,
		bus:       bus,
		audit:     audit,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{name}", s.handleGetTask)
	mux.HandleFunc("DELETE /v1/tasks/{name}", s.handleDeleteTask)
	mux.HandleFunc("POST /v1/tasks/{name}/enable", s.handleSetEnabled(true))
	mux.HandleFunc("POST /v1/tasks/{name}/disable", s.handleSetEnabled(false))
	mux.HandleFunc("POST /v1/tasks/{name}/interval", s.handleSetInterval)
	mux.HandleFunc("POST /v1/tasks/{name}/run", s.handleRunNow)
	mux.HandleFunc("GET /v1/tasks/{name}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /v1/events", s.handleAllEvents)
	mux.HandleFunc("POST /v1/operator/requests", s.handleOperatorRequest)
	mux.HandleFunc("GET /v1/audit/runs", s.handleAuditRuns)
	mux.HandleFunc("GET /v1/audit/operator/{request_id}", s.handleAuditOperator)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": s.scheduler.Running(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.store.List()})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t domain.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid task payload: %v", err))
		return
	}
	out, err := s.store.Add(r.Context(), &t)
	s.writeOutcome(w, out, err, http.StatusCreated)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.store.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Remove(r.Context(), r.PathValue("name"))
	s.writeOutcome(w, out, err, http.StatusOK)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.store.SetEnabled(r.Context(), r.PathValue("name"), enabled)
		s.writeOutcome(w, out, err, http.StatusOK)
	}
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Interval string `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}
	out, err := s.store.SetInterval(r.Context(), r.PathValue("name"), body.Interval)
	s.writeOutcome(w, out, err, http.StatusOK)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	out := s.scheduler.RunNow(r.PathValue("name"))
	if !out.Accepted {
		writeError(w, http.StatusNotFound, out.Reason)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleOperatorRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requester_id"`
		Request     string `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}
	if body.Request == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}
	res, err := s.operator.HandleRequest(r.Context(), body.RequesterID, body.Request)
	if err != nil {
		s.logger.Error("operator request failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.audit.RecentTaskRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleAuditOperator(w http.ResponseWriter, r *http.Request) {
	steps, err := s.audit.OperatorSteps(r.Context(), r.PathValue("request_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, r.PathValue("name"))
}

func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, services.BroadcastTopic)
}

// streamEvents serves an SSE stream of bus events for one topic until
// the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.bus.Subscribe(topic)
	defer unsub()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeOutcome(w http.ResponseWriter, out services.Outcome, err error, okStatus int) {
	if err != nil {
		s.logger.Warn("task mutation persisted with error", "error", err)
	}
	if !out.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	writeJSON(w, okStatus, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
