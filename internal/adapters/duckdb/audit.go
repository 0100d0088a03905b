// Package duckdb persists the audit trail: task runs, sandbox
// invocations, and operator steps, queryable after the fact.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_runs (
	id          VARCHAR PRIMARY KEY,
	task_name   VARCHAR NOT NULL,
	kind        VARCHAR NOT NULL,
	success     BOOLEAN NOT NULL,
	detail      VARCHAR,
	run_at      TIMESTAMP NOT NULL,
	duration_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sandbox_invocations (
	id          VARCHAR PRIMARY KEY,
	command     VARCHAR NOT NULL,
	success     BOOLEAN NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS operator_steps (
	id         VARCHAR PRIMARY KEY,
	request_id VARCHAR NOT NULL,
	step       INTEGER NOT NULL,
	action     VARCHAR NOT NULL,
	verified   BOOLEAN NOT NULL,
	at         TIMESTAMP NOT NULL
);
`

// AuditSink implements ports.AuditSink on an embedded DuckDB file.
// Recording is best-effort: a failed insert logs a warning and never
// disturbs the caller, so a broken audit database cannot take the
// scheduler down with it.
type AuditSink struct {
	logger *slog.Logger
	db     *sql.DB
}

func NewAuditSink(logger *slog.Logger, path string) (*AuditSink, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &AuditSink{logger: logger, db: db}, nil
}

var _ ports.AuditSink = (*AuditSink)(nil)

func (a *AuditSink) Close() error {
	return a.db.Close()
}

func (a *AuditSink) RecordTaskRun(ctx context.Context, rec domain.TaskRunRecord) {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_name, kind, success, detail, run_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskName, string(rec.Kind), rec.Success, rec.Detail,
		rec.RunAt.UTC(), rec.Duration.Milliseconds(),
	)
	if err != nil {
		a.logger.Warn("audit insert failed", "table", "task_runs", "error", err)
	}
}

func (a *AuditSink) RecordSandboxInvocation(ctx context.Context, rec domain.SandboxInvocation) {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sandbox_invocations (id, command, success, exit_code, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Command, rec.Success, rec.ExitCode,
		rec.Duration.Milliseconds(), rec.At.UTC(),
	)
	if err != nil {
		a.logger.Warn("audit insert failed", "table", "sandbox_invocations", "error", err)
	}
}

func (a *AuditSink) RecordOperatorStep(ctx context.Context, rec domain.OperatorStepRecord) {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO operator_steps (id, request_id, step, action, verified, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Step, rec.Action, rec.Verified, rec.At.UTC(),
	)
	if err != nil {
		a.logger.Warn("audit insert failed", "table", "operator_steps", "error", err)
	}
}

// RecentTaskRuns returns the newest run records, newest first.
func (a *AuditSink) RecentTaskRuns(ctx context.Context, limit int) ([]domain.TaskRunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, task_name, kind, success, detail, run_at, duration_ms
		FROM task_runs
		ORDER BY run_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	out := []domain.TaskRunRecord{}
	for rows.Next() {
		var rec domain.TaskRunRecord
		var kind string
		var durationMs int64
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TaskName, &kind, &rec.Success, &detail, &rec.RunAt, &durationMs); err != nil {
			return nil, err
		}
		rec.Kind = domain.TaskKind(kind)
		rec.Detail = detail.String
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OperatorSteps returns every recorded step of one request in order.
func (a *AuditSink) OperatorSteps(ctx context.Context, requestID string) ([]domain.OperatorStepRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, request_id, step, action, verified, at
		FROM operator_steps
		WHERE request_id = ?
		ORDER BY step ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list operator steps: %w", err)
	}
	defer rows.Close()

	out := []domain.OperatorStepRecord{}
	for rows.Next() {
		var rec domain.OperatorStepRecord
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Step, &rec.Action, &rec.Verified, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
