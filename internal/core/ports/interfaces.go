package ports

import (
	"context"

	"github.com/manthysbr/orbitOS/internal/core/domain"
)

// Sandbox abstracts the isolated execution environment (Docker in
// production, a confined local process for development and tests).
type Sandbox interface {
	// ExecuteCommand runs one command inside the sandbox. It never
	// returns an error; timeouts, missing environments and non-zero
	// exits are all encoded in the ExecutionResult.
	ExecuteCommand(ctx context.Context, req domain.ExecRequest) domain.ExecutionResult

	// WriteFile stages content at an absolute path inside the sandbox
	// workspace. Paths escaping the workspace are rejected in the
	// result, not written.
	WriteFile(ctx context.Context, path string, content []byte) domain.ExecutionResult
}

// Notifier delivers a message to a user-facing channel.
type Notifier interface {
	Send(ctx context.Context, targetID, text string) error
}

// LLMProvider is the abstract language model completion capability.
// The core only needs it to be re-promptable on format errors.
type LLMProvider interface {
	Invoke(ctx context.Context, messages []domain.ChatMessage, requesterID string) (text string, metadata map[string]any, err error)
}

// AuditSink records observability events best-effort. Implementations
// swallow their own failures; absence of a sink never affects core
// correctness.
type AuditSink interface {
	RecordTaskRun(ctx context.Context, rec domain.TaskRunRecord)
	RecordSandboxInvocation(ctx context.Context, rec domain.SandboxInvocation)
	RecordOperatorStep(ctx context.Context, rec domain.OperatorStepRecord)
}

// TaskStorage persists the task document and watches it for external
// edits.
type TaskStorage interface {
	Load(ctx context.Context) ([]*domain.Task, error)
	Save(ctx context.Context, tasks []*domain.Task) error
	Watch(ctx context.Context) (<-chan struct{}, error)
}
