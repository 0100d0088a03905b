package domain

import "time"

// Audit records are fire-and-forget observability events. A sink that
// drops them must never affect the caller.

// TaskRunRecord captures one scheduler dispatch outcome.
type TaskRunRecord struct {
	ID       string
	TaskName string
	Kind     TaskKind
	Success  bool
	Detail   string
	RunAt    time.Time
	Duration time.Duration
}

// SandboxInvocation captures one sandbox command or file write.
type SandboxInvocation struct {
	ID       string
	Command  string
	Success  bool
	ExitCode int
	Duration time.Duration
	At       time.Time
}

// OperatorStepRecord captures one step of an autonomous operator run.
type OperatorStepRecord struct {
	ID        string
	RequestID string
	Step      int
	Action    string
	Command   string
	Verified  bool
	At        time.Time
}
