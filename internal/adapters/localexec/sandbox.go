// Package localexec is the fallback sandbox for hosts without a
// container runtime: os/exec confined to a workspace directory with a
// scrubbed environment, a hard timeout, and a dangerous-command
// blocklist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
)

const (
	defaultTimeout = 2 * time.Minute
	maxCapturedOut = 64 << 10
)

// dangerousCommands can damage the host even from a confined workdir.
var dangerousCommands = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	":(){ :|:& };:", // fork bomb
	"> /dev/sda",
	"chmod -r 777 /",
}

func isDangerous(cmd string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	for _, d := range dangerousCommands {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// Sandbox implements ports.Sandbox with plain processes. Weaker
// isolation than the container sandbox, same contract: commands run in
// the workspace, resource failures become results, never errors.
type Sandbox struct {
	logger       *slog.Logger
	audit        ports.AuditSink
	workspaceDir string
}

func New(logger *slog.Logger, workspaceDir string, audit ports.AuditSink) (*Sandbox, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &Sandbox{logger: logger, audit: audit, workspaceDir: workspaceDir}, nil
}

var _ ports.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ExecuteCommand(ctx context.Context, req domain.ExecRequest) domain.ExecutionResult {
	start := time.Now()
	res := s.run(ctx, req)
	res.ExecutionTime = time.Since(start).Seconds()
	if s.audit != nil {
		s.audit.RecordSandboxInvocation(ctx, domain.SandboxInvocation{
			ID:       uuid.New().String(),
			Command:  req.Command,
			Success:  res.Success,
			ExitCode: res.ExitCode,
			Duration: time.Since(start),
			At:       start,
		})
	}
	return res
}

func (s *Sandbox) run(ctx context.Context, req domain.ExecRequest) domain.ExecutionResult {
	if isDangerous(req.Command) {
		return domain.ExecutionResult{
			Success:  false,
			Error:    "command blocked: matches dangerous command blocklist",
			ExitCode: -1,
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workdir := s.workspaceDir
	if req.Workdir != "" {
		resolved := filepath.Join(s.workspaceDir, filepath.Clean(req.Workdir))
		if strings.HasPrefix(resolved, s.workspaceDir) {
			workdir = resolved
		}
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Command)
	cmd.Dir = workdir
	// Scrubbed environment: host secrets never leak into task commands.
	cmd.Env = []string{
		"HOME=" + workdir,
		"PWD=" + workdir,
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	// Own process group so the timeout kill reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return domain.ExecutionResult{
			Success:  false,
			Output:   clamp(stdout.String()),
			Error:    fmt.Sprintf("command timed out after %s", timeout),
			ExitCode: -1,
		}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return domain.ExecutionResult{
				Success:  false,
				Error:    fmt.Sprintf("start command: %v", err),
				ExitCode: -1,
			}
		}
	}

	res := domain.ExecutionResult{
		Success:  exitCode == 0,
		Output:   clamp(stdout.String()),
		ExitCode: exitCode,
	}
	if exitCode != 0 {
		res.Error = clamp(stderr.String())
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit code %d", exitCode)
		}
	}
	return res
}

// WriteFile places content under the workspace; escaping paths are
// rejected.
func (s *Sandbox) WriteFile(_ context.Context, path string, content []byte) domain.ExecutionResult {
	rel := filepath.Clean(strings.TrimPrefix(path, "/workspace/"))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return domain.ExecutionResult{
			Success:  false,
			Error:    fmt.Sprintf("path %q escapes the workspace", path),
			ExitCode: -1,
		}
	}
	full := filepath.Join(s.workspaceDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return domain.ExecutionResult{Success: false, Error: fmt.Sprintf("create parent dir: %v", err), ExitCode: -1}
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return domain.ExecutionResult{Success: false, Error: fmt.Sprintf("write file: %v", err), ExitCode: -1}
	}
	return domain.ExecutionResult{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), rel)}
}

func clamp(s string) string {
	if len(s) <= maxCapturedOut {
		return s
	}
	return s[:maxCapturedOut] + "\n... (output truncated)"
}
