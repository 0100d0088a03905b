// Package docker runs sandboxed commands in throwaway containers with
// no network, a read-only root filesystem, and hard resource caps.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
)

const (
	defaultImage    = "alpine:3.20"
	defaultTimeout  = 2 * time.Minute
	defaultNanoCPUs = int64(0.5 * 1e9)  // half a core
	defaultMemory   = int64(256 << 20)  // 256 MiB
	maxCapturedOut  = 64 << 10
	containerUser   = "nobody"
)

// Sandbox implements ports.Sandbox on the Docker API. Every invocation
// gets its own container; nothing survives between runs except the
// workspace bind mount.
type Sandbox struct {
	logger       *slog.Logger
	cli          *client.Client
	audit        ports.AuditSink
	image        string
	workspaceDir string // host dir bound to /workspace
}

func NewSandbox(logger *slog.Logger, workspaceDir string, audit ports.AuditSink) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &Sandbox{
		logger:       logger,
		cli:          cli,
		audit:        audit,
		image:        defaultImage,
		workspaceDir: workspaceDir,
	}, nil
}

var _ ports.Sandbox = (*Sandbox)(nil)

// ExecuteCommand runs one command to completion inside an isolated
// container. It never returns an error: every failure mode, including
// the daemon being unreachable, is folded into the result.
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
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nanoCPUs := defaultNanoCPUs
	if req.CPULimit > 0 {
		nanoCPUs = int64(req.CPULimit * 1e9)
	}
	memory := defaultMemory
	if req.MemoryLimit > 0 {
		memory = req.MemoryLimit
	}
	user := containerUser
	if req.User != "" {
		user = req.User
	}
	workdir := "/workspace"
	if req.Workdir != "" {
		workdir = req.Workdir
	}

	cfg := &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-c", req.Command},
		User:       user,
		WorkingDir: workdir,
		Tty:        false,
		Labels: map[string]string{
			"orbit.managed": "true",
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: s.workspaceDir,
				Target: "/workspace",
			},
		},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memory,
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	name := "orbit-sandbox-" + uuid.New().String()
	resp, err := s.cli.ContainerCreate(runCtx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := s.cli.ImagePull(runCtx, s.image, image.PullOptions{})
		if pullErr != nil {
			return failure(fmt.Sprintf("pull image %s: %v", s.image, pullErr))
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = s.cli.ContainerCreate(runCtx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return failure(fmt.Sprintf("create container: %v", err))
	}
	// Removal runs on the parent context so a timed-out run still gets
	// cleaned up.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = s.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := s.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return failure(fmt.Sprintf("start container: %v", err))
	}

	statusCh, errCh := s.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if runCtx.Err() != nil {
			return timeoutResult(timeout)
		}
		return failure(fmt.Sprintf("wait for container: %v", err))
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		return timeoutResult(timeout)
	}

	stdout, stderr := s.collectLogs(resp.ID)
	res := domain.ExecutionResult{
		Success:  exitCode == 0,
		Output:   clamp(stdout),
		ExitCode: exitCode,
	}
	if exitCode != 0 {
		res.Error = clamp(stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit code %d", exitCode)
		}
	}
	return res
}

func (s *Sandbox) collectLogs(containerID string) (stdout, stderr string) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reader, err := s.cli.ContainerLogs(logCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		s.logger.Warn("could not read container logs", "container", containerID, "error", err)
		return "", ""
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		s.logger.Warn("could not demux container logs", "container", containerID, "error", err)
	}
	return outBuf.String(), errBuf.String()
}

// WriteFile places content into the shared workspace. Paths are
// resolved relative to the workspace root and may not escape it.
func (s *Sandbox) WriteFile(_ context.Context, path string, content []byte) domain.ExecutionResult {
	rel := filepath.Clean(strings.TrimPrefix(path, "/workspace/"))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return failure(fmt.Sprintf("path %q escapes the workspace", path))
	}
	full := filepath.Join(s.workspaceDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return failure(fmt.Sprintf("create parent dir: %v", err))
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return failure(fmt.Sprintf("write file: %v", err))
	}
	return domain.ExecutionResult{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), rel)}
}

func failure(msg string) domain.ExecutionResult {
	return domain.ExecutionResult{Success: false, Error: msg, ExitCode: -1}
}

func timeoutResult(timeout time.Duration) domain.ExecutionResult {
	return domain.ExecutionResult{
		Success:  false,
		Error:    fmt.Sprintf("command timed out after %s", timeout),
		ExitCode: -1,
	}
}

func clamp(s string) string {
	if len(s) <= maxCapturedOut {
		return s
	}
	return s[:maxCapturedOut] + "\n... (output truncated)"
}
