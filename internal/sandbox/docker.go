package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
)

// Docker runs all commands inside one long-lived container per sandbox.
// The container is created at construction and kept alive with a sleep
// loop; Exec and StartProcess are docker exec invocations inside it.
type Docker struct {
	cli         *client.Client
	containerID string
	workDir     string
	logger      *logger.Logger

	mu        sync.Mutex
	env       map[string]string
	processes map[string]*dockerProcess
}

// NewDocker connects to the daemon, ensures the configured image is
// present, and starts the sandbox container.
func NewDocker(ctx context.Context, cfg config.DockerSandboxConfig, workDir string, log *logger.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	d := &Docker{
		cli:       cli,
		workDir:   workDir,
		logger:    log.WithComponent("sandbox_docker"),
		env:       make(map[string]string),
		processes: make(map[string]*dockerProcess),
	}

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not available: %w", err)
	}

	if err := d.pullImage(ctx, cfg.Image); err != nil {
		_ = cli.Close()
		return nil, err
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workDir,
		Labels:     map[string]string{"baton.sandbox": "true"},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.Network),
	}
	name := "baton-sandbox-" + uuid.New().String()[:8]
	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	d.containerID = resp.ID
	d.logger.Info("sandbox container started",
		zap.String("container_id", resp.ID),
		zap.String("image", cfg.Image))
	return d, nil
}

func (d *Docker) pullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the progress stream so the pull completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Exec runs the command inside the container and demultiplexes its output.
func (d *Docker) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execID, err := d.cli.ContainerExecCreate(execCtx, d.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		Env:          mergeEnv(d.ambientEnv(), opts.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(execCtx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(execCtx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// StartProcess launches a long-running exec inside the container. Its
// multiplexed output is split into stdout/stderr pipes; the exit code is
// resolved by polling exec inspect after the stream ends.
func (d *Docker) StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error) {
	execID, err := d.cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		Env:          mergeEnv(d.ambientEnv(), opts.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc := &dockerProcess{
		id:     uuid.New().String(),
		execID: execID.ID,
		d:      d,
		attach: &attach,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan int, 1),
	}

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		_ = stdoutW.CloseWithError(copyErr)
		_ = stderrW.CloseWithError(copyErr)

		code := proc.waitExitCode()
		proc.exited <- code
		close(proc.exited)

		d.mu.Lock()
		delete(d.processes, proc.id)
		d.mu.Unlock()
	}()

	d.mu.Lock()
	d.processes[proc.id] = proc
	d.mu.Unlock()

	d.logger.Debug("exec process started",
		zap.String("process_id", proc.id),
		zap.String("exec_id", execID.ID))
	return proc, nil
}

// ReadFile copies a single file out of the container.
func (d *Docker) ReadFile(ctx context.Context, path string) (string, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, d.containerID, path)
	if err != nil {
		return "", fmt.Errorf("copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				return "", fmt.Errorf("read tar entry: %w", err)
			}
			return string(data), nil
		}
	}
	return "", fmt.Errorf("file %s not found in archive", path)
}

// WriteFile copies a single file into the container.
func (d *Docker) WriteFile(ctx context.Context, path, content string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	dir := filepath.Dir(path)
	if _, err := d.Exec(ctx, "mkdir -p "+shellSafePath(dir), ExecOptions{}); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := d.cli.CopyToContainer(ctx, d.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// StreamProcessLogs returns the stdout stream of a live exec process.
func (d *Docker) StreamProcessLogs(ctx context.Context, processID string) (io.ReadCloser, error) {
	d.mu.Lock()
	proc, ok := d.processes[processID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("process %s not found", processID)
	}
	return io.NopCloser(proc.stdout), nil
}

// SetEnvVars sets ambient env applied to subsequent commands.
func (d *Docker) SetEnvVars(env map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range env {
		d.env[k] = v
	}
	return nil
}

// Close removes the sandbox container and closes the client.
func (d *Docker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.containerID != "" {
		if err := d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			d.logger.Warn("failed to remove sandbox container", zap.Error(err))
		}
	}
	return d.cli.Close()
}

func (d *Docker) ambientEnv() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.env))
	for k, v := range d.env {
		out[k] = v
	}
	return out
}

// shellSafePath single-quotes a path for embedding in a shell command.
func shellSafePath(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

type dockerProcess struct {
	id     string
	execID string
	d      *Docker
	attach interface{ Close() }
	stdout io.Reader
	stderr io.Reader
	exited chan int
}

func (p *dockerProcess) ID() string         { return p.id }
func (p *dockerProcess) Stdout() io.Reader  { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader  { return p.stderr }
func (p *dockerProcess) Exited() <-chan int { return p.exited }

// Kill force-closes the attach stream. Docker has no exec-kill API; closing
// the hijacked connection terminates the attached process for shell
// commands, and the container teardown in Close is the backstop.
func (p *dockerProcess) Kill(ctx context.Context) error {
	p.attach.Close()
	return nil
}

// waitExitCode polls exec inspect until the process is reported stopped.
func (p *dockerProcess) waitExitCode() int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		inspect, err := p.d.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1
		}
		if !inspect.Running {
			return inspect.ExitCode
		}
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(200 * time.Millisecond):
		}
	}
}
