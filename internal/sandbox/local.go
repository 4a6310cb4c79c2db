package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
)

const defaultExecTimeout = 60 * time.Second

// Local runs commands directly on the host through `sh -c`. Long-running
// processes get their own process group so Kill takes the whole tree down.
type Local struct {
	workDir string
	logger  *logger.Logger

	mu        sync.Mutex
	env       map[string]string
	processes map[string]*localProcess
}

// NewLocal creates a local sandbox rooted at workDir (empty means the
// current directory).
func NewLocal(workDir string, log *logger.Logger) *Local {
	return &Local{
		workDir:   workDir,
		logger:    log.WithComponent("sandbox_local"),
		env:       make(map[string]string),
		processes: make(map[string]*localProcess),
	}
}

// Exec runs the command to completion under a timeout.
func (l *Local) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = l.workDir
	cmd.Env = append(os.Environ(), mergeEnv(l.ambientEnv(), opts.Env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}

// StartProcess launches a long-running command in its own process group.
func (l *Local) StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = l.workDir
	cmd.Env = append(os.Environ(), mergeEnv(l.ambientEnv(), opts.Env)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	proc := &localProcess{
		id:     uuid.New().String(),
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan int, 1),
	}

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				code = ee.ExitCode()
			} else {
				code = -1
			}
		}
		proc.exited <- code
		close(proc.exited)
		l.mu.Lock()
		delete(l.processes, proc.id)
		l.mu.Unlock()
	}()

	l.mu.Lock()
	l.processes[proc.id] = proc
	l.mu.Unlock()

	l.logger.Debug("process started",
		zap.String("process_id", proc.id),
		zap.Int("pid", cmd.Process.Pid))
	return proc, nil
}

// ReadFile reads a host file.
func (l *Local) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes a host file.
func (l *Local) WriteFile(ctx context.Context, path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// StreamProcessLogs returns the stdout stream of a live process.
func (l *Local) StreamProcessLogs(ctx context.Context, processID string) (io.ReadCloser, error) {
	l.mu.Lock()
	proc, ok := l.processes[processID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("process %s not found", processID)
	}
	return io.NopCloser(proc.stdout), nil
}

// SetEnvVars sets ambient env applied to subsequent commands.
func (l *Local) SetEnvVars(env map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range env {
		l.env[k] = v
	}
	return nil
}

// Close kills any processes still tracked.
func (l *Local) Close() error {
	l.mu.Lock()
	procs := make([]*localProcess, 0, len(l.processes))
	for _, p := range l.processes {
		procs = append(procs, p)
	}
	l.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill(context.Background())
	}
	return nil
}

func (l *Local) ambientEnv() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.env))
	for k, v := range l.env {
		out[k] = v
	}
	return out
}

type localProcess struct {
	id     string
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	exited chan int
}

func (p *localProcess) ID() string        { return p.id }
func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }
func (p *localProcess) Exited() <-chan int {
	return p.exited
}

// Kill signals the whole process group.
func (p *localProcess) Kill(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err == nil {
			return nil
		}
	}
	return p.cmd.Process.Kill()
}
