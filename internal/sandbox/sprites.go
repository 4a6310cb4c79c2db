package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
)

// Sprites runs commands on a remote sprites.dev sandbox. All operations go
// through the sprite command API; there is no shared filesystem with the
// host.
type Sprites struct {
	client *sprites.Client
	sprite *sprites.Sprite
	logger *logger.Logger

	mu        sync.Mutex
	env       map[string]string
	processes map[string]*spriteProcess
}

// NewSprites connects to the configured sprite and verifies it responds.
func NewSprites(ctx context.Context, cfg config.SpritesConfig, log *logger.Logger) (*Sprites, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("sprites sandbox requires a token")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("sprites sandbox requires a sprite name")
	}

	client := sprites.New(cfg.Token)
	sprite := client.Sprite(cfg.Name)

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := sprite.CommandContext(checkCtx, "echo", "baton-ready").Output(); err != nil {
		return nil, fmt.Errorf("sprite %s not reachable: %w", cfg.Name, err)
	}

	log.Info("sprites sandbox ready", zap.String("sprite", cfg.Name))
	return &Sprites{
		client:    client,
		sprite:    sprite,
		logger:    log.WithComponent("sandbox_sprites"),
		env:       make(map[string]string),
		processes: make(map[string]*spriteProcess),
	}, nil
}

// Exec runs the command to completion on the sprite.
func (s *Sprites) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := s.sprite.CommandContext(execCtx, "sh", "-c", command)
	cmd.Env = mergeEnv(s.ambientEnv(), opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		// Remote non-zero exit surfaces as an error; report it with output.
		result.ExitCode = 1
		return result, nil
	}
	return result, nil
}

// StartProcess launches a long-running command on the sprite.
func (s *Sprites) StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error) {
	cmd := s.sprite.CommandContext(context.Background(), "sh", "-c", command)
	cmd.Env = mergeEnv(s.ambientEnv(), opts.Env)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sprite process: %w", err)
	}

	proc := &spriteProcess{
		id:     fmt.Sprintf("sprite-%d", time.Now().UnixNano()),
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan int, 1),
		cancel: func() { _ = stdoutW.Close(); _ = stderrW.Close() },
	}

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
		}
		_ = stdoutW.CloseWithError(err)
		_ = stderrW.CloseWithError(err)
		proc.exited <- code
		close(proc.exited)

		s.mu.Lock()
		delete(s.processes, proc.id)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	s.processes[proc.id] = proc
	s.mu.Unlock()

	s.logger.Debug("sprite process started", zap.String("process_id", proc.id))
	return proc, nil
}

// ReadFile reads a remote file via cat.
func (s *Sprites) ReadFile(ctx context.Context, path string) (string, error) {
	out, err := s.sprite.CommandContext(ctx, "cat", path).Output()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(out), nil
}

// WriteFile streams content to a remote file over stdin, bypassing any
// shell interpretation of the content.
func (s *Sprites) WriteFile(ctx context.Context, path, content string) error {
	cmd := s.sprite.CommandContext(ctx, "sh", "-c",
		"mkdir -p \"$(dirname "+shellSafePath(path)+")\" && cat > "+shellSafePath(path))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start write: %w", err)
	}
	if _, err := io.WriteString(stdin, content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// StreamProcessLogs is not supported on the sprites backend; the process
// stdout stream from StartProcess is the only log source.
func (s *Sprites) StreamProcessLogs(ctx context.Context, processID string) (io.ReadCloser, error) {
	return nil, ErrUnsupported
}

// SetEnvVars sets ambient env applied to subsequent commands.
func (s *Sprites) SetEnvVars(env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range env {
		s.env[k] = v
	}
	return nil
}

// Close releases the client connection.
func (s *Sprites) Close() error {
	s.mu.Lock()
	procs := make([]*spriteProcess, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill(context.Background())
	}
	return s.client.Close()
}

func (s *Sprites) ambientEnv() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

type spriteProcess struct {
	id     string
	stdout io.Reader
	stderr io.Reader
	exited chan int
	cancel func()
}

func (p *spriteProcess) ID() string         { return p.id }
func (p *spriteProcess) Stdout() io.Reader  { return p.stdout }
func (p *spriteProcess) Stderr() io.Reader  { return p.stderr }
func (p *spriteProcess) Exited() <-chan int { return p.exited }

// Kill tears down the stream pipes; the remote command is reaped by the
// sprite runtime when its output closes.
func (p *spriteProcess) Kill(ctx context.Context) error {
	p.cancel()
	return nil
}
