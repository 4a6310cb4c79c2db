// Package sandbox defines the narrow contract over the execution environment
// that runs agent processes, plus its local, docker, and sprites backends.
//
// The sandbox is untrusted for liveness: callers bound every call with a
// timeout and treat every returned stream as possibly truncated or
// error-terminated.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnsupported is returned by optional operations a backend does not
// implement.
var ErrUnsupported = errors.New("sandbox: operation not supported")

// ExecOptions configure a run-to-completion command.
type ExecOptions struct {
	// Timeout bounds the command. Zero applies the backend default.
	Timeout time.Duration
	Env     map[string]string
}

// ExecResult is the outcome of a completed command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// StartOptions configure a long-running process.
type StartOptions struct {
	Env map[string]string
}

// Process is a long-running command started in the sandbox. Stdout and
// Stderr are lazy byte streams; Exited delivers the final exit code once
// and is then closed.
type Process interface {
	ID() string
	Stdout() io.Reader
	Stderr() io.Reader
	Exited() <-chan int
	Kill(ctx context.Context) error
}

// Sandbox is the execution environment contract consumed by the process
// manager and the session registry.
type Sandbox interface {
	// Exec runs a shell command to completion.
	Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)

	// StartProcess launches a long-running shell command.
	StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error)

	// ReadFile returns the content of a file in the sandbox.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile writes content to a file in the sandbox.
	WriteFile(ctx context.Context, path, content string) error

	// StreamProcessLogs returns the combined output stream of a process
	// previously started with StartProcess. Optional; backends may return
	// ErrUnsupported.
	StreamProcessLogs(ctx context.Context, processID string) (io.ReadCloser, error)

	// SetEnvVars sets ambient environment variables applied to subsequent
	// commands. Optional; backends may return ErrUnsupported.
	SetEnvVars(env map[string]string) error

	// Close releases backend resources.
	Close() error
}

// mergeEnv flattens ambient and per-call env into KEY=VALUE form, with the
// per-call env winning on conflicts.
func mergeEnv(ambient, perCall map[string]string) []string {
	merged := make(map[string]string, len(ambient)+len(perCall))
	for k, v := range ambient {
		merged[k] = v
	}
	for k, v := range perCall {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
