package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory sandbox for tests. Commands are recorded, files live
// in a map, and started processes expose controllable output streams via
// EmitLine, CloseStream, and Exit.
type Fake struct {
	mu        sync.Mutex
	files     map[string]string
	env       map[string]string
	commands  []string
	processes []*FakeProcess

	// ExecFunc, when set, overrides the default Exec behavior.
	ExecFunc func(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error)

	// StartErr, when set, makes StartProcess fail.
	StartErr error

	closed bool
}

// NewFake returns an empty fake sandbox.
func NewFake() *Fake {
	return &Fake{
		files: make(map[string]string),
		env:   make(map[string]string),
	}
}

// Exec records the command and returns a zero-exit result unless ExecFunc is
// set.
func (f *Fake) Exec(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	fn := f.ExecFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, command, opts)
	}
	return &ExecResult{ExitCode: 0}, nil
}

// StartProcess records the command and returns a process whose streams the
// test drives.
func (f *Fake) StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return nil, f.StartErr
	}

	f.commands = append(f.commands, command)
	proc := &FakeProcess{
		id:      fmt.Sprintf("fake-%d", len(f.processes)+1),
		command: command,
		exited:  make(chan int, 1),
	}
	proc.stdoutR, proc.stdoutW = io.Pipe()
	proc.stderrR, proc.stderrW = io.Pipe()
	f.processes = append(f.processes, proc)
	return proc, nil
}

// ReadFile returns a file previously written with WriteFile or seeded with
// SeedFile.
func (f *Fake) ReadFile(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: no such file", path)
	}
	return content, nil
}

// WriteFile stores a file in the in-memory filesystem.
func (f *Fake) WriteFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *Fake) StreamProcessLogs(ctx context.Context, processID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.processes {
		if p.id == processID {
			return io.NopCloser(p.stdoutR), nil
		}
	}
	return nil, fmt.Errorf("process %s not found", processID)
}

func (f *Fake) SetEnvVars(env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range env {
		f.env[k] = v
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, p := range f.processes {
		p.closeStreams(nil)
	}
	return nil
}

// SeedFile pre-populates the in-memory filesystem.
func (f *Fake) SeedFile(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

// Commands returns every command passed to Exec or StartProcess, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// LastCommand returns the most recent command, or "".
func (f *Fake) LastCommand() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return ""
	}
	return f.commands[len(f.commands)-1]
}

// CommandContaining returns the first recorded command containing substr.
func (f *Fake) CommandContaining(substr string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return c, true
		}
	}
	return "", false
}

// Env returns a copy of the ambient env set via SetEnvVars.
func (f *Fake) Env() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.env))
	for k, v := range f.env {
		out[k] = v
	}
	return out
}

// Processes returns every process started so far.
func (f *Fake) Processes() []*FakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeProcess, len(f.processes))
	copy(out, f.processes)
	return out
}

// LastProcess returns the most recently started process. It waits briefly
// because starts often happen on another goroutine in tests.
func (f *Fake) LastProcess() *FakeProcess {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.processes)
		var p *FakeProcess
		if n > 0 {
			p = f.processes[n-1]
		}
		f.mu.Unlock()
		if p != nil || time.Now().After(deadline) {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// FakeProcess is a scripted process whose output a test writes line by line.
type FakeProcess struct {
	id      string
	command string

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu       sync.Mutex
	finished bool
	killed   bool
	exited   chan int
}

func (p *FakeProcess) ID() string         { return p.id }
func (p *FakeProcess) Command() string    { return p.command }
func (p *FakeProcess) Stdout() io.Reader  { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader  { return p.stderrR }
func (p *FakeProcess) Exited() <-chan int { return p.exited }

// Kill marks the process killed and tears down its streams with exit -1.
func (p *FakeProcess) Kill(ctx context.Context) error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.closeStreams(io.EOF)
	p.finish(-1)
	return nil
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// EmitLine writes one line (newline appended) to the process stdout.
func (p *FakeProcess) EmitLine(line string) {
	_, _ = io.WriteString(p.stdoutW, line+"\n")
}

// EmitStderr writes one line to the process stderr.
func (p *FakeProcess) EmitStderr(line string) {
	_, _ = io.WriteString(p.stderrW, line+"\n")
}

// CloseStream ends the stdout stream without exiting the process.
func (p *FakeProcess) CloseStream() {
	_ = p.stdoutW.Close()
}

// CloseStreamWithError ends the stdout stream with a read error, the way a
// torn connection surfaces to the consumer.
func (p *FakeProcess) CloseStreamWithError(err error) {
	_ = p.stdoutW.CloseWithError(err)
}

// Exit closes both streams and delivers the exit code.
func (p *FakeProcess) Exit(code int) {
	p.closeStreams(nil)
	p.finish(code)
}

func (p *FakeProcess) closeStreams(err error) {
	if err != nil {
		_ = p.stdoutW.CloseWithError(err)
		_ = p.stderrW.CloseWithError(err)
		return
	}
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
}

func (p *FakeProcess) finish(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.exited <- code
	close(p.exited)
}
