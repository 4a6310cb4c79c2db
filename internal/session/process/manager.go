// Package process owns the per-session agent child processes: launching them
// against a named input pipe, consuming their NDJSON output into bus events,
// and tracking liveness.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/internal/sandbox"
	"github.com/batondev/baton/pkg/agentstream"
)

// ErrProcessDead is returned by Write when the session has no live process.
// Callers restart the process and retry.
var ErrProcessDead = errors.New("agent process not running")

// ErrAlreadyRunning is returned by Start when the session already owns a
// live process.
var ErrAlreadyRunning = errors.New("agent process already running")

const (
	pipeSetupTimeout = 10 * time.Second
	pipeWriteTimeout = 10 * time.Second
)

// Record tracks one live (or recently exited) agent process.
type Record struct {
	SessionID string
	PipePath  string
	Process   sandbox.Process

	mu     sync.Mutex
	alive  bool
	killed bool
}

// Alive reports whether the process is still considered running.
func (r *Record) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

func (r *Record) markDead() {
	r.mu.Lock()
	r.alive = false
	r.mu.Unlock()
}

func (r *Record) markKilled() {
	r.mu.Lock()
	r.killed = true
	r.alive = false
	r.mu.Unlock()
}

func (r *Record) wasKilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}

// Manager starts and supervises agent processes through the sandbox. One
// record per session; ownership is exclusive.
type Manager struct {
	sandbox sandbox.Sandbox
	bus     bus.EventBus
	cfg     config.AgentConfig
	logger  *logger.Logger

	mu      sync.Mutex
	records map[string]*Record
}

// NewManager creates a process manager.
func NewManager(sb sandbox.Sandbox, eventBus bus.EventBus, cfg config.AgentConfig, log *logger.Logger) *Manager {
	return &Manager{
		sandbox: sb,
		bus:     eventBus,
		cfg:     cfg,
		logger:  log.WithComponent("process_manager"),
		records: make(map[string]*Record),
	}
}

// PipePath returns the input pipe path for a session.
func (m *Manager) PipePath(sessionID string) string {
	dir := m.cfg.PipeDir
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "claude_input_"+sessionID)
}

// Start launches the agent process for a session. The process reads user
// messages from a named pipe and writes NDJSON events to stdout; a single
// consumer goroutine parses the stream and publishes events under keys
// scoped by the session id. Exactly one stream-error handler exists per
// start.
func (m *Manager) Start(ctx context.Context, sessionID string, env map[string]string, pipePath string, extraArgs ...string) error {
	m.mu.Lock()
	if rec, ok := m.records[sessionID]; ok && rec.Alive() {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrAlreadyRunning)
	}
	m.mu.Unlock()

	if pipePath == "" {
		pipePath = m.PipePath(sessionID)
	}

	quotedPipe, err := quote(pipePath)
	if err != nil {
		return fmt.Errorf("pipe path: %w", err)
	}
	setup := fmt.Sprintf("rm -f %s && mkfifo -m 600 %s", quotedPipe, quotedPipe)
	res, err := m.sandbox.Exec(ctx, setup, sandbox.ExecOptions{Timeout: pipeSetupTimeout})
	if err != nil {
		return fmt.Errorf("create input pipe: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("create input pipe: mkfifo exited %d: %s", res.ExitCode, res.Stderr)
	}

	command, err := m.agentCommand(quotedPipe, extraArgs)
	if err != nil {
		return err
	}

	proc, err := m.sandbox.StartProcess(ctx, command, sandbox.StartOptions{Env: env})
	if err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	rec := &Record{
		SessionID: sessionID,
		PipePath:  pipePath,
		Process:   proc,
		alive:     true,
	}

	m.mu.Lock()
	m.records[sessionID] = rec
	m.mu.Unlock()

	m.logger.Info("agent process started",
		zap.String("session_id", sessionID),
		zap.String("process_id", proc.ID()),
		zap.String("pipe", pipePath))

	go m.consume(rec)
	return nil
}

// agentCommand assembles `tail -f <pipe> | <agent> <args…>`.
func (m *Manager) agentCommand(quotedPipe string, extraArgs []string) (string, error) {
	agent := m.cfg.Command
	if agent == "" {
		agent = "claude"
	}
	parts := []string{agent}
	for _, arg := range append(append([]string{}, m.cfg.Args...), extraArgs...) {
		quoted, err := quote(arg)
		if err != nil {
			return "", fmt.Errorf("agent argument: %w", err)
		}
		parts = append(parts, quoted)
	}
	return fmt.Sprintf("tail -f %s | %s", quotedPipe, strings.Join(parts, " ")), nil
}

// consume reads the process stdout to exhaustion, routing every chunk
// through the session's parser and publishing parsed plus derived events.
// A stream that ends before a result becomes an error event and the session
// is marked dead; an intentional kill ends the stream silently.
func (m *Manager) consume(rec *Record) {
	ctx := context.Background()
	parser := agentstream.NewParser(m.logger)
	sawResult := false

	stdout := rec.Process.Stdout()
	buf := make([]byte, 32*1024)
	var streamErr error
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			m.dispatch(ctx, rec.SessionID, parser.Parse(buf[:n]), &sawResult)
		}
		if readErr != nil {
			if readErr != io.EOF {
				streamErr = readErr
			}
			m.dispatch(ctx, rec.SessionID, parser.Flush(), &sawResult)
			break
		}
	}

	rec.markDead()

	if sawResult || rec.wasKilled() {
		m.logger.Debug("agent stream ended",
			zap.String("session_id", rec.SessionID),
			zap.Bool("saw_result", sawResult),
			zap.Int("lines", parser.LineCount()))
		return
	}

	// Stream closed before a terminal result: surface a session error. A
	// read error carries the cause to the client; plain EOF gets the
	// generic message.
	message := "agent process stream ended unexpectedly"
	if streamErr != nil {
		message = streamErr.Error()
	}
	m.logger.Warn("agent stream ended without result",
		zap.String("session_id", rec.SessionID),
		zap.Error(streamErr),
		zap.Int("lines", parser.LineCount()))
	m.publishError(ctx, rec.SessionID, message)
}

func (m *Manager) dispatch(ctx context.Context, sessionID string, parsed []*agentstream.Event, sawResult *bool) {
	for _, ev := range parsed {
		m.publish(ctx, events.KindOutput, sessionID, json.RawMessage(ev.Raw))

		one := []*agentstream.Event{ev}
		for _, todo := range agentstream.ExtractTodoUpdates(one) {
			m.publish(ctx, events.KindTodo, sessionID, events.TodoPayload{
				SessionID: sessionID,
				Todos:     convertTodos(todo.Todos),
			})
		}
		for _, plan := range agentstream.ExtractPlanUpdates(one) {
			m.publish(ctx, events.KindPlan, sessionID, events.PlanPayload{
				SessionID: sessionID,
				Plan:      plan.Plan,
				FilePath:  plan.FilePath,
			})
		}
		for _, tool := range agentstream.ExtractToolUses(one) {
			m.publish(ctx, events.KindTool, sessionID, events.ToolUsePayload{
				SessionID: sessionID,
				ID:        tool.ID,
				Name:      tool.Name,
				Input:     tool.Input,
			})
		}

		if ev.Type == agentstream.EventTypeResult {
			*sawResult = true
			payload := events.ResultPayload{
				SessionID:    sessionID,
				Subtype:      ev.Subtype,
				IsError:      ev.IsError,
				DurationMS:   ev.DurationMS,
				NumTurns:     ev.NumTurns,
				TotalCostUSD: ev.TotalCostUSD,
				Result:       ev.ResultText(),
			}
			if ev.Usage != nil {
				payload.InputTokens = ev.Usage.InputTokens
				payload.OutputTokens = ev.Usage.OutputTokens
			}
			m.publish(ctx, events.KindResult, sessionID, payload)
		}
	}
}

func (m *Manager) publish(ctx context.Context, kind, sessionID string, payload any) {
	event, err := bus.NewEvent(kind, sessionID, payload)
	if err != nil {
		m.logger.Error("failed to build event",
			zap.String("kind", kind),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, events.Key(kind, sessionID), event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("kind", kind),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (m *Manager) publishError(ctx context.Context, sessionID, message string) {
	m.publish(ctx, events.KindError, sessionID, events.ErrorPayload{
		SessionID: sessionID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// Write appends one user message as a JSON line to the session's input pipe.
// Writing to a session without a live process fails fast with
// ErrProcessDead so the caller can restart and retry.
func (m *Manager) Write(ctx context.Context, sessionID, text string) error {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	m.mu.Unlock()
	if !ok || !rec.Alive() {
		return fmt.Errorf("session %s: %w", sessionID, ErrProcessDead)
	}

	line, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	command, err := appendLineCommand(rec.PipePath, string(line))
	if err != nil {
		return fmt.Errorf("build pipe write: %w", err)
	}

	res, err := m.sandbox.Exec(ctx, command, sandbox.ExecOptions{Timeout: pipeWriteTimeout})
	if err != nil {
		rec.markDead()
		return fmt.Errorf("session %s: pipe write failed: %w", sessionID, ErrProcessDead)
	}
	if res.ExitCode != 0 {
		rec.markDead()
		return fmt.Errorf("session %s: pipe write exited %d: %w", sessionID, res.ExitCode, ErrProcessDead)
	}
	return nil
}

// Kill terminates the session's process. Tolerant of already-dead processes;
// other sessions' processes are unaffected.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	delete(m.records, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	rec.markKilled()
	if err := rec.Process.Kill(ctx); err != nil {
		m.logger.Warn("failed to kill agent process",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	quotedPipe, err := quote(rec.PipePath)
	if err == nil {
		_, _ = m.sandbox.Exec(ctx, "rm -f "+quotedPipe, sandbox.ExecOptions{Timeout: pipeSetupTimeout})
	}
	return nil
}

// IsAlive reports whether the session has a live process.
func (m *Manager) IsAlive(sessionID string) bool {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	m.mu.Unlock()
	return ok && rec.Alive()
}

// GetProcess returns the record for a session.
func (m *Manager) GetProcess(sessionID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	return rec, ok
}

// Shutdown kills every tracked process.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Kill(ctx, id)
	}
}

func convertTodos(in []agentstream.TodoItem) []events.TodoItem {
	out := make([]events.TodoItem, 0, len(in))
	for _, t := range in {
		out = append(out, events.TodoItem{
			Content:    t.Content,
			Status:     t.Status,
			ActiveForm: t.ActiveForm,
		})
	}
	return out
}

// quote single-quotes a value for embedding in a shell command.
func quote(value string) (string, error) {
	if strings.ContainsRune(value, 0) {
		return "", fmt.Errorf("value contains null byte")
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'", nil
}

// appendLineCommand writes one line to a pipe without shell interpretation
// of the line content.
func appendLineCommand(path, line string) (string, error) {
	quotedLine, err := quote(line)
	if err != nil {
		return "", err
	}
	quotedPath, err := quote(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("printf '%%s\\n' %s >> %s", quotedLine, quotedPath), nil
}
