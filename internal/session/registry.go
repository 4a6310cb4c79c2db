// Package session implements the session registry: the persisted map from
// session id to session state, the option validation in front of it, and the
// lifecycle operations the RPC facade exposes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/internal/sandbox"
	"github.com/batondev/baton/internal/session/cache"
	"github.com/batondev/baton/internal/session/process"
	"github.com/batondev/baton/internal/session/store"
	"github.com/batondev/baton/pkg/agentstream"
	v1 "github.com/batondev/baton/pkg/api/v1"
)

// ErrNotFound is returned for operations on unknown session ids.
var ErrNotFound = store.ErrNotFound

// Prober checks whether a configured MCP server is reachable.
type Prober interface {
	Probe(ctx context.Context, cfg v1.MCPServerConfig) v1.MCPServerState
}

// state is the in-memory record for one session.
type state struct {
	Session *v1.Session
	Options *v1.SessionOptions
}

// Registry owns all session state. Every mutation takes the registry mutex,
// produces the new state, persists it, and only then publishes derived
// events. Reads serve the last committed snapshot.
type Registry struct {
	mu      sync.Mutex
	cache   *cache.Cache[*state]
	store   store.Store
	bus     bus.EventBus
	procs   *process.Manager
	sandbox sandbox.Sandbox
	prober  Prober
	logger  *logger.Logger

	unknownMode UnknownFieldMode
	models      []v1.ModelInfo

	subs []bus.Subscription
}

// NewRegistry builds a registry and attaches its bus watchers. The prober
// may be nil, in which case MCP servers stay pending.
func NewRegistry(
	cfg config.RegistryConfig,
	st store.Store,
	eventBus bus.EventBus,
	procs *process.Manager,
	sb sandbox.Sandbox,
	prober Prober,
	log *logger.Logger,
) (*Registry, error) {
	models, err := loadModelCatalog()
	if err != nil {
		return nil, err
	}

	mode := UnknownFieldMode(cfg.UnknownFieldMode)
	switch mode {
	case UnknownFieldStrict, UnknownFieldWarn, UnknownFieldSilent:
	case "":
		mode = UnknownFieldWarn
	default:
		return nil, fmt.Errorf("unknown field mode %q", cfg.UnknownFieldMode)
	}

	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 100
	}

	r := &Registry{
		store:       st,
		bus:         eventBus,
		procs:       procs,
		sandbox:     sb,
		prober:      prober,
		logger:      log.WithComponent("session_registry"),
		unknownMode: mode,
		models:      models,
	}

	opts := []cache.Option[*state]{
		cache.WithOnEvict[*state](r.onEvict),
	}
	if cfg.EvictCount > 0 {
		opts = append(opts, cache.WithEvictCount[*state](cfg.EvictCount))
	}
	r.cache = cache.New[*state](maxSessions, opts...)

	if err := r.watch(); err != nil {
		return nil, err
	}
	return r, nil
}

// watch subscribes to all sessions' terminal events so stream results and
// failures land in the registry regardless of which session produced them.
func (r *Registry) watch() error {
	resultSub, err := r.bus.Subscribe(events.Wildcard(events.KindResult), r.onResultEvent)
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	errorSub, err := r.bus.Subscribe(events.Wildcard(events.KindError), r.onErrorEvent)
	if err != nil {
		_ = resultSub.Unsubscribe()
		return fmt.Errorf("subscribe errors: %w", err)
	}
	outputSub, err := r.bus.Subscribe(events.Wildcard(events.KindOutput), r.onOutputEvent)
	if err != nil {
		_ = resultSub.Unsubscribe()
		_ = errorSub.Unsubscribe()
		return fmt.Errorf("subscribe output: %w", err)
	}
	r.subs = []bus.Subscription{resultSub, errorSub, outputSub}
	return nil
}

// Close detaches bus watchers and kills all live processes.
func (r *Registry) Close(ctx context.Context) {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.procs.Shutdown(ctx)
}

// onEvict runs when the LRU cache drops a session. The persisted record
// survives; only the live process goes away.
func (r *Registry) onEvict(sessionID string, st *state) {
	r.logger.Info("session evicted from cache", zap.String("session_id", sessionID))
	if r.procs.IsAlive(sessionID) {
		_ = r.procs.Kill(context.Background(), sessionID)
	}
}

// CreateSession validates options, builds a fresh session, persists it, and
// returns it. MCP servers are probed in the background after the session is
// committed.
func (r *Registry) CreateSession(ctx context.Context, rawOptions json.RawMessage) (*v1.Session, error) {
	opts, err := ParseOptions(rawOptions, r.unknownMode, r.logger)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &v1.Session{
		ID:              r.newSessionID(ctx),
		Status:          v1.SessionStatusActive,
		CreatedAt:       now,
		LastActivityAt:  now,
		Cwd:             opts.Cwd,
		Model:           opts.Model,
		FallbackModel:   opts.FallbackModel,
		SystemPrompt:    opts.SystemPrompt,
		Tools:           opts.Tools,
		AllowedTools:    opts.AllowedTools,
		DisallowedTools: opts.DisallowedTools,
		PermissionMode:  opts.PermissionMode,
	}
	if sess.PermissionMode == "" {
		sess.PermissionMode = v1.PermissionModeDefault
	}

	names := make([]string, 0, len(opts.MCPServers))
	for name := range opts.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sess.MCPServers = append(sess.MCPServers, v1.MCPServer{
			Name:   name,
			Config: opts.MCPServers[name],
			Status: v1.MCPServerPending,
		})
	}

	st := &state{Session: sess, Options: opts}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Set(sess.ID, st)
	if err := r.persistLocked(ctx, st); err != nil {
		r.cache.Delete(sess.ID)
		return nil, err
	}
	r.publishStatus(ctx, sess.ID, sess.Status)

	if r.prober != nil && len(sess.MCPServers) > 0 {
		go r.probeMCPServers(sess.ID)
	}

	r.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("model", sess.Model))
	return cloneSession(sess), nil
}

// newSessionID generates a collision-free id.
func (r *Registry) newSessionID(ctx context.Context) string {
	for {
		id := uuid.New().String()
		if r.cache.Has(id) {
			continue
		}
		if _, err := r.store.Get(ctx, id); err == nil {
			continue
		}
		return id
	}
}

// GetSession returns the session, or nil when unknown. Evicted sessions
// reload from the store.
func (r *Registry) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	st, err := r.loadState(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return cloneSession(st.Session), nil
}

// ResumeSession transitions a session back to active.
func (r *Registry) ResumeSession(ctx context.Context, id string) (*v1.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.loadStateLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Session.Status = v1.SessionStatusActive
	st.Session.LastActivityAt = time.Now().UTC()
	if err := r.persistLocked(ctx, st); err != nil {
		return nil, err
	}
	r.publishStatus(ctx, id, st.Session.Status)
	return cloneSession(st.Session), nil
}

// ListSessions returns a snapshot of all persisted sessions.
func (r *Registry) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Session)
	}
	return out, nil
}

// DestroySession kills any live process and removes the session. Idempotent:
// destroying an unknown or already-destroyed id succeeds.
func (r *Registry) DestroySession(ctx context.Context, id string) error {
	_ = r.procs.Kill(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(id)
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("session destroyed", zap.String("session_id", id))
	return nil
}

// SendMessage delivers one user message to the session's agent process,
// starting the process first when none is alive. The activity timestamp is
// committed under the mutex; the pipe write happens outside it so sends to
// different sessions do not serialize on each other.
func (r *Registry) SendMessage(ctx context.Context, id, text string) error {
	r.mu.Lock()
	st, err := r.loadStateLocked(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	st.Session.LastActivityAt = time.Now().UTC()
	st.Session.Status = v1.SessionStatusActive
	if err := r.persistLocked(ctx, st); err != nil {
		r.mu.Unlock()
		return err
	}
	startArgs := r.agentArgs(st)
	env := r.agentEnv(st)
	mcpServers := append([]v1.MCPServer(nil), st.Session.MCPServers...)
	r.mu.Unlock()

	if !r.procs.IsAlive(id) {
		if err := r.startProcess(ctx, id, mcpServers, env, startArgs); err != nil {
			return err
		}
	}

	err = r.procs.Write(ctx, id, text)
	if err == nil {
		return nil
	}
	if !isProcessDead(err) {
		return err
	}

	// Dead pipe: restart once and retry.
	r.logger.Warn("pipe write failed, restarting agent process",
		zap.String("session_id", id))
	_ = r.procs.Kill(ctx, id)
	if err := r.startProcess(ctx, id, mcpServers, env, startArgs); err != nil {
		return err
	}
	return r.procs.Write(ctx, id, text)
}

func isProcessDead(err error) bool {
	return errors.Is(err, process.ErrProcessDead)
}

// startProcess writes the MCP config (if any) and launches the agent.
func (r *Registry) startProcess(ctx context.Context, id string, mcpServers []v1.MCPServer, env map[string]string, args []string) error {
	if len(mcpServers) > 0 {
		path, err := r.writeMCPConfig(ctx, id, mcpServers)
		if err != nil {
			return fmt.Errorf("write mcp config: %w", err)
		}
		args = append(args, "--mcp-config", path)
	}
	if err := r.procs.Start(ctx, id, env, "", args...); err != nil {
		return err
	}
	return nil
}

// writeMCPConfig renders the session's MCP servers as the agent's JSON
// config file inside the sandbox. The file is written through a quoted
// here-document so its content passes byte-for-byte.
func (r *Registry) writeMCPConfig(ctx context.Context, id string, mcpServers []v1.MCPServer) (string, error) {
	servers := make(map[string]v1.MCPServerConfig, len(mcpServers))
	for _, s := range mcpServers {
		servers[s.Name] = s.Config
	}
	content, err := json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
	if err != nil {
		return "", err
	}

	path := "/tmp/baton_mcp_" + id + ".json"
	command, err := heredocWriteCommand(path, string(content))
	if err != nil {
		return "", err
	}
	res, err := r.sandbox.Exec(ctx, command, sandbox.ExecOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("config write exited %d: %s", res.ExitCode, res.Stderr)
	}
	return path, nil
}

// agentArgs builds the per-session agent command arguments.
func (r *Registry) agentArgs(st *state) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	sess := st.Session
	if sess.Model != "" {
		args = append(args, "--model", sess.Model)
	}
	if sess.FallbackModel != "" {
		args = append(args, "--fallback-model", sess.FallbackModel)
	}
	if sess.PermissionMode != "" && sess.PermissionMode != v1.PermissionModeDefault {
		args = append(args, "--permission-mode", string(sess.PermissionMode))
	}
	if len(sess.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(sess.AllowedTools, ","))
	}
	if len(sess.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(sess.DisallowedTools, ","))
	}
	if opts := st.Options; opts != nil {
		if opts.MaxTurns != nil {
			args = append(args, "--max-turns", fmt.Sprintf("%d", *opts.MaxTurns))
		}
		if opts.MaxBudgetUSD != nil {
			args = append(args, "--max-budget-usd", strconv.FormatFloat(*opts.MaxBudgetUSD, 'f', -1, 64))
		}
		if opts.MaxThinkingTokens != nil {
			args = append(args, "--max-thinking-tokens", fmt.Sprintf("%d", *opts.MaxThinkingTokens))
		}
		if opts.AllowDangerouslySkipPermissions {
			args = append(args, "--dangerously-skip-permissions")
		}
		if opts.Resume != "" {
			args = append(args, "--resume", opts.Resume)
		} else if sess.AgentSessionID != "" {
			args = append(args, "--resume", sess.AgentSessionID)
		}
		if opts.Continue {
			args = append(args, "--continue")
		}
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
		if opts.IncludePartialMessages {
			args = append(args, "--include-partial-messages")
		}
	}
	if sess.Cwd != "" {
		args = append(args, "--cwd", sess.Cwd)
	}
	if sess.SystemPrompt != nil {
		if sess.SystemPrompt.Text != "" {
			args = append(args, "--system-prompt", sess.SystemPrompt.Text)
		}
		if sess.SystemPrompt.Append != "" {
			args = append(args, "--append-system-prompt", sess.SystemPrompt.Append)
		}
	}
	return args
}

// agentEnv builds the child process environment. Secrets live only here;
// they are never persisted.
func (r *Registry) agentEnv(st *state) map[string]string {
	env := make(map[string]string)
	if st.Options != nil {
		for k, v := range st.Options.Env {
			env[k] = v
		}
		if st.Options.APIKey != "" {
			env["ANTHROPIC_API_KEY"] = st.Options.APIKey
		}
	}
	return env
}

// Interrupt kills the live process and marks the session interrupted. The
// error event carries an interrupted indication so callback-scoped sends in
// flight resolve through their error path.
func (r *Registry) Interrupt(ctx context.Context, id string) error {
	r.mu.Lock()
	st, err := r.loadStateLocked(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	st.Session.Status = v1.SessionStatusInterrupted
	st.Session.LastActivityAt = time.Now().UTC()
	if err := r.persistLocked(ctx, st); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	_ = r.procs.Kill(ctx, id)

	r.publishStatus(ctx, id, v1.SessionStatusInterrupted)
	event, err := bus.NewEvent(events.KindError, id, events.ErrorPayload{
		SessionID:   id,
		Message:     "session interrupted",
		Interrupted: true,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, events.ErrorKey(id), event)
}

// SetPermissionMode updates the session's permission gating mode. It applies
// to the next process start.
func (r *Registry) SetPermissionMode(ctx context.Context, id string, mode v1.PermissionMode) error {
	if !validPermissionMode(mode) {
		return &ValidationError{Field: "permissionMode", Reason: "must be one of: default, acceptEdits, bypassPermissions, plan"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.loadStateLocked(ctx, id)
	if err != nil {
		return err
	}
	st.Session.PermissionMode = mode
	return r.persistLocked(ctx, st)
}

// SupportedModels returns the static model catalog.
func (r *Registry) SupportedModels() []v1.ModelInfo {
	out := make([]v1.ModelInfo, len(r.models))
	copy(out, r.models)
	return out
}

// MCPServerStatus projects the session's MCP servers to name/status pairs.
func (r *Registry) MCPServerStatus(ctx context.Context, id string) ([]v1.MCPServerStatus, error) {
	st, err := r.loadState(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]v1.MCPServerStatus, 0, len(st.Session.MCPServers))
	for _, s := range st.Session.MCPServers {
		out = append(out, v1.MCPServerStatus{Name: s.Name, Status: s.Status})
	}
	return out, nil
}

// Stats reports cache behavior and session counts by status.
func (r *Registry) Stats(ctx context.Context) (*v1.RegistryStats, error) {
	cs := r.cache.Stats()
	stats := &v1.RegistryStats{
		CacheSize:   cs.Size,
		MaxSessions: cs.MaxSessions,
		Hits:        cs.Hits,
		Misses:      cs.Misses,
		Evictions:   cs.Evictions,
		ByStatus:    make(map[v1.SessionStatus]int),
	}
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		stats.ByStatus[rec.Session.Status]++
	}
	return stats, nil
}

// probeMCPServers checks each configured server and commits the outcome.
func (r *Registry) probeMCPServers(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := r.loadState(ctx, id)
	if err != nil {
		return
	}
	var resultsMu sync.Mutex
	results := make(map[string]v1.MCPServerState, len(st.Session.MCPServers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range st.Session.MCPServers {
		g.Go(func() error {
			status := r.prober.Probe(gctx, s.Config)
			resultsMu.Lock()
			results[s.Name] = status
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	st, err = r.loadStateLocked(ctx, id)
	if err != nil {
		return
	}
	for i := range st.Session.MCPServers {
		if status, ok := results[st.Session.MCPServers[i].Name]; ok {
			st.Session.MCPServers[i].Status = status
		}
	}
	if err := r.persistLocked(ctx, st); err != nil {
		r.logger.Error("failed to persist mcp probe results",
			zap.String("session_id", id),
			zap.Error(err))
	}
}

// onResultEvent folds a terminal result into the session: usage counters,
// turn count, cost, and the status transition out of active.
func (r *Registry) onResultEvent(ctx context.Context, event *bus.Event) error {
	var payload events.ResultPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.loadStateLocked(ctx, event.SessionID)
	if err != nil {
		return nil // session destroyed mid-stream
	}

	sess := st.Session
	sess.TurnCount += payload.NumTurns
	sess.TotalCostUSD += payload.TotalCostUSD
	sess.Usage.InputTokens += payload.InputTokens
	sess.Usage.OutputTokens += payload.OutputTokens
	sess.LastActivityAt = time.Now().UTC()
	if payload.IsError {
		sess.Status = v1.SessionStatusError
		sess.Error = &v1.SessionError{
			Message:   payload.Result,
			Code:      payload.Subtype,
			Timestamp: time.Now().UTC(),
		}
	} else {
		sess.Status = v1.SessionStatusCompleted
		sess.Error = nil
	}
	if err := r.persistLocked(ctx, st); err != nil {
		return err
	}
	r.publishStatus(ctx, sess.ID, sess.Status)
	return nil
}

// onErrorEvent records a stream failure. Interrupt-origin errors were
// already committed by Interrupt and pass through untouched.
func (r *Registry) onErrorEvent(ctx context.Context, event *bus.Event) error {
	var payload events.ErrorPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if payload.Interrupted {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.loadStateLocked(ctx, event.SessionID)
	if err != nil {
		return nil
	}
	st.Session.Status = v1.SessionStatusError
	st.Session.Error = &v1.SessionError{
		Message:   payload.Message,
		Code:      payload.Code,
		Timestamp: payload.Timestamp,
	}
	if err := r.persistLocked(ctx, st); err != nil {
		return err
	}
	r.publishStatus(ctx, event.SessionID, v1.SessionStatusError)
	return nil
}

// onOutputEvent captures the agent's own session id from the stream's init
// event; everything else passes through.
func (r *Registry) onOutputEvent(ctx context.Context, event *bus.Event) error {
	var raw agentstream.Event
	if err := event.Decode(&raw); err != nil {
		return nil
	}
	if raw.Type != agentstream.EventTypeSystem || raw.Subtype != agentstream.SubtypeInit || raw.SessionID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.loadStateLocked(ctx, event.SessionID)
	if err != nil {
		return nil
	}
	if st.Session.AgentSessionID == raw.SessionID {
		return nil
	}
	st.Session.AgentSessionID = raw.SessionID
	return r.persistLocked(ctx, st)
}

// loadState fetches a session, reloading evicted entries from the store.
func (r *Registry) loadState(ctx context.Context, id string) (*state, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadStateLocked(ctx, id)
}

func (r *Registry) loadStateLocked(ctx context.Context, id string) (*state, error) {
	if st, ok := r.cache.Get(id); ok {
		return st, nil
	}
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &state{Session: rec.Session, Options: rec.Options}
	r.cache.Set(id, st)
	return st, nil
}

// persistLocked writes the session to the store, stripping secrets from the
// persisted options copy.
func (r *Registry) persistLocked(ctx context.Context, st *state) error {
	rec := &store.Record{Session: st.Session}
	if st.Options != nil {
		opts := *st.Options
		opts.Env = nil
		opts.APIKey = ""
		rec.Options = &opts
	}
	return r.store.Save(ctx, rec)
}

func (r *Registry) publishStatus(ctx context.Context, id string, status v1.SessionStatus) {
	event, err := bus.NewEvent(events.KindStatus, id, events.StatusPayload{
		SessionID: id,
		Status:    string(status),
	})
	if err != nil {
		r.logger.Error("failed to build status event", zap.Error(err))
		return
	}
	if err := r.bus.Publish(ctx, events.StatusKey(id), event); err != nil {
		r.logger.Error("failed to publish status event",
			zap.String("session_id", id),
			zap.Error(err))
	}
}

func cloneSession(sess *v1.Session) *v1.Session {
	data, err := json.Marshal(sess)
	if err != nil {
		cp := *sess
		return &cp
	}
	var out v1.Session
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *sess
		return &cp
	}
	return &out
}
