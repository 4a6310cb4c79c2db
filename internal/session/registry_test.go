package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/events"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/internal/sandbox"
	"github.com/batondev/baton/internal/session/process"
	"github.com/batondev/baton/internal/session/store"
	v1 "github.com/batondev/baton/pkg/api/v1"
)

type registryFixture struct {
	registry *Registry
	sandbox  *sandbox.Fake
	bus      *bus.MemoryEventBus
	store    store.Store
}

func newRegistryFixture(t *testing.T, cfg config.RegistryConfig) *registryFixture {
	t.Helper()
	log := testLogger(t)
	fakeSandbox := sandbox.NewFake()
	eventBus := bus.NewMemoryEventBus(log)
	st := store.NewMemory()
	procs := process.NewManager(fakeSandbox, eventBus, config.AgentConfig{Command: "claude"}, log)

	reg, err := NewRegistry(cfg, st, eventBus, procs, fakeSandbox, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })

	return &registryFixture{registry: reg, sandbox: fakeSandbox, bus: eventBus, store: st}
}

func TestRegistry_CreateSessionDefaults(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})

	sess, err := f.registry.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, v1.SessionStatusActive, sess.Status)
	assert.Equal(t, v1.PermissionModeDefault, sess.PermissionMode)
	assert.False(t, sess.CreatedAt.IsZero())

	// Persisted immediately.
	rec, err := f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, rec.Session.ID)
}

func TestRegistry_CreateSessionValidatesBeforeSideEffects(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{UnknownFieldMode: "strict"})

	_, err := f.registry.CreateSession(context.Background(), json.RawMessage(`{"maxTurns": -1}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	recs, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRegistry_SecretsNeverPersist(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})

	raw := json.RawMessage(`{"apiKey": "sk-secret", "env": {"TOKEN": "abc"}}`)
	sess, err := f.registry.CreateSession(context.Background(), raw)
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.Options)
	assert.Empty(t, rec.Options.APIKey)
	assert.Empty(t, rec.Options.Env)
}

func TestRegistry_ConcurrentCreates(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{MaxSessions: 100})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.CreateSession(context.Background(), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sessions, err := f.registry.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, n)

	seen := make(map[string]bool, n)
	for _, sess := range sessions {
		assert.False(t, seen[sess.ID], "duplicate session id %s", sess.ID)
		seen[sess.ID] = true
	}
}

func TestRegistry_GetSessionUnknownReturnsNil(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})

	sess, err := f.registry.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestRegistry_ResumeUnknownFails(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})

	_, err := f.registry.ResumeSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_DestroyIsIdempotent(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, f.registry.DestroySession(ctx, sess.ID))
	got, err := f.registry.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Second destroy succeeds too.
	require.NoError(t, f.registry.DestroySession(ctx, sess.ID))
	// Destroying a never-existing id succeeds.
	require.NoError(t, f.registry.DestroySession(ctx, "never-existed"))
}

func TestRegistry_SendMessageStartsProcessAndWritesPipe(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, json.RawMessage(`{"model": "claude-sonnet-4-5"}`))
	require.NoError(t, err)

	require.NoError(t, f.registry.SendMessage(ctx, sess.ID, "hello agent"))

	// Pipe creation and agent launch both reference the session-scoped pipe.
	mkfifo, ok := f.sandbox.CommandContaining("mkfifo")
	require.True(t, ok)
	assert.Contains(t, mkfifo, "claude_input_"+sess.ID)

	start, ok := f.sandbox.CommandContaining("tail -f")
	require.True(t, ok)
	assert.Contains(t, start, "claude")
	assert.Contains(t, start, "--model")
	assert.Contains(t, start, "claude-sonnet-4-5")

	// The message went to the pipe as one JSON line.
	write, ok := f.sandbox.CommandContaining("printf")
	require.True(t, ok)
	assert.Contains(t, write, "hello agent")
	assert.Contains(t, write, "claude_input_"+sess.ID)
}

func TestRegistry_BudgetOptionsReachAgentCommand(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, json.RawMessage(`{"maxTurns": 3, "maxBudgetUsd": 2.5, "maxThinkingTokens": 8000}`))
	require.NoError(t, err)

	require.NoError(t, f.registry.SendMessage(ctx, sess.ID, "hello"))

	start, ok := f.sandbox.CommandContaining("tail -f")
	require.True(t, ok)
	assert.Contains(t, start, "'--max-turns' '3'")
	assert.Contains(t, start, "'--max-budget-usd' '2.5'")
	assert.Contains(t, start, "'--max-thinking-tokens' '8000'")
}

func TestRegistry_SendMessageUnknownSession(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	err := f.registry.SendMessage(context.Background(), "nope", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SendMessageRestartsDeadProcess(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.registry.SendMessage(ctx, sess.ID, "first"))

	first := f.sandbox.LastProcess()
	require.NotNil(t, first)
	first.Exit(0)
	require.Eventually(t, func() bool {
		return len(f.sandbox.Processes()) == 1 && !first.Killed()
	}, time.Second, 10*time.Millisecond)

	// Wait for liveness to settle, then send again: a fresh process starts.
	require.Eventually(t, func() bool {
		err := f.registry.SendMessage(ctx, sess.ID, "second")
		return err == nil && len(f.sandbox.Processes()) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRegistry_ResultEventCompletesSession(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.registry.SendMessage(ctx, sess.ID, "do the thing"))

	proc := f.sandbox.LastProcess()
	require.NotNil(t, proc)
	proc.EmitLine(`{"type":"system","subtype":"init","session_id":"agent-xyz"}`)
	proc.EmitLine(`{"type":"result","subtype":"success","num_turns":2,"total_cost_usd":0.05,"usage":{"input_tokens":100,"output_tokens":50},"result":"done"}`)
	proc.Exit(0)

	require.Eventually(t, func() bool {
		got, err := f.registry.GetSession(ctx, sess.ID)
		return err == nil && got != nil && got.Status == v1.SessionStatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	got, err := f.registry.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TurnCount)
	assert.Equal(t, 0.05, got.TotalCostUSD)
	assert.Equal(t, int64(100), got.Usage.InputTokens)
	assert.Equal(t, int64(50), got.Usage.OutputTokens)
	assert.Equal(t, "agent-xyz", got.AgentSessionID)
}

func TestRegistry_StreamErrorMarksSessionError(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.registry.SendMessage(ctx, sess.ID, "hello"))

	proc := f.sandbox.LastProcess()
	require.NotNil(t, proc)
	// Stream ends without a result.
	proc.Exit(1)

	require.Eventually(t, func() bool {
		got, err := f.registry.GetSession(ctx, sess.ID)
		return err == nil && got != nil && got.Status == v1.SessionStatusError && got.Error != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRegistry_InterruptKillsAndEmitsInterruptedError(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.registry.SendMessage(ctx, sess.ID, "long task"))

	errCh := make(chan events.ErrorPayload, 1)
	sub, err := f.bus.Subscribe(events.ErrorKey(sess.ID), func(ctx context.Context, event *bus.Event) error {
		var payload events.ErrorPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		errCh <- payload
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, f.registry.Interrupt(ctx, sess.ID))

	select {
	case payload := <-errCh:
		assert.True(t, payload.Interrupted)
	case <-time.After(time.Second):
		t.Fatal("no interrupted error event")
	}

	got, err := f.registry.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusInterrupted, got.Status)

	proc := f.sandbox.LastProcess()
	require.NotNil(t, proc)
	assert.True(t, proc.Killed())
}

func TestRegistry_SetPermissionMode(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	sess, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, f.registry.SetPermissionMode(ctx, sess.ID, v1.PermissionModePlan))
	got, err := f.registry.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.PermissionModePlan, got.PermissionMode)

	err = f.registry.SetPermissionMode(ctx, sess.ID, "yolo")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRegistry_SupportedModels(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})

	models := f.registry.SupportedModels()
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.NotEmpty(t, m.ID)
		assert.NotEmpty(t, m.DisplayName)
		assert.Positive(t, m.ContextWindow)
	}
}

func TestRegistry_MCPServerStatusProjection(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	raw := json.RawMessage(`{"mcpServers": {
		"files": {"command": "mcp-files"},
		"search": {"type": "http", "url": "https://example.com/mcp"}
	}}`)
	sess, err := f.registry.CreateSession(ctx, raw)
	require.NoError(t, err)

	statuses, err := f.registry.MCPServerStatus(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "files", statuses[0].Name)
	assert.Equal(t, v1.MCPServerPending, statuses[0].Status)
	assert.Equal(t, "search", statuses[1].Name)
}

func TestRegistry_MCPConfigWrittenViaHeredoc(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	raw := json.RawMessage(`{"mcpServers": {"files": {"command": "mcp-files", "env": {"ROOT": "$HOME/data"}}}}`)
	sess, err := f.registry.CreateSession(ctx, raw)
	require.NoError(t, err)
	require.NoError(t, f.registry.SendMessage(ctx, sess.ID, "go"))

	write, ok := f.sandbox.CommandContaining("baton_mcp_")
	require.True(t, ok)
	assert.Contains(t, write, "<<'BATON_EOF'")
	// Quoted delimiter: $HOME survives into the config byte-for-byte.
	assert.Contains(t, write, "$HOME/data")

	start, ok := f.sandbox.CommandContaining("tail -f")
	require.True(t, ok)
	assert.Contains(t, start, "--mcp-config")
}

func TestRegistry_EvictionKeepsPersistedSessions(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{MaxSessions: 3})
	ctx := context.Background()

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		sess, err := f.registry.CreateSession(ctx, nil)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	stats, err := f.registry.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.CacheSize, 3)
	assert.Positive(t, stats.Evictions)

	// Every session, evicted or not, is still reachable.
	for _, id := range ids {
		got, err := f.registry.GetSession(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got, "session %s lost after eviction", id)
	}
}

func TestRegistry_ProcessIsolationAcrossSessions(t *testing.T) {
	f := newRegistryFixture(t, config.RegistryConfig{})
	ctx := context.Background()

	a, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)
	b, err := f.registry.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, f.registry.SendMessage(ctx, a.ID, "for a"))
	require.NoError(t, f.registry.SendMessage(ctx, b.ID, "for b"))

	// Each write targets its own session's pipe.
	for _, cmd := range f.sandbox.Commands() {
		if !strings.Contains(cmd, "printf") {
			continue
		}
		if strings.Contains(cmd, "for a") {
			assert.Contains(t, cmd, "claude_input_"+a.ID)
			assert.NotContains(t, cmd, "claude_input_"+b.ID)
		}
		if strings.Contains(cmd, "for b") {
			assert.Contains(t, cmd, "claude_input_"+b.ID)
		}
	}

	// Interrupting A leaves B's process alone.
	require.NoError(t, f.registry.Interrupt(ctx, a.ID))
	procs := f.sandbox.Processes()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].Killed())
	assert.False(t, procs[1].Killed())
}
