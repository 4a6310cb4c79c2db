package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/internal/sandbox"
	"github.com/batondev/baton/internal/session"
	"github.com/batondev/baton/internal/session/process"
	"github.com/batondev/baton/internal/session/store"
	v1 "github.com/batondev/baton/pkg/api/v1"
	"github.com/batondev/baton/pkg/rpc"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type facadeFixture struct {
	facade     *Facade
	dispatcher *rpc.Dispatcher
	sandbox    *sandbox.Fake
	bus        *bus.MemoryEventBus
	registry   *session.Registry
}

func newFacadeFixture(t *testing.T) *facadeFixture {
	t.Helper()
	log := testLogger(t)
	fakeSandbox := sandbox.NewFake()
	eventBus := bus.NewMemoryEventBus(log)
	st := store.NewMemory()
	procs := process.NewManager(fakeSandbox, eventBus, config.AgentConfig{Command: "claude"}, log)

	reg, err := session.NewRegistry(config.RegistryConfig{}, st, eventBus, procs, fakeSandbox, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })

	dispatcher := rpc.NewDispatcher()
	facade := NewFacade(reg, eventBus, config.RPCConfig{ResultTimeout: 5}, dispatcher, log)
	return &facadeFixture{
		facade:     facade,
		dispatcher: dispatcher,
		sandbox:    fakeSandbox,
		bus:        eventBus,
		registry:   reg,
	}
}

// recordingCaps collects one-way capability invocations.
type recordingCaps struct {
	mu    sync.Mutex
	calls []capCall
}

type capCall struct {
	capID  string
	method string
	args   []any
}

func (r *recordingCaps) InvokeCap(capID, method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, capCall{capID: capID, method: method, args: args})
}

func (r *recordingCaps) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, call := range r.calls {
		out = append(out, call.method)
	}
	return out
}

func (r *recordingCaps) byMethod(method string) []capCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []capCall
	for _, call := range r.calls {
		if call.method == method {
			out = append(out, call)
		}
	}
	return out
}

func dispatch(t *testing.T, f *facadeFixture, caps rpc.CapInvoker, method string, args ...any) *rpc.Frame {
	t.Helper()
	wireArgs, err := rpc.MarshalArgs(args...)
	require.NoError(t, err)
	return f.dispatcher.Dispatch(context.Background(), &rpc.Frame{ID: "test", Method: method, Args: wireArgs}, caps)
}

func createSession(t *testing.T, f *facadeFixture, options any) *v1.Session {
	t.Helper()
	resp := dispatch(t, f, nil, "createSession", options)
	require.Nil(t, resp.Error)
	var sess v1.Session
	require.NoError(t, json.Unmarshal(resp.Result, &sess))
	return &sess
}

// resultLine builds a mock agent result event for the fake process stream.
func resultLine(text string) string {
	return fmt.Sprintf(`{"type":"result","subtype":"success","is_error":false,"num_turns":1,"total_cost_usd":0.01,"usage":{"input_tokens":10,"output_tokens":20},"result":%q}`, text)
}

// driveAgent waits for the session's process and plays the given lines
// through its stdout.
func driveAgent(t *testing.T, f *facadeFixture, lines ...string) {
	t.Helper()
	go func() {
		proc := f.sandbox.LastProcess()
		if proc == nil {
			return
		}
		for _, line := range lines {
			proc.EmitLine(line)
		}
	}()
}

func TestFacade_CreateGetDestroy(t *testing.T) {
	f := newFacadeFixture(t)

	sess := createSession(t, f, map[string]any{"model": "claude-sonnet-4-5"})
	assert.Equal(t, "claude-sonnet-4-5", sess.Model)

	resp := dispatch(t, f, nil, "getSession", sess.ID)
	require.Nil(t, resp.Error)
	var got v1.Session
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, sess.ID, got.ID)

	// Unknown ids resolve to null.
	resp = dispatch(t, f, nil, "getSession", "nope")
	require.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.Result))

	resp = dispatch(t, f, nil, "destroySession", sess.ID)
	require.Nil(t, resp.Error)
	resp = dispatch(t, f, nil, "destroySession", sess.ID)
	require.Nil(t, resp.Error, "destroy is idempotent")
}

func TestFacade_CreateSessionValidation(t *testing.T) {
	f := newFacadeFixture(t)

	resp := dispatch(t, f, nil, "createSession", map[string]any{"maxTurns": -1})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidArgument, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "maxTurns")
}

func TestFacade_NotFoundTaxonomy(t *testing.T) {
	f := newFacadeFixture(t)

	for _, tc := range []struct {
		method string
		args   []any
	}{
		{"resumeSession", []any{"nope"}},
		{"sendMessage", []any{"nope", "hello"}},
		{"interrupt", []any{"nope"}},
		{"setPermissionMode", []any{"nope", "plan"}},
		{"mcpServerStatus", []any{"nope"}},
	} {
		resp := dispatch(t, f, nil, tc.method, tc.args...)
		require.NotNil(t, resp.Error, tc.method)
		assert.Equal(t, rpc.CodeNotFound, resp.Error.Code, tc.method)
	}
}

func TestFacade_MissingArguments(t *testing.T) {
	f := newFacadeFixture(t)

	resp := dispatch(t, f, nil, "getSession")
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidArgument, resp.Error.Code)

	resp = dispatch(t, f, nil, "sendMessage", "id-only")
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidArgument, resp.Error.Code)
}

func TestFacade_SupportedModels(t *testing.T) {
	f := newFacadeFixture(t)

	resp := dispatch(t, f, nil, "supportedModels")
	require.Nil(t, resp.Error)
	var models []v1.ModelInfo
	require.NoError(t, json.Unmarshal(resp.Result, &models))
	assert.NotEmpty(t, models)
}

func TestFacade_SendMessageWithCallbacks_CompleteFlow(t *testing.T) {
	f := newFacadeFixture(t)
	sess := createSession(t, f, nil)

	caps := &recordingCaps{}
	driveAgent(t, f,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}`,
		resultLine("all done"),
	)

	resp := dispatch(t, f, caps, "sendMessageWithCallbacks", sess.ID, "do it", rpc.EncodeCapRef("cap-1"))
	require.Nil(t, resp.Error)

	require.Eventually(t, func() bool {
		return len(caps.byMethod("onComplete")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, caps.byMethod("onMessage"))
	assert.Empty(t, caps.byMethod("onError"))

	// Terminal result folds into the session record.
	resp = dispatch(t, f, nil, "getSession", sess.ID)
	require.Nil(t, resp.Error)
	var got v1.Session
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, v1.SessionStatusCompleted, got.Status)
}

func TestFacade_SendMessageWithCallbacks_StreamError(t *testing.T) {
	f := newFacadeFixture(t)
	sess := createSession(t, f, nil)

	caps := &recordingCaps{}
	go func() {
		proc := f.sandbox.LastProcess()
		if proc != nil {
			proc.Exit(1) // stream ends before any result
		}
	}()

	resp := dispatch(t, f, caps, "sendMessageWithCallbacks", sess.ID, "do it", rpc.EncodeCapRef("cap-1"))
	require.NotNil(t, resp.Error)
	assert.Len(t, caps.byMethod("onError"), 1)
	assert.Empty(t, caps.byMethod("onComplete"))

	resp = dispatch(t, f, nil, "getSession", sess.ID)
	require.Nil(t, resp.Error)
	var got v1.Session
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, v1.SessionStatusError, got.Status)
	require.NotNil(t, got.Error)
	assert.NotEmpty(t, got.Error.Message)
}

func TestFacade_StreamErrorMessageReachesClient(t *testing.T) {
	f := newFacadeFixture(t)
	sess := createSession(t, f, nil)

	caps := &recordingCaps{}
	go func() {
		proc := f.sandbox.LastProcess()
		if proc != nil {
			proc.CloseStreamWithError(errors.New("broken pipe"))
		}
	}()

	resp := dispatch(t, f, caps, "sendMessageWithCallbacks", sess.ID, "do it", rpc.EncodeCapRef("cap-1"))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "broken pipe")

	errCalls := caps.byMethod("onError")
	require.Len(t, errCalls, 1)
	raw, err := json.Marshal(errCalls[0].args[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "broken pipe")

	// The cause lands on the session record, not just the live call.
	resp = dispatch(t, f, nil, "getSession", sess.ID)
	require.Nil(t, resp.Error)
	var got v1.Session
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.NotNil(t, got.Error)
	assert.Equal(t, "broken pipe", got.Error.Message)
}

func TestFacade_SendMessageWithCallbacks_RequiresCapability(t *testing.T) {
	f := newFacadeFixture(t)
	sess := createSession(t, f, nil)

	resp := dispatch(t, f, &recordingCaps{}, "sendMessageWithCallbacks", sess.ID, "hi", map[string]any{"not": "a cap"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidArgument, resp.Error.Code)
}

func TestFacade_Query(t *testing.T) {
	f := newFacadeFixture(t)

	driveAgent(t, f, resultLine("the answer"))
	resp := dispatch(t, f, nil, "query", "what is it?")
	require.Nil(t, resp.Error)

	var result string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "the answer", result)
}

func TestFacade_QueryWithCallbacks(t *testing.T) {
	f := newFacadeFixture(t)

	caps := &recordingCaps{}
	driveAgent(t, f,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}`,
		resultLine("final text"),
	)

	resp := dispatch(t, f, caps, "queryWithCallbacks", "prompt", nil, rpc.EncodeCapRef("cap-q"))
	require.Nil(t, resp.Error)

	var result string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "final text", result)
	require.Eventually(t, func() bool {
		return len(caps.byMethod("onComplete")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFacade_InterruptResolvesInFlightSend(t *testing.T) {
	f := newFacadeFixture(t)
	sess := createSession(t, f, nil)

	caps := &recordingCaps{}
	done := make(chan *rpc.Frame, 1)
	go func() {
		done <- dispatch(t, f, caps, "sendMessageWithCallbacks", sess.ID, "long task", rpc.EncodeCapRef("cap-i"))
	}()

	// Wait for the agent process, then interrupt mid-flight.
	require.Eventually(t, func() bool {
		return f.sandbox.LastProcess() != nil
	}, 2*time.Second, 10*time.Millisecond)
	resp := dispatch(t, f, nil, "interrupt", sess.ID)
	require.Nil(t, resp.Error)

	select {
	case sendResp := <-done:
		require.NotNil(t, sendResp.Error)
		assert.Contains(t, sendResp.Error.Message, "interrupted")
	case <-time.After(3 * time.Second):
		t.Fatal("send never resolved after interrupt")
	}

	errCalls := caps.byMethod("onError")
	require.Len(t, errCalls, 1)

	var got v1.Session
	getResp := dispatch(t, f, nil, "getSession", sess.ID)
	require.NoError(t, json.Unmarshal(getResp.Result, &got))
	assert.Equal(t, v1.SessionStatusInterrupted, got.Status)
}

func TestFacade_ParallelQueriesStayIsolated(t *testing.T) {
	f := newFacadeFixture(t)

	const n = 10
	sessions := make([]*v1.Session, n)
	for i := 0; i < n; i++ {
		sessions[i] = createSession(t, f, map[string]any{"cwd": fmt.Sprintf("/work/%d", i)})
	}

	seen := make(map[string]bool, n)
	for i, sess := range sessions {
		assert.False(t, seen[sess.ID])
		seen[sess.ID] = true
		assert.Equal(t, fmt.Sprintf("/work/%d", i), sess.Cwd)
	}
}

func TestFacade_SubscriptionsTornDownAfterTerminal(t *testing.T) {
	f := newFacadeFixture(t)
	sess := createSession(t, f, nil)

	caps := &recordingCaps{}
	driveAgent(t, f, resultLine("done"))
	resp := dispatch(t, f, caps, "sendMessageWithCallbacks", sess.ID, "go", rpc.EncodeCapRef("cap-t"))
	require.Nil(t, resp.Error)

	before := len(caps.byMethod("onMessage"))
	// Events published after the terminal result must not reach the released
	// capability.
	ev, err := bus.NewEvent(events.KindOutput, sess.ID, map[string]string{"type": "assistant"})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), events.OutputKey(sess.ID), ev))
	assert.Equal(t, before, len(caps.byMethod("onMessage")))
}
