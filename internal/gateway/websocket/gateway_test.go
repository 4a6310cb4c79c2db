package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/internal/sandbox"
	"github.com/batondev/baton/internal/session"
	"github.com/batondev/baton/internal/session/handlers"
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

type gatewayFixture struct {
	gateway *Gateway
	bus     *bus.MemoryEventBus
	server  *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)

	gateway, err := NewGateway(eventBus, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go gateway.Hub.Run(ctx)
	t.Cleanup(cancel)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gateway.SetupRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{gateway: gateway, bus: eventBus, server: server}
}

func (f *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func (f *gatewayFixture) dial(t *testing.T) *rpc.Client {
	t.Helper()
	c := rpc.NewClient(rpc.ClientConfig{URL: f.wsURL()}, testLogger(t))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func TestGateway_RequestResponse(t *testing.T) {
	f := newGatewayFixture(t)
	f.gateway.Dispatcher.Register("echo", func(_ context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
		var text string
		if err := json.Unmarshal(args[0], &text); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidArgument, "bad arg")
		}
		return text, nil
	})
	c := f.dial(t)

	var got string
	require.NoError(t, c.Call("echo", "over the wire").AwaitInto(context.Background(), &got))
	assert.Equal(t, "over the wire", got)

	// Built-in health handler answers too.
	var health map[string]string
	require.NoError(t, c.Call("health.check").AwaitInto(context.Background(), &health))
	assert.Equal(t, "ok", health["status"])
}

func TestGateway_UnknownMethod(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.dial(t)

	_, err := c.Call("no.such.method").Await(context.Background())
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeUnknownMethod, rpcErr.Code)
}

func TestGateway_StatusBroadcast(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.dial(t)

	received := make(chan events.StatusPayload, 4)
	unsubscribe := c.OnNotification("session.status", func(args []json.RawMessage) {
		var payload events.StatusPayload
		if json.Unmarshal(args[0], &payload) == nil {
			received <- payload
		}
	})
	defer unsubscribe()

	var ok bool
	require.NoError(t, c.Call("session.subscribe", "sess-1").AwaitInto(context.Background(), &ok))
	require.True(t, ok)

	publish := func(sessionID, status string) {
		ev, err := bus.NewEvent(events.KindStatus, sessionID, events.StatusPayload{SessionID: sessionID, Status: status})
		require.NoError(t, err)
		require.NoError(t, f.bus.Publish(context.Background(), events.StatusKey(sessionID), ev))
	}
	publish("sess-1", "completed")
	publish("sess-2", "active") // not subscribed

	select {
	case payload := <-received:
		assert.Equal(t, "sess-1", payload.SessionID)
		assert.Equal(t, "completed", payload.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no status broadcast received")
	}
	select {
	case payload := <-received:
		t.Fatalf("unexpected broadcast for %s", payload.SessionID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGateway_WildcardStatusSubscription(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.dial(t)

	received := make(chan events.StatusPayload, 4)
	defer c.OnNotification("session.status", func(args []json.RawMessage) {
		var payload events.StatusPayload
		if json.Unmarshal(args[0], &payload) == nil {
			received <- payload
		}
	})()

	var ok bool
	require.NoError(t, c.Call("session.subscribe").AwaitInto(context.Background(), &ok))

	ev, err := bus.NewEvent(events.KindStatus, "any-session", events.StatusPayload{SessionID: "any-session", Status: "error"})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), events.StatusKey("any-session"), ev))

	select {
	case payload := <-received:
		assert.Equal(t, "any-session", payload.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard subscriber saw nothing")
	}
}

func TestGateway_CapabilityCallback(t *testing.T) {
	f := newGatewayFixture(t)
	f.gateway.Dispatcher.Register("watch", func(_ context.Context, args []json.RawMessage, caps rpc.CapInvoker) (any, error) {
		capID, ok := rpc.DecodeCapRef(args[0])
		if !ok {
			return nil, rpc.NewError(rpc.CodeInvalidArgument, "expected capability")
		}
		caps.InvokeCap(capID, "onMessage", map[string]string{"text": "streamed"})
		return "watching", nil
	})
	c := f.dial(t)

	received := make(chan string, 1)
	handle, release := c.RegisterCapability(map[string]rpc.CapFunc{
		"onMessage": func(args []json.RawMessage) {
			var payload map[string]string
			_ = json.Unmarshal(args[0], &payload)
			received <- payload["text"]
		},
	})
	defer release()

	var got string
	require.NoError(t, c.Call("watch", handle).AwaitInto(context.Background(), &got))
	assert.Equal(t, "watching", got)

	select {
	case text := <-received:
		assert.Equal(t, "streamed", text)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never arrived")
	}
}

// registerSessionFacade wires the full session stack onto the gateway's
// dispatcher so transport-level tests can drive real session methods.
func registerSessionFacade(t *testing.T, f *gatewayFixture) *sandbox.Fake {
	t.Helper()
	log := testLogger(t)
	fakeSandbox := sandbox.NewFake()
	procs := process.NewManager(fakeSandbox, f.bus, config.AgentConfig{Command: "claude"}, log)

	reg, err := session.NewRegistry(config.RegistryConfig{}, store.NewMemory(), f.bus, procs, fakeSandbox, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })

	handlers.NewFacade(reg, f.bus, config.RPCConfig{ResultTimeout: 30}, f.gateway.Dispatcher, log)
	return fakeSandbox
}

func TestGateway_ConcurrentRequestsOnOneConnection(t *testing.T) {
	f := newGatewayFixture(t)

	gate := make(chan struct{})
	f.gateway.Dispatcher.Register("hold", func(_ context.Context, _ []json.RawMessage, _ rpc.CapInvoker) (any, error) {
		<-gate
		return "held", nil
	})
	f.gateway.Dispatcher.Register("open", func(_ context.Context, _ []json.RawMessage, _ rpc.CapInvoker) (any, error) {
		close(gate)
		return "opened", nil
	})
	c := f.dial(t)

	held := c.Call("hold")

	// The second request must be read and dispatched while the first is
	// still blocked, and its response may arrive first.
	var opened string
	require.NoError(t, c.Call("open").AwaitInto(context.Background(), &opened))
	assert.Equal(t, "opened", opened)

	var got string
	require.NoError(t, held.AwaitInto(context.Background(), &got))
	assert.Equal(t, "held", got)
}

func TestGateway_InterruptOnSameConnection(t *testing.T) {
	f := newGatewayFixture(t)
	fakeSandbox := registerSessionFacade(t, f)
	c := f.dial(t)

	var sess v1.Session
	require.NoError(t, c.Call("createSession", nil).AwaitInto(context.Background(), &sess))

	handle, release := c.RegisterCapability(map[string]rpc.CapFunc{
		"onMessage":  func([]json.RawMessage) {},
		"onError":    func([]json.RawMessage) {},
		"onComplete": func([]json.RawMessage) {},
	})
	defer release()

	send := c.Call("sendMessageWithCallbacks", sess.ID, "long task", handle)

	// Wait for the agent process, then interrupt over the same connection
	// while the send is still awaiting its terminal event.
	require.Eventually(t, func() bool {
		return fakeSandbox.LastProcess() != nil
	}, 2*time.Second, 10*time.Millisecond)
	_, err := c.Call("interrupt", sess.ID).Await(context.Background())
	require.NoError(t, err)

	_, err = send.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")

	var got v1.Session
	require.NoError(t, c.Call("getSession", sess.ID).AwaitInto(context.Background(), &got))
	assert.Equal(t, v1.SessionStatusInterrupted, got.Status)
}

func TestGateway_BatchEndpoint(t *testing.T) {
	f := newGatewayFixture(t)
	f.gateway.Dispatcher.Register("echo", func(_ context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
		return json.RawMessage(args[0]), nil
	})

	b := rpc.NewBatchClient(f.server.URL+"/rpc", nil, time.Second)
	var got string
	require.NoError(t, b.CallInto(context.Background(), &got, "echo", "posted"))
	assert.Equal(t, "posted", got)
}

func TestGateway_BatchRejectsCapabilities(t *testing.T) {
	f := newGatewayFixture(t)

	// Bypass the client-side guard by posting the frame directly.
	frame := &rpc.Frame{
		ID:     "raw-1",
		Method: "sendMessageWithCallbacks",
		Args:   []json.RawMessage{json.RawMessage(`"sess"`), json.RawMessage(`"hi"`), rpc.EncodeCapRef("cap-x")},
	}
	body, err := json.Marshal(frame)
	require.NoError(t, err)

	resp, err := f.server.Client().Post(f.server.URL+"/rpc", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply rpc.Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, rpc.CodeUnsupported, reply.Error.Code)
}
