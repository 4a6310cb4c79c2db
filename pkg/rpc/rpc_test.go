package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batondev/baton/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestFrame_Classification(t *testing.T) {
	req := &Frame{ID: "1", Method: "getSession", Args: nil}
	assert.True(t, req.IsRequest())
	assert.False(t, req.IsResponse())
	assert.False(t, req.IsCapInvocation())

	resp := &Frame{ID: "1", Result: json.RawMessage(`{}`)}
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsRequest())

	capInv := &Frame{Cap: "cap-1", Method: "onMessage"}
	assert.True(t, capInv.IsCapInvocation())
	assert.False(t, capInv.IsRequest())
	assert.False(t, capInv.IsResponse())
}

func TestDecodeCapRef(t *testing.T) {
	ref := EncodeCapRef("cap-42")
	id, ok := DecodeCapRef(ref)
	require.True(t, ok)
	assert.Equal(t, "cap-42", id)

	// Data that merely contains the key is not a handle.
	_, ok = DecodeCapRef(json.RawMessage(`{"$cap":"x","other":1}`))
	assert.False(t, ok)

	_, ok = DecodeCapRef(json.RawMessage(`{"text":"hello"}`))
	assert.False(t, ok)
	_, ok = DecodeCapRef(json.RawMessage(`"just a string"`))
	assert.False(t, ok)
	_, ok = DecodeCapRef(json.RawMessage(`42`))
	assert.False(t, ok)
}

func TestDispatcher_RoutesAndErrors(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(ctx context.Context, args []json.RawMessage, caps CapInvoker) (any, error) {
		var text string
		require.NoError(t, json.Unmarshal(args[0], &text))
		return map[string]string{"echo": text}, nil
	})
	d.Register("boom", func(ctx context.Context, args []json.RawMessage, caps CapInvoker) (any, error) {
		return nil, NewError(CodeNotFound, "no such session")
	})
	d.Register("plain", func(ctx context.Context, args []json.RawMessage, caps CapInvoker) (any, error) {
		return nil, context.DeadlineExceeded
	})

	args, err := MarshalArgs("hello")
	require.NoError(t, err)

	resp := d.Dispatch(context.Background(), &Frame{ID: "1", Method: "echo", Args: args}, nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", resp.ID)
	assert.JSONEq(t, `{"echo":"hello"}`, string(resp.Result))

	resp = d.Dispatch(context.Background(), &Frame{ID: "2", Method: "boom"}, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)

	// Plain errors are wrapped with the fallback code.
	resp = d.Dispatch(context.Background(), &Frame{ID: "3", Method: "plain"}, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternal, resp.Error.Code)

	resp = d.Dispatch(context.Background(), &Frame{ID: "4", Method: "nope"}, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnknownMethod, resp.Error.Code)
}

// echoServer upgrades connections and answers frames with the supplied
// function; nil responses are swallowed.
func echoServer(t *testing.T, handle func(conn *websocket.Conn, frame *Frame) *Frame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var writeMu sync.Mutex
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if resp := handle(conn, &frame); resp != nil {
				writeMu.Lock()
				err := conn.WriteJSON(resp)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectedClient(t *testing.T, srv *httptest.Server, cfg ClientConfig) *Client {
	t.Helper()
	cfg.URL = wsURL(srv)
	c := NewClient(cfg, testLogger(t))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func TestClient_CallRoundTrip(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		return &Frame{ID: frame.ID, Result: frame.Args[0]}
	})
	c := connectedClient(t, srv, ClientConfig{})

	var got string
	err := c.Call("echo", "round-trip").AwaitInto(context.Background(), &got)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", got)
}

func TestClient_Timeout(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		return nil // never answer
	})
	c := connectedClient(t, srv, ClientConfig{})

	_, err := c.CallWithTimeout(50*time.Millisecond, "slow").Await(context.Background())
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeTimeout, rpcErr.Code)

	// The pending table is clean and the connection remains usable.
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	var mu sync.Mutex
	var held *Frame
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			held = &Frame{ID: frame.ID, Result: json.RawMessage(`"first"`)}
			return nil
		}
		// Answer the second call, then the held first one.
		delayed := held
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = conn.WriteJSON(delayed)
		}()
		return &Frame{ID: frame.ID, Result: json.RawMessage(`"second"`)}
	})
	c := connectedClient(t, srv, ClientConfig{})

	first := c.Call("a")
	second := c.Call("b")

	var got string
	require.NoError(t, second.AwaitInto(context.Background(), &got))
	assert.Equal(t, "second", got)
	require.NoError(t, first.AwaitInto(context.Background(), &got))
	assert.Equal(t, "first", got)
}

func TestClient_MalformedFramesIgnored(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"phantom","result":1}`))
		return &Frame{ID: frame.ID, Result: json.RawMessage(`"ok"`)}
	})
	c := connectedClient(t, srv, ClientConfig{})

	var got string
	require.NoError(t, c.Call("m").AwaitInto(context.Background(), &got))
	assert.Equal(t, "ok", got)
}

func TestClient_Pipelining(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		switch frame.Method {
		case "getValue":
			return &Frame{ID: frame.ID, Result: json.RawMessage(`{"n":1}`)}
		case "addSuffix":
			// First arg is the piped value, second the caller's own arg.
			var piped map[string]int
			var suffix string
			_ = json.Unmarshal(frame.Args[0], &piped)
			_ = json.Unmarshal(frame.Args[1], &suffix)
			result, _ := json.Marshal(map[string]any{"n": piped["n"], "suffix": suffix})
			return &Frame{ID: frame.ID, Result: result}
		}
		return &Frame{ID: frame.ID, Error: NewError(CodeUnknownMethod, "unknown")}
	})
	c := connectedClient(t, srv, ClientConfig{})

	var got struct {
		N      int    `json:"n"`
		Suffix string `json:"suffix"`
	}
	err := c.Call("getValue").Pipe("addSuffix", "tail").AwaitInto(context.Background(), &got)
	require.NoError(t, err)
	assert.Equal(t, 1, got.N)
	assert.Equal(t, "tail", got.Suffix)
}

func TestClient_PipePropagatesError(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		return &Frame{ID: frame.ID, Error: NewError(CodeNotFound, "missing")}
	})
	c := connectedClient(t, srv, ClientConfig{})

	_, err := c.Call("getValue").Pipe("never").Await(context.Background())
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestClient_CapabilityInvocation(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		capID, ok := DecodeCapRef(frame.Args[0])
		if !ok {
			return &Frame{ID: frame.ID, Error: NewError(CodeInvalidArgument, "expected capability")}
		}
		args, _ := MarshalArgs("progress-1")
		_ = conn.WriteJSON(&Frame{Cap: capID, Method: "onMessage", Args: args})
		return &Frame{ID: frame.ID, Result: json.RawMessage(`"done"`)}
	})
	c := connectedClient(t, srv, ClientConfig{})

	received := make(chan string, 1)
	handle, release := c.RegisterCapability(map[string]CapFunc{
		"onMessage": func(args []json.RawMessage) {
			var text string
			_ = json.Unmarshal(args[0], &text)
			received <- text
		},
	})
	defer release()

	var got string
	require.NoError(t, c.Call("subscribe", handle).AwaitInto(context.Background(), &got))
	assert.Equal(t, "done", got)

	select {
	case text := <-received:
		assert.Equal(t, "progress-1", text)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestClient_StateTransitions(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		return &Frame{ID: frame.ID, Result: json.RawMessage(`null`)}
	})

	c := NewClient(ClientConfig{URL: wsURL(srv)}, testLogger(t))
	var mu sync.Mutex
	var seen []ConnState
	unsubscribe := c.OnStateChange(func(s ConnState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnState{StateConnecting, StateConnected}, seen[:2])
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	dropped := false
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		mu.Lock()
		defer mu.Unlock()
		if !dropped {
			dropped = true
			conn.Close()
			return nil
		}
		return &Frame{ID: frame.ID, Result: json.RawMessage(`"back"`)}
	})
	c := connectedClient(t, srv, ClientConfig{
		ReconnectBase: 10 * time.Millisecond,
		MaxReconnects: 5,
	})

	// The first call dies with the connection.
	_, err := c.Call("first").Await(context.Background())
	require.Error(t, err)

	// The client reconnects on its own and the next call works.
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	var got string
	require.NoError(t, c.Call("second").AwaitInto(context.Background(), &got))
	assert.Equal(t, "back", got)
}

func TestClient_DisconnectDropsHandlers(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, frame *Frame) *Frame {
		return &Frame{ID: frame.ID, Result: json.RawMessage(`null`)}
	})
	c := connectedClient(t, srv, ClientConfig{})

	_, release := c.RegisterCapability(map[string]CapFunc{"onMessage": func([]json.RawMessage) {}})
	defer release()
	c.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.caps)
	assert.Empty(t, c.stateSubs)
	assert.Empty(t, c.pending)
}

func TestBatchClient_CallAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var frame Frame
		require.NoError(t, json.NewDecoder(r.Body).Decode(&frame))
		require.True(t, frame.IsRequest())

		resp := Frame{ID: frame.ID}
		if frame.Method == "missing" {
			resp.Error = NewError(CodeNotFound, "no such session")
		} else {
			resp.Result = json.RawMessage(`{"ok":true}`)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	b := NewBatchClient(srv.URL, nil, time.Second)

	var got struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, b.CallInto(context.Background(), &got, "getSession", "sess-1"))
	assert.True(t, got.OK)

	err := b.CallInto(context.Background(), nil, "missing")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestBatchClient_RejectsCapabilities(t *testing.T) {
	b := NewBatchClient("http://unused.invalid/rpc", nil, time.Second)

	_, err := b.Call(context.Background(), "sendMessageWithCallbacks", "sess-1", "hi", EncodeCapRef("cap-1"))
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeUnsupported, rpcErr.Code)
}
