package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
)

// ConnState is one phase of the client connection lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

const (
	defaultCallTimeout    = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectBase  = time.Second
	defaultMaxReconnects  = 5

	clientWriteWait      = 10 * time.Second
	clientPongWait       = 60 * time.Second
	clientPingPeriod     = (clientPongWait * 9) / 10
	clientMaxMessageSize = 512 * 1024
)

// ClientConfig configures a duplex RPC client.
type ClientConfig struct {
	URL            string
	Headers        http.Header
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	MaxReconnects  int
}

func (c *ClientConfig) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
}

// CapFunc handles one callback method invoked by the peer. Args arrive in
// wire form.
type CapFunc func(args []json.RawMessage)

// pendingEntry is one in-flight call awaiting its response.
type pendingEntry struct {
	call  *PendingCall
	timer *time.Timer
}

// Client is the duplex RPC client: one websocket, a pending-call table
// correlated by id, capability registration for server-to-client callbacks,
// and linear-backoff reconnect.
type Client struct {
	cfg    ClientConfig
	logger *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     ConnState
	stateSubs map[string]func(ConnState)
	pending   map[string]*pendingEntry
	caps      map[string]map[string]CapFunc
	notifs    map[string]map[string]CapFunc
	closed    bool
	attempts  int
	writeMu   sync.Mutex
}

// NewClient creates a client for the given endpoint. Call Connect to open
// the connection.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		logger:    log.WithComponent("rpc-client"),
		state:     StateDisconnected,
		stateSubs: make(map[string]func(ConnState)),
		pending:   make(map[string]*pendingEntry),
		caps:      make(map[string]map[string]CapFunc),
		notifs:    make(map[string]map[string]CapFunc),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange subscribes to connection state transitions. The returned
// function removes the subscription.
func (c *Client) OnStateChange(fn func(ConnState)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	c.stateSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

// setState transitions the state and notifies subscribers. Callers must not
// hold c.mu.
func (c *Client) setState(next ConnState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	subs := make([]func(ConnState), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}

// Connect dials the endpoint and starts the read loop. It is an error to
// connect a closed client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return NewError(CodeInternal, "client is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateError)
		return err
	}
	c.setState(StateConnected)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(clientMaxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Disconnect tears the connection down. All pending calls fail, and every
// registered handler is dropped so no closure keeps the connection alive.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.caps = make(map[string]map[string]CapFunc)
	c.notifs = make(map[string]map[string]CapFunc)
	c.stateSubs = make(map[string]func(ConnState))
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(clientWriteWait))
		conn.Close()
	}
	c.failPending(NewError(CodeInternal, "connection closed"))
	c.setStateLockedSafe(StateDisconnected)
}

// setStateLockedSafe is setState for paths where subscribers may already be
// gone.
func (c *Client) setStateLockedSafe(next ConnState) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
}

// Call issues a request with the client's default timeout.
func (c *Client) Call(method string, args ...any) *PendingCall {
	return c.CallWithTimeout(c.cfg.CallTimeout, method, args...)
}

// CallWithTimeout issues a request with a per-call timeout. The timer starts
// at send; on expiry the pending entry is removed and the call resolves with
// a timeout error.
func (c *Client) CallWithTimeout(timeout time.Duration, method string, args ...any) *PendingCall {
	call := newPendingCall(c, method)

	wireArgs, err := MarshalArgs(args...)
	if err != nil {
		call.resolve(nil, NewError(CodeInvalidArgument, "marshal args for %s: %s", method, err))
		return call
	}

	id := uuid.New().String()
	call.id = id
	frame := &Frame{ID: id, Method: method, Args: wireArgs}

	entry := &pendingEntry{call: call}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		call.resolve(nil, NewError(CodeInternal, "not connected"))
		return call
	}
	c.pending[id] = entry
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.removePending(id)
		call.resolve(nil, WrapError(err, CodeInternal))
		return call
	}

	entry.timer = time.AfterFunc(timeout, func() {
		if c.removePending(id) != nil {
			call.resolve(nil, NewError(CodeTimeout, "call %s timed out after %s", method, timeout))
		}
	})
	return call
}

// RegisterCapability exposes a set of callback methods to the peer. The
// returned argument is the opaque handle to pass in a call; the release
// function revokes the capability.
func (c *Client) RegisterCapability(methods map[string]CapFunc) (json.RawMessage, func()) {
	id := uuid.New().String()
	c.mu.Lock()
	c.caps[id] = methods
	c.mu.Unlock()
	release := func() {
		c.mu.Lock()
		delete(c.caps, id)
		c.mu.Unlock()
	}
	return EncodeCapRef(id), release
}

func (c *Client) writeFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return NewError(CodeInternal, "not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// removePending takes an entry out of the table, stopping its timer. Exactly
// one of response, timeout, or teardown wins.
func (c *Client) removePending(id string) *pendingEntry {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

func (c *Client) failPending(err *Error) {
	c.mu.Lock()
	entries := make([]*pendingEntry, 0, len(c.pending))
	for id, entry := range c.pending {
		delete(c.pending, id)
		entries = append(entries, entry)
	}
	c.mu.Unlock()
	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.call.resolve(nil, err)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}

		switch {
		case frame.IsResponse():
			entry := c.removePending(frame.ID)
			if entry == nil {
				continue
			}
			if frame.Error != nil {
				entry.call.resolve(nil, frame.Error)
			} else {
				entry.call.resolve(frame.Result, nil)
			}
		case frame.IsCapInvocation():
			c.invokeLocalCap(&frame)
		case frame.ID == "" && frame.Cap == "" && frame.Method != "":
			c.deliverNotification(&frame)
		default:
			c.logger.Debug("ignoring unexpected frame",
				zap.String("method", frame.Method),
				zap.String("id", frame.ID))
		}
	}
}

// invokeLocalCap runs a peer-initiated callback. A panicking handler is
// contained; there is no response frame either way.
func (c *Client) invokeLocalCap(frame *Frame) {
	c.mu.Lock()
	methods, ok := c.caps[frame.Cap]
	var fn CapFunc
	if ok {
		fn = methods[frame.Method]
	}
	c.mu.Unlock()
	if fn == nil {
		c.logger.Debug("callback for unknown capability",
			zap.String("cap", frame.Cap),
			zap.String("method", frame.Method))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("callback panicked",
				zap.String("method", frame.Method),
				zap.Any("panic", r))
		}
	}()
	fn(frame.Args)
}

// OnNotification subscribes to un-correlated one-way frames of the given
// method, such as session status broadcasts. The returned function removes
// the subscription.
func (c *Client) OnNotification(method string, fn CapFunc) func() {
	id := uuid.New().String()
	c.mu.Lock()
	if c.notifs[method] == nil {
		c.notifs[method] = make(map[string]CapFunc)
	}
	c.notifs[method][id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.notifs[method], id)
		c.mu.Unlock()
	}
}

func (c *Client) deliverNotification(frame *Frame) {
	c.mu.Lock()
	fns := make([]CapFunc, 0, len(c.notifs[frame.Method]))
	for _, fn := range c.notifs[frame.Method] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(frame.Args)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleDisconnect reacts to an unexpected close: fail in-flight calls, then
// reconnect with linearly growing delay up to the attempt bound.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	c.failPending(NewError(CodeInternal, "connection lost: %s", cause))
	if closed {
		return
	}

	c.logger.Warn("connection lost, reconnecting", zap.Error(cause))
	c.setState(StateDisconnected)
	go c.reconnect()
}

func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnects {
			c.logger.Error("reconnect attempts exhausted",
				zap.Int("attempts", c.cfg.MaxReconnects))
			c.setState(StateError)
			return
		}

		delay := time.Duration(attempt) * c.cfg.ReconnectBase
		c.logger.Info("scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		time.Sleep(delay)

		c.setState(StateConnecting)
		if err := c.dial(context.Background()); err != nil {
			c.logger.Warn("reconnect failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			c.setState(StateDisconnected)
			continue
		}
		c.setState(StateConnected)
		return
	}
}

// PendingCall is an in-flight call's addressable result. Completion is
// observable only through Await or Pipe; the value is never readable before
// resolution.
type PendingCall struct {
	client *Client
	method string
	id     string

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newPendingCall(c *Client, method string) *PendingCall {
	return &PendingCall{
		client: c,
		method: method,
		done:   make(chan struct{}),
	}
}

func (p *PendingCall) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Await blocks until the call resolves or the context ends.
func (p *PendingCall) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, NewError(CodeTimeout, "await %s: %s", p.method, ctx.Err())
	}
}

// AwaitInto awaits the call and decodes the result.
func (p *PendingCall) AwaitInto(ctx context.Context, v any) error {
	result, err := p.Await(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, v)
}

// Pipe chains a follow-up call: once this call resolves, method is invoked
// with the resolved value prepended to args. Errors propagate to the
// returned pending result without issuing the chained call.
func (p *PendingCall) Pipe(method string, args ...any) *PendingCall {
	next := newPendingCall(p.client, method)
	go func() {
		result, err := p.Await(context.Background())
		if err != nil {
			next.resolve(nil, err)
			return
		}
		chained := append([]any{json.RawMessage(result)}, args...)
		inner := p.client.Call(method, chained...)
		innerResult, innerErr := inner.Await(context.Background())
		next.resolve(innerResult, innerErr)
	}()
	return next
}
