package rpc

import (
	"context"
	"encoding/json"
	"sync"
)

// CapInvoker delivers fire-and-forget callback invocations to the peer that
// supplied a capability. Implementations must not block on the peer
// acknowledging; there is no response frame.
type CapInvoker interface {
	InvokeCap(capID, method string, args ...any)
}

// HandlerFunc executes one RPC method. Args arrive in wire form; caps gives
// access to capability handles the caller passed.
type HandlerFunc func(ctx context.Context, args []json.RawMessage, caps CapInvoker) (any, error)

// Dispatcher routes request frames to registered method handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds a method name to its handler.
func (d *Dispatcher) Register(method string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch executes the request and builds its response frame. Handler
// errors become structured RPC errors; an unregistered method yields
// UNKNOWN_METHOD.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Frame, caps CapInvoker) *Frame {
	d.mu.RLock()
	handler, ok := d.handlers[req.Method]
	d.mu.RUnlock()

	resp := &Frame{ID: req.ID}
	if !ok {
		resp.Error = NewError(CodeUnknownMethod, "unknown method %q", req.Method)
		return resp
	}

	result, err := handler(ctx, req.Args, caps)
	if err != nil {
		resp.Error = WrapError(err, CodeInternal)
		return resp
	}

	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = NewError(CodeInternal, "marshal result: %s", err)
		return resp
	}
	resp.Result = data
	return resp
}
