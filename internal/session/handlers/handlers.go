// Package handlers exposes the session registry over RPC: session lifecycle,
// messaging with optional callback capabilities, control, and info methods.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/internal/session"
	v1 "github.com/batondev/baton/pkg/api/v1"
	"github.com/batondev/baton/pkg/rpc"
)

const defaultResultTimeout = 10 * time.Minute

// Facade adapts the session registry to the RPC dispatcher.
type Facade struct {
	registry      *session.Registry
	bus           bus.EventBus
	resultTimeout time.Duration
	logger        *logger.Logger
}

// NewFacade creates the facade and registers every method on the dispatcher.
func NewFacade(
	registry *session.Registry,
	eventBus bus.EventBus,
	cfg config.RPCConfig,
	dispatcher *rpc.Dispatcher,
	log *logger.Logger,
) *Facade {
	resultTimeout := cfg.ResultTimeoutDuration()
	if resultTimeout <= 0 {
		resultTimeout = defaultResultTimeout
	}
	f := &Facade{
		registry:      registry,
		bus:           eventBus,
		resultTimeout: resultTimeout,
		logger:        log.WithComponent("rpc-facade"),
	}

	dispatcher.Register("createSession", f.createSession)
	dispatcher.Register("getSession", f.getSession)
	dispatcher.Register("resumeSession", f.resumeSession)
	dispatcher.Register("listSessions", f.listSessions)
	dispatcher.Register("destroySession", f.destroySession)
	dispatcher.Register("sendMessage", f.sendMessage)
	dispatcher.Register("sendMessageWithCallbacks", f.sendMessageWithCallbacks)
	dispatcher.Register("query", f.query)
	dispatcher.Register("queryWithCallbacks", f.queryWithCallbacks)
	dispatcher.Register("interrupt", f.interrupt)
	dispatcher.Register("setPermissionMode", f.setPermissionMode)
	dispatcher.Register("supportedModels", f.supportedModels)
	dispatcher.Register("mcpServerStatus", f.mcpServerStatus)
	return f
}

// classify maps registry errors onto the RPC error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var validation *session.ValidationError
	if errors.As(err, &validation) {
		return rpc.NewError(rpc.CodeInvalidArgument, "%s", validation.Error())
	}
	if errors.Is(err, session.ErrNotFound) {
		return rpc.NewError(rpc.CodeNotFound, "%s", err.Error())
	}
	return err
}

func stringArg(args []json.RawMessage, index int, name string) (string, error) {
	if index >= len(args) {
		return "", rpc.NewError(rpc.CodeInvalidArgument, "missing argument %q", name)
	}
	var value string
	if err := json.Unmarshal(args[index], &value); err != nil {
		return "", rpc.NewError(rpc.CodeInvalidArgument, "argument %q must be a string", name)
	}
	if value == "" {
		return "", rpc.NewError(rpc.CodeInvalidArgument, "argument %q must not be empty", name)
	}
	return value, nil
}

func optionsArg(args []json.RawMessage, index int) json.RawMessage {
	if index >= len(args) {
		return nil
	}
	return args[index]
}

func capArg(args []json.RawMessage, index int) (string, error) {
	if index >= len(args) {
		return "", rpc.NewError(rpc.CodeInvalidArgument, "missing callbacks capability")
	}
	capID, ok := rpc.DecodeCapRef(args[index])
	if !ok {
		return "", rpc.NewError(rpc.CodeInvalidArgument, "callbacks argument must be a capability")
	}
	return capID, nil
}

func (f *Facade) createSession(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	sess, err := f.registry.CreateSession(ctx, optionsArg(args, 0))
	if err != nil {
		return nil, classify(err)
	}
	return sess, nil
}

func (f *Facade) getSession(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	sess, err := f.registry.GetSession(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	// Unknown ids resolve to null, not an error.
	return sess, nil
}

func (f *Facade) resumeSession(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	sess, err := f.registry.ResumeSession(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return sess, nil
}

func (f *Facade) listSessions(ctx context.Context, _ []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	sessions, err := f.registry.ListSessions(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return sessions, nil
}

func (f *Facade) destroySession(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	return nil, classify(f.registry.DestroySession(ctx, id))
}

func (f *Facade) sendMessage(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	text, err := stringArg(args, 1, "text")
	if err != nil {
		return nil, err
	}
	return nil, classify(f.registry.SendMessage(ctx, id, text))
}

func (f *Facade) sendMessageWithCallbacks(ctx context.Context, args []json.RawMessage, caps rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	text, err := stringArg(args, 1, "text")
	if err != nil {
		return nil, err
	}
	capID, err := capArg(args, 2)
	if err != nil {
		return nil, err
	}
	if caps == nil {
		return nil, rpc.NewError(rpc.CodeUnsupported, "capability arguments require a duplex connection")
	}
	_, err = f.runWithCallbacks(ctx, id, text, capID, caps)
	return nil, err
}

func (f *Facade) query(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	prompt, err := stringArg(args, 0, "prompt")
	if err != nil {
		return nil, err
	}
	sess, err := f.registry.CreateSession(ctx, optionsArg(args, 1))
	if err != nil {
		return nil, classify(err)
	}
	return f.runWithCallbacks(ctx, sess.ID, prompt, "", nil)
}

func (f *Facade) queryWithCallbacks(ctx context.Context, args []json.RawMessage, caps rpc.CapInvoker) (any, error) {
	prompt, err := stringArg(args, 0, "prompt")
	if err != nil {
		return nil, err
	}
	capID, err := capArg(args, 2)
	if err != nil {
		return nil, err
	}
	if caps == nil {
		return nil, rpc.NewError(rpc.CodeUnsupported, "capability arguments require a duplex connection")
	}
	sess, err := f.registry.CreateSession(ctx, optionsArg(args, 1))
	if err != nil {
		return nil, classify(err)
	}
	return f.runWithCallbacks(ctx, sess.ID, prompt, capID, caps)
}

// terminalEvent is the result- or error-shaped end of one send.
type terminalEvent struct {
	result *events.ResultPayload
	err    *events.ErrorPayload
}

// runWithCallbacks sends one message and blocks until the session's terminal
// result or error event. When a capability is supplied, streaming events are
// forwarded to it as one-way invocations. Subscriptions are torn down exactly
// once regardless of which terminal path fires.
func (f *Facade) runWithCallbacks(ctx context.Context, id, text, capID string, caps rpc.CapInvoker) (string, error) {
	terminal := make(chan terminalEvent, 1)
	var subs []bus.Subscription
	var teardown sync.Once
	unsubscribe := func() {
		teardown.Do(func() {
			for _, sub := range subs {
				_ = sub.Unsubscribe()
			}
		})
	}
	defer unsubscribe()

	subscribe := func(key string, handler bus.Handler) error {
		sub, err := f.bus.Subscribe(key, handler)
		if err != nil {
			return rpc.NewError(rpc.CodeInternal, "subscribe %s: %s", key, err)
		}
		subs = append(subs, sub)
		return nil
	}

	forward := func(method string) bus.Handler {
		return func(_ context.Context, event *bus.Event) error {
			caps.InvokeCap(capID, method, event.Data)
			return nil
		}
	}

	if caps != nil && capID != "" {
		streams := map[string]string{
			events.OutputKey(id): "onMessage",
			events.TodoKey(id):   "onTodoUpdate",
			events.PlanKey(id):   "onPlanUpdate",
			events.ToolKey(id):   "onToolUse",
		}
		for key, method := range streams {
			if err := subscribe(key, forward(method)); err != nil {
				return "", err
			}
		}
	}

	if err := subscribe(events.ResultKey(id), func(_ context.Context, event *bus.Event) error {
		var payload events.ResultPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		select {
		case terminal <- terminalEvent{result: &payload}:
		default:
		}
		return nil
	}); err != nil {
		return "", err
	}
	if err := subscribe(events.ErrorKey(id), func(_ context.Context, event *bus.Event) error {
		var payload events.ErrorPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		select {
		case terminal <- terminalEvent{err: &payload}:
		default:
		}
		return nil
	}); err != nil {
		return "", err
	}

	if err := f.registry.SendMessage(ctx, id, text); err != nil {
		return "", classify(err)
	}

	timer := time.NewTimer(f.resultTimeout)
	defer timer.Stop()

	select {
	case ev := <-terminal:
		unsubscribe()
		return f.finish(id, capID, caps, ev)
	case <-timer.C:
		unsubscribe()
		f.logger.Warn("no terminal event before deadline",
			zap.String("session_id", id),
			zap.Duration("timeout", f.resultTimeout))
		return "", rpc.NewError(rpc.CodeTimeout, "session %s produced no result within %s", id, f.resultTimeout)
	case <-ctx.Done():
		unsubscribe()
		return "", rpc.NewError(rpc.CodeTimeout, "send to session %s: %s", id, ctx.Err())
	}
}

// finish forwards the terminal event to onComplete/onError and shapes the
// call result.
func (f *Facade) finish(id, capID string, caps rpc.CapInvoker, ev terminalEvent) (string, error) {
	if ev.err != nil {
		if caps != nil && capID != "" {
			caps.InvokeCap(capID, "onError", ev.err)
		}
		if ev.err.Interrupted {
			return "", rpc.NewError(rpc.CodeInternal, "session %s interrupted", id)
		}
		return "", rpc.NewError(rpc.CodeInternal, "session %s failed: %s", id, ev.err.Message)
	}
	if caps != nil && capID != "" {
		caps.InvokeCap(capID, "onComplete", ev.result)
	}
	if ev.result.IsError {
		return "", rpc.NewError(rpc.CodeInternal, "session %s failed: %s", id, ev.result.Result)
	}
	return ev.result.Result, nil
}

func (f *Facade) interrupt(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	return nil, classify(f.registry.Interrupt(ctx, id))
}

func (f *Facade) setPermissionMode(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	mode, err := stringArg(args, 1, "mode")
	if err != nil {
		return nil, err
	}
	return nil, classify(f.registry.SetPermissionMode(ctx, id, v1.PermissionMode(mode)))
}

func (f *Facade) supportedModels(_ context.Context, _ []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	return f.registry.SupportedModels(), nil
}

func (f *Facade) mcpServerStatus(ctx context.Context, args []json.RawMessage, _ rpc.CapInvoker) (any, error) {
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	statuses, err := f.registry.MCPServerStatus(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return statuses, nil
}
