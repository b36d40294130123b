package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/events"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/rpcerr"
	"github.com/morezero/actbus/pkg/transport"
)

const serverLogPrefix = "engine:server"

// Add registers h for p and subscribes p's topic. It fails with
// NoTopicToSubscribe when p has no topic and with PatternAlreadyInUse when
// the same literal pattern is already registered.
func (e *Engine) Add(p pattern.Pattern, h Handler, mw ...Middleware) (*Action, error) {
	return e.add(p, h, mw, "")
}

func (e *Engine) add(p pattern.Pattern, h Handler, mw []Middleware, plugin string) (*Action, error) {
	if e.closed.Load() {
		return nil, closedError()
	}
	if h == nil {
		return nil, fmt.Errorf("%s - nil handler for %s", serverLogPrefix, p.String())
	}

	parsed, err := pattern.Parse(p)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.ParseError, "invalid pattern", err)
	}
	if parsed.Control.Topic == "" {
		return nil, rpcerr.Newf(rpcerr.NoTopicToSubscribe, "no topic to subscribe: %s", p.String()).
			WithDetails(map[string]interface{}{"pattern": p.String()})
	}

	action := &Action{
		Pattern:     parsed.Literals,
		Schema:      parsed.Schema,
		Raw:         p.Copy(),
		Topic:       parsed.Control.Topic,
		Broadcast:   parsed.Control.PubSub || parsed.Control.MaxMessages > 0,
		MaxMessages: parsed.Control.MaxMessages,
		Plugin:      plugin,
		Handler:     h,
		Middleware:  append([]Middleware(nil), mw...),
	}

	if err := e.router.Add(action.Pattern, action); err != nil {
		return nil, err
	}
	if err := e.subscribe(action); err != nil {
		e.router.Remove(action.Pattern)
		return nil, err
	}

	slog.Info(fmt.Sprintf("%s - Added %s (plugin=%q)", serverLogPrefix, action.Pattern.String(), plugin))
	if e.events.Has(events.Add) {
		e.events.Emit(&events.Event{Name: events.Add, Topic: action.Topic, Pattern: action.Pattern.String(), Plugin: plugin})
	}
	return action, nil
}

// Remove unregisters the action with exactly the literal fields of p and
// releases its topic subscription. p may be the pattern given to Add; its
// control fields and schema fragments are ignored.
func (e *Engine) Remove(p pattern.Pattern) bool {
	parsed, err := pattern.Parse(p)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Cannot remove %s: %v", serverLogPrefix, p.String(), err))
		return false
	}
	action, ok := e.router.Remove(parsed.Literals)
	if !ok {
		return false
	}
	e.unsubscribe(action.Topic)
	slog.Info(fmt.Sprintf("%s - Removed %s", serverLogPrefix, action.Pattern.String()))
	if e.events.Has(events.Remove) {
		e.events.Emit(&events.Event{Name: events.Remove, Topic: action.Topic, Pattern: action.Pattern.String(), Plugin: action.Plugin})
	}
	return true
}

// subscribe takes a reference on the action's topic subscription, creating it
// on first use. Request/reply topics use a queue group; broadcast topics do not.
func (e *Engine) subscribe(action *Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ts, ok := e.subs[action.Topic]; ok {
		if ts.broadcast != action.Broadcast {
			slog.Warn(fmt.Sprintf("%s - Topic %s already subscribed with broadcast=%v", serverLogPrefix, action.Topic, ts.broadcast))
		}
		ts.refs++
		return nil
	}

	opts := transport.SubscribeOptions{MaxMessages: action.MaxMessages}
	if !action.Broadcast {
		opts.Queue = e.queueGroup(action.Topic)
	}
	sub, err := e.transport.Subscribe(action.Topic, opts, e.receive)
	if err != nil {
		return rpcerr.Wrap(rpcerr.TransportError, fmt.Sprintf("failed to subscribe %s", action.Topic), err)
	}
	e.subs[action.Topic] = &topicSub{sub: sub, refs: 1, broadcast: action.Broadcast}

	slog.Debug(fmt.Sprintf("%s - Subscribed %s queue=%q", serverLogPrefix, action.Topic, opts.Queue))
	return nil
}

func (e *Engine) unsubscribe(topic string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts, ok := e.subs[topic]
	if !ok {
		return
	}
	ts.refs--
	if ts.refs > 0 {
		return
	}
	delete(e.subs, topic)
	if err := ts.sub.Unsubscribe(); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to unsubscribe %s: %v", serverLogPrefix, topic, err))
	}
}

func (e *Engine) queueGroup(topic string) string {
	return fmt.Sprintf("%s.%s", e.cfg.QueueGroupPrefix, topic)
}

// receive is the transport handler of every topic. It blocks while
// MaxInFlight requests are being handled.
func (e *Engine) receive(data []byte, reply string) {
	if err := e.slots.Acquire(e.baseCtx, 1); err != nil {
		return
	}

	e.lifecycle.RLock()
	if e.closed.Load() {
		e.lifecycle.RUnlock()
		e.slots.Release(1)
		return
	}
	e.inflight.Add(1)
	e.lifecycle.RUnlock()

	go func() {
		defer e.inflight.Done()
		defer e.slots.Release(1)
		e.dispatch(data, reply)
	}()
}

// dispatch runs the server lifecycle of one inbound message and sends exactly
// one reply when the message has a reply subject.
func (e *Engine) dispatch(data []byte, reply string) {
	call := &CallContext{ReplyTo: reply, engine: e, raw: data}
	ex := newExchange(call)
	ctx := WithCall(e.baseCtx, call)

	e.handle(ctx, ex)
	e.finish(ctx, ex)

	if ex.deferred != nil {
		ex.deferred()
	}
}

// handle runs everything up to the response: pre-request, lookup, pre-handler, handler.
func (e *Engine) handle(ctx context.Context, ex *Exchange) {
	call := ex.Call

	pre := e.serverPre.Run(ctx, ex)
	switch {
	case pre.Err != nil:
		call.Err = pre.Err
		call.ShouldCrash = pre.Panicked
		return
	case pre.Ended:
		ex.Res.End(pre.Value)
		return
	case ex.Res.Ended():
		return
	}

	action, ok := e.router.Lookup(call.Pattern)
	if !ok {
		call.Err = rpcerr.Newf(rpcerr.PatternNotFound, "no action matches %s", call.CleanPattern.String()).
			WithDetails(map[string]interface{}{"pattern": call.CleanPattern.String()})
		slog.Debug(fmt.Sprintf("%s - %v", serverLogPrefix, call.Err))
		return
	}
	call.Action = action

	preH := e.serverPreH.Run(ctx, ex)
	switch {
	case preH.Err != nil:
		call.Err = preValidationError(preH.Err)
		call.ShouldCrash = preH.Panicked
		return
	case preH.Ended:
		ex.Res.End(preH.Value)
		return
	case ex.Res.Ended():
		return
	}

	e.invoke(ctx, ex)
}

func preValidationError(err error) error {
	switch rpcerr.NameOf(err) {
	case rpcerr.PreValidationError, rpcerr.PayloadValidationError, rpcerr.FatalError:
		return err
	}
	return rpcerr.Wrap(rpcerr.PreValidationError, "request rejected before handler", err)
}

// invoke runs the action middleware and handler. A panic becomes
// ImplementationError and marks the call for crashing.
func (e *Engine) invoke(ctx context.Context, ex *Exchange) {
	call := ex.Call
	action := call.Action

	defer func() {
		if r := recover(); r != nil {
			call.Err = implementationError(action, r)
			call.ShouldCrash = true
		}
	}()

	for _, mw := range action.Middleware {
		if err := mw(ctx, ex.Req, ex.Res); err != nil {
			call.Err = rpcerr.Wrap(rpcerr.AddMiddlewareError, "middleware failed", err)
			return
		}
		if ex.Res.Ended() {
			return
		}
	}

	if call.IsPubSub() {
		ex.deferred = func() { e.runDetached(ctx, ex) }
		return
	}

	result, err := action.Handler(ctx, ex.Req)
	if err != nil {
		call.Err = businessError(err)
		return
	}
	call.Result = result
}

// runDetached runs a pub/sub handler after its request has been finished.
func (e *Engine) runDetached(ctx context.Context, ex *Exchange) {
	call := ex.Call
	defer func() {
		if r := recover(); r != nil {
			call.Err = implementationError(call.Action, r)
			e.emit(events.ServerResponseError, call)
			e.fatal(call.Err)
		}
	}()

	if _, err := call.Action.Handler(ctx, ex.Req); err != nil {
		slog.Warn(fmt.Sprintf("%s - Pub/sub handler %s failed: %v", serverLogPrefix, call.Action.Pattern.String(), err))
	}
}

// businessError marks an error returned by a handler as BusinessError, so a
// failure of a nested call is never taken for a failure of the caller's own call.
func businessError(err error) error {
	if rpcerr.NameOf(err) == rpcerr.BusinessError {
		return err
	}
	message := err.Error()
	if re, ok := err.(*rpcerr.Error); ok && re.Message != "" {
		message = re.Message
	}
	return rpcerr.Wrap(rpcerr.BusinessError, message, err)
}

func implementationError(action *Action, r interface{}) *rpcerr.Error {
	e := rpcerr.Newf(rpcerr.ImplementationError, "handler for %s panicked: %v", action.Pattern.String(), r)
	e.Stack = string(debug.Stack())
	if err, ok := r.(error); ok {
		e.Cause = err
	}
	return e
}

// finish runs onServerPreResponse, sends the reply and crashes when required.
func (e *Engine) finish(ctx context.Context, ex *Exchange) {
	call := ex.Call

	res := e.serverPreRes.Run(context.WithoutCancel(ctx), ex)
	switch {
	case res.Err != nil:
		call.Err = res.Err
		call.Result = nil
		if res.Panicked {
			call.ShouldCrash = true
		}
	case res.Ended:
		call.Result = res.Value
		call.Err = nil
	}

	call.Request.Duration = codec.Since(call.Request.Timestamp)
	call.Trace.Duration = codec.Since(call.Trace.Timestamp)

	if call.Err != nil {
		call.Result = nil
		slog.Debug(fmt.Sprintf("%s - %s answered with error: %v", serverLogPrefix, call.CleanPattern.String(), call.Err))
		e.emit(events.ServerResponseError, call)
	}

	if call.ReplyTo != "" {
		e.reply(call)
	}

	if call.ShouldCrash {
		e.fatal(call.Err)
	}
}

func (e *Engine) reply(call *CallContext) {
	result := call.Result
	if call.Err == nil {
		result = nonNull(result)
	}
	env := &codec.ReplyEnvelope{
		Result:  result,
		Error:   rpcerr.Serialize(call.Err),
		Meta:    call.Meta,
		Trace:   call.Trace,
		Request: call.Request,
	}
	data, err := codec.EncodeReply(e.codec, env)
	if err != nil {
		// The result could not be encoded; answer with the encoding failure instead.
		slog.Error(fmt.Sprintf("%s - %v", serverLogPrefix, err))
		env.Result = nil
		env.Error = rpcerr.Serialize(rpcerr.Wrap(rpcerr.FatalError, "failed to encode reply", err))
		if data, err = codec.EncodeReply(e.codec, env); err != nil {
			slog.Error(fmt.Sprintf("%s - Dropping reply to %s: %v", serverLogPrefix, call.ReplyTo, err))
			return
		}
	}

	if err := e.transport.Publish(call.ReplyTo, data); err != nil && !errors.Is(err, transport.ErrClosed) {
		slog.Error(fmt.Sprintf("%s - Failed to reply on %s: %v", serverLogPrefix, call.ReplyTo, err))
	}
}

// EmptyResult is the result sent when a request succeeds without a value.
// A reply always carries exactly one of result and error.
func EmptyResult() map[string]interface{} {
	return map[string]interface{}{}
}

// nonNull replaces a value that would encode as null: nil slices become
// empty lists, anything else nil becomes EmptyResult.
func nonNull(v interface{}) interface{} {
	if v == nil {
		return EmptyResult()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return []interface{}{}
		}
	case reflect.Ptr, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return EmptyResult()
		}
	}
	return v
}
