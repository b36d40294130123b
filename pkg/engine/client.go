package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/events"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/rpcerr"
	"github.com/morezero/actbus/pkg/transport"
)

const clientLogPrefix = "engine:client"

// Callback receives the outcome of ActAsync.
type Callback func(result interface{}, err error)

// Act sends p and waits for the reply. The wait is bounded by timeout$ or the
// configured default, and by ctx. Registration-time problems (missing topic,
// malformed control fields, closed engine) are returned before anything is
// sent. A pub/sub pattern (pubsub$: true) returns (nil, nil) once published.
func (e *Engine) Act(ctx context.Context, p pattern.Pattern) (interface{}, error) {
	call, err := e.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, call)
}

// ActString is Act with the compact form "topic:math,cmd:add,a:1".
func (e *Engine) ActString(ctx context.Context, s string) (interface{}, error) {
	p, err := pattern.ParseString(s)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.ParseError, "invalid pattern string", err)
	}
	return e.Act(ctx, p)
}

// ActAsync sends p without blocking. cb, if not nil, is called exactly once on
// another goroutine, except for pub/sub patterns where it is never called.
// Registration-time problems are returned synchronously and cb is not called.
func (e *Engine) ActAsync(ctx context.Context, p pattern.Pattern, cb Callback) error {
	call, err := e.prepare(ctx, p)
	if err != nil {
		return err
	}

	if call.Control.PubSub && cb != nil {
		slog.Warn(fmt.Sprintf("%s - Callback for pub/sub pattern %s is never called", clientLogPrefix, call.Pattern.String()))
		cb = nil
	}

	go func() {
		result, err := e.execute(ctx, call)
		if cb != nil {
			cb(result, err)
		} else if err != nil {
			slog.Warn(fmt.Sprintf("%s - Unobserved error for %s: %v", clientLogPrefix, call.Pattern.String(), err))
		}
	}()
	return nil
}

// prepare validates p and allocates the call. Nothing is sent.
func (e *Engine) prepare(ctx context.Context, p pattern.Pattern) (*CallContext, error) {
	if e.closed.Load() {
		return nil, closedError()
	}

	parsed, err := pattern.Parse(p)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.ParseError, "invalid pattern", err)
	}
	if parsed.Control.Topic == "" {
		return nil, rpcerr.Newf(rpcerr.NoTopicToRequest, "no topic to request: %s", p.String()).
			WithDetails(map[string]interface{}{"pattern": p.String()})
	}

	return &CallContext{
		Pattern: p.Copy(),
		Control: parsed.Control,
		Parent:  CallFrom(ctx),
		engine:  e,
	}, nil
}

// execute runs the client lifecycle of call.
func (e *Engine) execute(ctx context.Context, call *CallContext) (interface{}, error) {
	pre := e.clientPre.Run(ctx, call)
	switch {
	case pre.Err != nil:
		call.Err = pre.Err
		return e.completeClient(ctx, call, pre.Panicked)
	case pre.Ended:
		slog.Debug(fmt.Sprintf("%s - %s ended before send", clientLogPrefix, call.CleanPattern.String()))
		call.Result = pre.Value
		return call.Result, nil
	}

	env := &codec.RequestEnvelope{
		Pattern:  call.Pattern.Clean(),
		Meta:     call.Meta,
		Delegate: call.Delegate,
		Trace:    call.Trace,
		Request:  call.Request,
	}
	data, err := codec.EncodeRequest(e.codec, env)
	if err != nil {
		call.Err = rpcerr.Wrap(rpcerr.ParseError, "failed to encode request", err)
		return e.completeClient(ctx, call, false)
	}

	topic := call.Control.Topic
	if call.Control.PubSub {
		if err := e.transport.Publish(topic, data); err != nil {
			call.Err = rpcerr.Wrap(rpcerr.TransportError, "publish failed", err)
			return e.completeClient(ctx, call, false)
		}
		slog.Debug(fmt.Sprintf("%s - Published %s", clientLogPrefix, call.CleanPattern.String()))
		return nil, nil
	}

	timeout := call.Control.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	raw, err := e.transport.Request(reqCtx, topic, data)
	cancel()

	if err != nil {
		call.Err = e.requestError(call, timeout, err)
	} else if reply, derr := codec.DecodeReply(e.codec, raw); derr != nil {
		call.Err = derr
	} else {
		call.Reply = reply
	}
	return e.completeClient(ctx, call, false)
}

// requestError classifies a transport failure.
func (e *Engine) requestError(call *CallContext, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, transport.ErrNoResponders):
		return rpcerr.Wrap(rpcerr.TimeoutError, fmt.Sprintf("no reply within %s", timeout), err).
			WithDetails(map[string]interface{}{
				"pattern": call.CleanPattern.String(),
				"topic":   call.Control.Topic,
				"timeout": timeout.String(),
			})
	case errors.Is(err, context.Canceled):
		return err
	default:
		return rpcerr.Wrap(rpcerr.TransportError, "request failed", err)
	}
}

// completeClient runs onClientPostRequest and produces the caller's outcome.
// It runs even when ctx is done so that timeouts pass through the same stages as replies.
func (e *Engine) completeClient(ctx context.Context, call *CallContext, crash bool) (interface{}, error) {
	if !crash {
		post := e.clientPost.Run(context.WithoutCancel(ctx), call)
		switch {
		case post.Err != nil:
			call.Err = post.Err
			call.Result = nil
			crash = post.Panicked
		case post.Ended:
			call.Result = post.Value
			call.Err = nil
		}
	}

	call.Request.Duration = codec.Since(call.Request.Timestamp)
	call.Trace.Duration = codec.Since(call.Trace.Timestamp)

	if call.Err != nil {
		call.Result = nil
		slog.Debug(fmt.Sprintf("%s - %s failed: %v", clientLogPrefix, call.CleanPattern.String(), call.Err))
		e.emit(events.ClientResponseError, call)
		if crash {
			e.fatal(call.Err)
		}
		return nil, call.Err
	}
	return call.Result, nil
}

// replyError rebuilds the error carried by a reply. Errors raised by the
// remote plumbing keep their name; anything else is a BusinessError wrapping
// the remote error.
func replyError(s *rpcerr.Serialized) error {
	remote := rpcerr.Deserialize(s)
	if rpcerr.IsFramework(remote.Name) || remote.Name == rpcerr.BusinessError {
		return remote
	}
	return rpcerr.Wrap(rpcerr.BusinessError, remote.Message, remote)
}
