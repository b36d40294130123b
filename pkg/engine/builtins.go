package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/events"
	"github.com/morezero/actbus/pkg/ids"
	"github.com/morezero/actbus/pkg/pipeline"
	"github.com/morezero/actbus/pkg/rpcerr"
)

const builtinsLogPrefix = "engine:builtins"

// registerBuiltins installs the stages that run before any extension.
func (e *Engine) registerBuiltins() {
	e.clientPre.Add(e.stampCall)
	e.clientPost.Add(e.collectReply)
	e.serverPre.Add(e.decodeInbound)
	e.serverPreH.Add(e.emitStage(events.ServerPreHandler))
	e.serverPreRes.Add(e.emitStage(events.ServerPreResponse))
}

// stampCall fills trace, request and context bags of an outgoing call.
// The trace id is taken from trace$, else from the parent call, else new.
// The parent span is trace$.spanId or the parent call's span.
func (e *Engine) stampCall(_ context.Context, call *CallContext, _ interface{}) pipeline.Outcome {
	ctl := call.Control
	parent := call.Parent
	now := codec.Now()

	call.CleanPattern = call.Pattern.Clean()

	traceID, _ := ctl.Trace["traceId"].(string)
	parentSpan, _ := ctl.Trace["spanId"].(string)
	if parent != nil {
		if traceID == "" {
			traceID = parent.Trace.TraceID
		}
		if parentSpan == "" {
			parentSpan = parent.Trace.SpanID
		}
	}
	if traceID == "" {
		traceID = ids.NewTraceID()
	}
	call.Trace = codec.Trace{
		TraceID:      traceID,
		SpanID:       ids.NewSpanID(),
		ParentSpanID: parentSpan,
		Timestamp:    now,
		Service:      ctl.Topic,
		Method:       call.CleanPattern.String(),
	}

	requestType := codec.RequestTypeRequest
	if ctl.PubSub {
		requestType = codec.RequestTypePubSub
	}
	parentID := ctl.RequestParentID
	if parentID == "" && parent != nil {
		parentID = parent.Request.ID
	}
	call.Request = codec.RequestInfo{
		ID:        ids.NewRequestID(),
		ParentID:  parentID,
		Timestamp: now,
		Type:      requestType,
	}

	var parentMeta, parentDelegate map[string]interface{}
	if parent != nil {
		parentMeta, parentDelegate = parent.Meta, parent.Delegate
	}
	call.Meta = mergeMaps(parentMeta, ctl.Meta)
	call.Delegate = mergeMaps(parentDelegate, ctl.Delegate)

	slog.Debug(fmt.Sprintf("%s - act %s trace=%s span=%s request=%s", builtinsLogPrefix, call.Trace.Method, traceID, call.Trace.SpanID, call.Request.ID))
	e.emit(events.ClientPreRequest, call)
	return pipeline.Continue()
}

// collectReply copies the decoded reply into the call.
func (e *Engine) collectReply(_ context.Context, call *CallContext, _ interface{}) pipeline.Outcome {
	if reply := call.Reply; reply != nil {
		if reply.Error != nil {
			call.Err = replyError(reply.Error)
			call.Result = nil
		} else {
			call.Result = reply.Result
			call.Err = nil
		}
		if reply.Meta != nil {
			call.Meta = mergeMaps(call.Meta, reply.Meta)
		}
	}
	e.emit(events.ClientPostRequest, call)
	return pipeline.Continue()
}

// decodeInbound parses the raw message into the call and applies the load policy.
func (e *Engine) decodeInbound(_ context.Context, ex *Exchange, _ interface{}) pipeline.Outcome {
	call := ex.Call

	env, err := codec.DecodeRequest(e.codec, call.raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping undecodable request: %v", builtinsLogPrefix, err))
		return pipeline.Fail(err)
	}

	call.Pattern = env.Pattern
	call.CleanPattern = env.Pattern.Clean()
	call.Control.Topic = env.Pattern.Topic()
	call.Meta = env.Meta
	call.Delegate = env.Delegate
	call.Trace = env.Trace
	call.Request = env.Request
	if call.Request.Type == "" {
		call.Request.Type = codec.RequestTypeRequest
	}
	if call.ReplyTo == "" {
		call.Request.Type = codec.RequestTypePubSub
	}

	e.emit(events.ServerPreRequest, call)

	if e.cfg.Load.CheckPolicy {
		if snap, over := e.load.overloaded(e.cfg.Load); over {
			return pipeline.Fail(rpcerr.New(rpcerr.ProcessLoadError, "server is under load").
				WithDetails(map[string]interface{}{
					"heapBytes":  snap.HeapBytes,
					"goroutines": snap.Goroutines,
					"lag":        snap.Lag.String(),
				}))
		}
	}
	return pipeline.Continue()
}

// emitStage returns a stage that only emits the named event.
func (e *Engine) emitStage(name string) ServerStage {
	return func(_ context.Context, ex *Exchange, _ interface{}) pipeline.Outcome {
		e.emit(name, ex.Call)
		return pipeline.Continue()
	}
}
