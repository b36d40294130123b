package engine

import (
	"context"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/pattern"
)

// CallContext is the state of one outgoing call or one inbound request.
// It is created fresh for every Act and every inbound message and is owned
// by that call alone.
type CallContext struct {
	// Pattern is the outgoing pattern on the client and the decoded inbound pattern on the server.
	Pattern pattern.Pattern
	// CleanPattern is Pattern without control fields.
	CleanPattern pattern.Pattern
	// Control holds the parsed control fields of Pattern.
	Control pattern.Control

	Trace    codec.Trace
	Request  codec.RequestInfo
	Meta     map[string]interface{}
	Delegate map[string]interface{}

	// Action is the matched action. Server side only.
	Action *Action
	// Result and Err hold the outcome of the call.
	Result interface{}
	Err    error
	// Reply is the decoded reply envelope. Client side only, nil until a reply arrives.
	Reply *codec.ReplyEnvelope
	// ShouldCrash is set after a fatal error; the process exits once the reply is sent.
	ShouldCrash bool
	// ReplyTo is the reply subject of an inbound request, empty for pub/sub.
	ReplyTo string
	// Parent is the server call an outgoing call was issued from, if any.
	Parent *CallContext

	engine *Engine
	raw    []byte
}

// Engine returns the engine handling the call.
func (c *CallContext) Engine() *Engine {
	return c.engine
}

// IsPubSub reports whether the call is fire-and-forget.
func (c *CallContext) IsPubSub() bool {
	return c.Request.Type == codec.RequestTypePubSub
}

type callKey struct{}

// WithCall returns a context carrying call. An Act issued with the returned
// context becomes a child of call.
func WithCall(ctx context.Context, call *CallContext) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// CallFrom returns the call carried by ctx, or nil.
func CallFrom(ctx context.Context) *CallContext {
	call, _ := ctx.Value(callKey{}).(*CallContext)
	return call
}

// mergeMaps returns a new map with the entries of base overlaid by over.
func mergeMaps(base, over map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
