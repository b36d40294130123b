package engine

import (
	"context"
	"fmt"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/pipeline"
)

// Handler implements an action. The returned value becomes the reply result;
// a nil value is sent as EmptyResult (an empty list for a nil slice). A
// returned error reaches the caller as BusinessError. ctx carries the server CallContext,
// so an Act issued with it is traced as a child call.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

// Middleware runs before the handler of one action. A returned error aborts
// the request with AddMiddlewareError. Calling res.End skips the handler.
type Middleware func(ctx context.Context, req *Request, res *Response) error

// Action is a registered handler bound to a pattern. It is immutable once added.
type Action struct {
	// Pattern holds the literal fields used as the router key.
	Pattern pattern.Pattern
	// Schema holds the schema fragments of the registration pattern, keyed by field.
	Schema map[string]map[string]interface{}
	// Raw is the registration pattern as given.
	Raw pattern.Pattern
	// Topic is the transport subject the action is served on.
	Topic string
	// Broadcast is true for pub/sub and streaming registrations.
	Broadcast bool
	// MaxMessages auto-unsubscribes a broadcast subscription after that many messages.
	MaxMessages int
	// Plugin names the plugin that added the action, empty for direct registrations.
	Plugin string

	Handler    Handler
	Middleware []Middleware
}

// Request is the read view of an inbound request handed to middleware, handlers and server stages.
type Request struct {
	call *CallContext
}

// Call returns the underlying call context.
func (r *Request) Call() *CallContext { return r.call }

// Pattern returns the inbound pattern.
func (r *Request) Pattern() pattern.Pattern { return r.call.Pattern }

// Action returns the matched action, nil before lookup.
func (r *Request) Action() *Action { return r.call.Action }

// Meta returns the meta bag.
func (r *Request) Meta() map[string]interface{} { return r.call.Meta }

// Delegate returns the delegate bag.
func (r *Request) Delegate() map[string]interface{} { return r.call.Delegate }

// Trace returns the trace of the request.
func (r *Request) Trace() codec.Trace { return r.call.Trace }

// Info returns the request identification.
func (r *Request) Info() codec.RequestInfo { return r.call.Request }

// Get returns the value of field key, nil when absent.
func (r *Request) Get(key string) interface{} {
	return r.call.Pattern[key]
}

// Float returns field key as a float64.
func (r *Request) Float(key string) (float64, bool) {
	v, present := r.call.Pattern[key]
	if !present {
		return 0, false
	}
	n, ok := pattern.Normalize(v)
	f, isNum := n.(float64)
	return f, ok && isNum
}

// String returns field key as a string.
func (r *Request) String(key string) (string, bool) {
	s, ok := r.call.Pattern[key].(string)
	return s, ok
}

// Decode copies the inbound pattern into v using the engine codec.
func (r *Request) Decode(v interface{}) error {
	c := r.call.engine.codec
	data, err := c.Marshal(r.call.Pattern)
	if err != nil {
		return fmt.Errorf("%s - failed to encode pattern: %w", logPrefix, err)
	}
	if err := c.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s - failed to decode pattern into %T: %w", logPrefix, v, err)
	}
	return nil
}

// Response is the write view of the reply handed to middleware and server stages.
type Response struct {
	call  *CallContext
	ended bool
}

// End sets v as the final result and clears any error.
func (r *Response) End(v interface{}) {
	r.call.Result = v
	r.call.Err = nil
	r.ended = true
}

// Ended reports whether End was called.
func (r *Response) Ended() bool { return r.ended }

// Payload returns the current result.
func (r *Response) Payload() interface{} { return r.call.Result }

// Err returns the current error.
func (r *Response) Err() error { return r.call.Err }

// Exchange is the argument of server extension stages.
type Exchange struct {
	Call *CallContext
	Req  *Request
	Res  *Response

	// deferred runs a pub/sub handler after the request is finished.
	deferred func()
}

func newExchange(call *CallContext) *Exchange {
	return &Exchange{Call: call, Req: &Request{call: call}, Res: &Response{call: call}}
}

// ClientStage is a stage of onClientPreRequest or onClientPostRequest.
type ClientStage = pipeline.Stage[*CallContext]

// ServerStage is a stage of onServerPreRequest, onServerPreHandler or onServerPreResponse.
type ServerStage = pipeline.Stage[*Exchange]
