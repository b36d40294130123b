package codec

import (
	"fmt"
	"time"

	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/rpcerr"
)

const logPrefix = "codec:envelope"

// Request types.
const (
	RequestTypeRequest = "request"
	RequestTypePubSub  = "pubsub"
)

// Trace carries distributed-tracing correlation. Timestamps and durations are nanoseconds.
type Trace struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Service      string `json:"service,omitempty"`
	Method       string `json:"method,omitempty"`
	Duration     int64  `json:"duration,omitempty"`
}

// RequestInfo identifies a single request. Timestamps and durations are nanoseconds.
type RequestInfo struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Duration  int64  `json:"duration,omitempty"`
}

// RequestEnvelope is sent by a client.
type RequestEnvelope struct {
	Pattern  pattern.Pattern        `json:"pattern"`
	Meta     map[string]interface{} `json:"meta"`
	Delegate map[string]interface{} `json:"delegate"`
	Trace    Trace                  `json:"trace"`
	Request  RequestInfo            `json:"request"`
}

// ReplyEnvelope is sent back by a server. Exactly one of Result and Error is
// set; a successful call without a value carries an empty object.
type ReplyEnvelope struct {
	Result  interface{}            `json:"result"`
	Error   *rpcerr.Serialized     `json:"error"`
	Meta    map[string]interface{} `json:"meta"`
	Trace   Trace                  `json:"trace"`
	Request RequestInfo            `json:"request"`
}

// Now returns the current time in the unit used by envelope timestamps.
func Now() int64 {
	return time.Now().UnixNano()
}

// Since returns the non-negative nanoseconds elapsed since ts.
func Since(ts int64) int64 {
	d := Now() - ts
	if d < 0 {
		return 0
	}
	return d
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(c Codec, env *RequestEnvelope) ([]byte, error) {
	data, err := c.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode request: %w", logPrefix, err)
	}
	return data, nil
}

// DecodeRequest parses a request envelope. Failures are ParseError.
func DecodeRequest(c Codec, data []byte) (*RequestEnvelope, error) {
	var env RequestEnvelope
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, rpcerr.Wrap(rpcerr.ParseError, "invalid request envelope", err)
	}
	if env.Pattern == nil {
		return nil, rpcerr.New(rpcerr.ParseError, "request envelope has no pattern")
	}
	return &env, nil
}

// EncodeReply serializes a reply envelope.
func EncodeReply(c Codec, env *ReplyEnvelope) ([]byte, error) {
	data, err := c.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode reply: %w", logPrefix, err)
	}
	return data, nil
}

// DecodeReply parses a reply envelope. Failures are ParseError.
func DecodeReply(c Codec, data []byte) (*ReplyEnvelope, error) {
	var env ReplyEnvelope
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, rpcerr.Wrap(rpcerr.ParseError, "invalid reply envelope", err)
	}
	if env.Error != nil && env.Result != nil {
		return nil, rpcerr.New(rpcerr.ParseError, "reply envelope carries both result and error")
	}
	return &env, nil
}
