// Package events lets observers watch the call lifecycle without affecting it.
package events

import (
	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/rpcerr"
)

// Lifecycle event names.
const (
	ClientPreRequest    = "clientPreRequest"
	ClientPostRequest   = "clientPostRequest"
	ClientResponseError = "clientResponseError"
	ServerPreRequest    = "serverPreRequest"
	ServerPreHandler    = "serverPreHandler"
	ServerPreResponse   = "serverPreResponse"
	ServerResponseError = "serverResponseError"
	Add                 = "add"
	Remove              = "remove"
	Close               = "close"
)

// Event is a read-only snapshot of a call at one lifecycle point.
type Event struct {
	Name    string                 `json:"name"`
	Topic   string                 `json:"topic,omitempty"`
	Pattern string                 `json:"pattern,omitempty"`
	Trace   codec.Trace            `json:"trace"`
	Request codec.RequestInfo      `json:"request"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
	Plugin  string                 `json:"plugin,omitempty"`
	Err     error                  `json:"-"`
}

// wireEvent is the JSON form published by Relay.
type wireEvent struct {
	*Event
	Error *rpcerr.Serialized `json:"error,omitempty"`
}
