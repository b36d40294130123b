// Package transport defines the publish/subscribe bus the engines run on.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNoResponders is returned by Request when nobody subscribes to the subject.
	ErrNoResponders = errors.New("transport: no responders")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives a message. reply is empty when the sender expects no answer.
type Handler func(data []byte, reply string)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Queue, when set, load-shares messages among subscribers of the same queue.
	Queue string
	// MaxMessages, when positive, unsubscribes automatically after that many messages.
	MaxMessages int
}

// Subscription is an active subscription.
type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Transport is a fire-and-forget message bus with an inbox-based request primitive.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, opts SubscribeOptions, h Handler) (Subscription, error)
	// Request publishes data with a private reply subject and returns the first
	// reply. It returns ctx.Err() when ctx ends first; later replies are dropped.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Close() error
}
