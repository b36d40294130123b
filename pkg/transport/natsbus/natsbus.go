// Package natsbus implements transport.Transport on NATS.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/actbus/pkg/transport"
)

const logPrefix = "natsbus:natsbus"

// Bus adapts a NATS connection to transport.Transport.
type Bus struct {
	nc    *comms.Conn
	owned bool
}

// Connect creates a NATS connection to the given URL and wraps it. Close drains it.
func Connect(url, name string) (*Bus, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to NATS at %s as %s", logPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - NATS disconnected: %v", logPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, nc.ConnectedUrl()))
	return &Bus{nc: nc, owned: true}, nil
}

// New wraps an existing connection. Close leaves the connection open.
func New(nc *comms.Conn) *Bus {
	return &Bus{nc: nc}
}

// Conn returns the underlying connection.
func (b *Bus) Conn() *comms.Conn {
	return b.nc
}

// Publish sends data to subject.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return mapErr(err)
	}
	return nil
}

type subscription struct {
	sub *comms.Subscription
}

func (s *subscription) Subject() string {
	return s.sub.Subject
}

func (s *subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrBadSubscription) {
		return mapErr(err)
	}
	return nil
}

// Subscribe registers h on subject, as a queue subscription when opts.Queue is set.
func (b *Bus) Subscribe(subject string, opts transport.SubscribeOptions, h transport.Handler) (transport.Subscription, error) {
	cb := func(msg *comms.Msg) {
		h(msg.Data, msg.Reply)
	}

	var (
		sub *comms.Subscription
		err error
	)
	if opts.Queue != "" {
		sub, err = b.nc.QueueSubscribe(subject, opts.Queue, cb)
	} else {
		sub, err = b.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, mapErr(err))
	}

	if opts.MaxMessages > 0 {
		if err := sub.AutoUnsubscribe(opts.MaxMessages); err != nil {
			_ = sub.Unsubscribe()
			return nil, fmt.Errorf("%s - failed to limit %s to %d messages: %w", logPrefix, subject, opts.MaxMessages, err)
		}
	}

	slog.Debug(fmt.Sprintf("%s - Subscribed to %s queue=%q max=%d", logPrefix, subject, opts.Queue, opts.MaxMessages))
	return &subscription{sub: sub}, nil
}

// Request sends data to subject and waits for the first reply.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, mapErr(err)
	}
	return msg.Data, nil
}

// Flush waits until buffered messages have been written to the server.
func (b *Bus) Flush() error {
	if err := b.nc.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("%s - failed to flush: %w", logPrefix, mapErr(err))
	}
	return nil
}

// IsConnected reports whether the connection is currently established.
func (b *Bus) IsConnected() bool {
	return b.nc.IsConnected()
}

// Close drains the connection when it was opened by Connect.
func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}
	if err := b.nc.Drain(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
		return fmt.Errorf("%s - failed to drain connection: %w", logPrefix, err)
	}
	return nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, comms.ErrNoResponders):
		return transport.ErrNoResponders
	case errors.Is(err, comms.ErrConnectionClosed), errors.Is(err, comms.ErrConnectionDraining):
		return transport.ErrClosed
	case errors.Is(err, comms.ErrTimeout):
		return context.DeadlineExceeded
	}
	return err
}
