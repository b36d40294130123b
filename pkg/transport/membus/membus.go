// Package membus is an in-process transport.Transport. Subjects match exactly;
// there are no wildcards. Each subscription delivers on its own goroutine in
// publish order, like a NATS async subscription.
package membus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/morezero/actbus/pkg/transport"
)

const logPrefix = "membus:membus"

// pendingLimit is the per-subscription buffer; further messages are dropped.
const pendingLimit = 4096

type message struct {
	data  []byte
	reply string
}

type subscription struct {
	bus     *Bus
	subject string
	queue   string
	max     int
	count   int
	h       transport.Handler
	ch      chan message
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Subject() string {
	return s.subject
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	s.bus.remove(s)
	s.bus.mu.Unlock()
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run() {
	handled := 0
	for {
		select {
		case <-s.done:
			return
		case m := <-s.ch:
			s.h(m.data, m.reply)
			handled++
			if s.max > 0 && handled >= s.max {
				s.stop()
				return
			}
		}
	}
}

// Bus is an in-process message bus.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	rr     map[string]int
	closed bool
	inbox  atomic.Uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
		rr:   make(map[string]int),
	}
}

// Publish delivers data to every plain subscriber of subject and to one member of each queue group.
func (b *Bus) Publish(subject string, data []byte) error {
	_, err := b.publish(subject, data, "")
	return err
}

func (b *Bus) publish(subject string, data []byte, reply string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, transport.ErrClosed
	}

	var targets []*subscription
	groups := make(map[string][]*subscription)
	var order []string
	for _, s := range b.subs[subject] {
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		if _, seen := groups[s.queue]; !seen {
			order = append(order, s.queue)
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for _, q := range order {
		members := groups[q]
		key := subject + "\x00" + q
		targets = append(targets, members[b.rr[key]%len(members)])
		b.rr[key]++
	}

	// Copy so a subscriber never sees later mutation of the caller's slice.
	payload := append([]byte(nil), data...)
	for _, s := range targets {
		select {
		case s.ch <- message{data: payload, reply: reply}:
		default:
			slog.Warn(fmt.Sprintf("%s - slow consumer on %s, dropping message", logPrefix, subject))
			continue
		}
		s.count++
		if s.max > 0 && s.count >= s.max {
			b.detach(s)
		}
	}
	return len(targets), nil
}

// Subscribe registers h on subject.
func (b *Bus) Subscribe(subject string, opts transport.SubscribeOptions, h transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, transport.ErrClosed
	}

	s := &subscription{
		bus:     b,
		subject: subject,
		queue:   opts.Queue,
		max:     opts.MaxMessages,
		h:       h,
		ch:      make(chan message, pendingLimit),
		done:    make(chan struct{}),
	}
	b.subs[subject] = append(b.subs[subject], s)
	go s.run()

	slog.Debug(fmt.Sprintf("%s - Subscribed to %s queue=%q max=%d", logPrefix, subject, opts.Queue, opts.MaxMessages))
	return s, nil
}

// Request publishes data with a private inbox and waits for the first reply.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inbox := fmt.Sprintf("_INBOX.%d", b.inbox.Inc())
	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(inbox, transport.SubscribeOptions{MaxMessages: 1}, func(data []byte, _ string) {
		replies <- data
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	n, err := b.publish(subject, data, inbox)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, transport.ErrNoResponders
	}

	select {
	case data := <-replies:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops every subscription. Further calls fail with transport.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
	}
	b.subs = make(map[string][]*subscription)
	return nil
}

// SubscriberCount returns the number of subscriptions on subject.
func (b *Bus) SubscriberCount(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

// remove detaches s and stops its goroutine. Caller holds b.mu.
func (b *Bus) remove(s *subscription) {
	b.detach(s)
	s.stop()
}

// detach removes s from the subject table without stopping delivery of
// messages already queued. Caller holds b.mu.
func (b *Bus) detach(s *subscription) {
	list := b.subs[s.subject]
	for i, cur := range list {
		if cur == s {
			b.subs[s.subject] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.subject]) == 0 {
		delete(b.subs, s.subject)
	}
}
