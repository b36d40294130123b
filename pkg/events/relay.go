package events

import (
	"fmt"
	"log/slog"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/rpcerr"
)

const relayLogPrefix = "events:relay"

// DefaultRelayEvents are relayed when RelayOpts.Events is empty.
var DefaultRelayEvents = []string{ClientResponseError, ServerResponseError}

// Publisher is the subset of a transport the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// RelayOpts configures Relay. Nil or zero values use defaults.
type RelayOpts struct {
	// Events lists the event names to relay.
	Events []string
	// Codec encodes the published payload. Defaults to JSON.
	Codec codec.Codec
}

// Relay republishes selected events to "<subject>.<event name>".
type Relay struct {
	pub     Publisher
	subject string
	events  []string
	codec   codec.Codec
}

// NewRelay creates a Relay. Pass nil for opts to use defaults.
func NewRelay(pub Publisher, subject string, opts *RelayOpts) *Relay {
	r := &Relay{pub: pub, subject: subject, events: DefaultRelayEvents, codec: codec.JSON{}}
	if opts != nil {
		if len(opts.Events) > 0 {
			r.events = opts.Events
		}
		if opts.Codec != nil {
			r.codec = opts.Codec
		}
	}
	return r
}

// Attach registers the relay on bus.
func (r *Relay) Attach(bus *Bus) {
	for _, name := range r.events {
		bus.On(name, r.Observe)
	}
}

// Observe publishes ev. Failures are logged; they never reach the call.
func (r *Relay) Observe(ev *Event) {
	data, err := r.codec.Marshal(&wireEvent{Event: ev, Error: rpcerr.Serialize(ev.Err)})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode %s event: %v", relayLogPrefix, ev.Name, err))
		return
	}

	subject := BuildSubject(r.subject, ev.Name)
	if err := r.pub.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", relayLogPrefix, subject, err))
		return
	}
	slog.Debug(fmt.Sprintf("%s - relayed %s to %s", relayLogPrefix, ev.Name, subject))
}

// BuildSubject builds the relay subject for an event.
func BuildSubject(prefix, name string) string {
	return fmt.Sprintf("%s.%s", prefix, name)
}
