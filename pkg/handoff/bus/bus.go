// Package bus provides the asynchronous message bus abstraction the rest
// of the subsystem talks to: Broadcast/Unicast/Listen/Close over a single
// reliable group channel, with a routing key carried on every message so
// one channel can multiplex the handful of topics this subsystem needs
// (handoff_server.<peer>, data_writer.<peer>, process_status), the way an
// AMQP-based implementation would use one exchange with routing-key
// bindings.
package bus

import (
	"context"

	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

// Message is an inbound frame delivered to a subscriber, already split
// into its routing key and body by the envelope codec.
type Message struct {
	RoutingKey string
	Body       []byte
}

// Bus is the transport-level contract every component depends on.
// Production code is handed a *ReltBus; tests are handed a *MemoryBus.
type Bus interface {
	// Broadcast delivers body to every peer in the cluster, tagged with
	// routingKey. Used for ProcessStatus events.
	Broadcast(ctx context.Context, routingKey string, body []byte) error

	// Unicast delivers body to a single named peer, tagged with
	// routingKey. Used for HintedHandoff requests and ArchiveSegment
	// sends.
	Unicast(ctx context.Context, routingKey string, dest types.PeerName, body []byte) error

	// Listen returns the channel of inbound messages. Closed when the
	// bus is closed.
	Listen() <-chan Message

	Close() error
}

func encode(routingKey string, body []byte) []byte {
	return wire.Envelope{RoutingKey: routingKey, Body: body}.Encode()
}

func decode(raw []byte) (Message, error) {
	env, _, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return Message{}, err
	}
	return Message{RoutingKey: env.RoutingKey, Body: env.Body}, nil
}
