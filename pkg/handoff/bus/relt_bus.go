package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/jabolina/relt/pkg/relt"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// ReltBus is the production Bus, backed by github.com/jabolina/relt: one
// reliable group channel per process, with delivery multiplexed by
// address. The cluster-wide address carries broadcasts (ProcessStatus);
// each peer's own address carries unicasts addressed to it.
type ReltBus struct {
	log types.Logger

	self    types.PeerName
	cluster relt.GroupAddress

	r        *relt.Relt
	consumer chan Message

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReltBus opens a relt channel bound to self's own address, and
// additionally tracks clusterAddress for broadcasts.
func NewReltBus(self types.PeerName, clusterAddress string, log types.Logger) (*ReltBus, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = string(self)
	conf.Exchange = relt.GroupAddress(self)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, fmt.Errorf("handoff bus: new relt: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &ReltBus{
		log:      log,
		self:     self,
		cluster:  relt.GroupAddress(clusterAddress),
		r:        r,
		consumer: make(chan Message, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
	go b.poll()
	return b, nil
}

func (b *ReltBus) send(ctx context.Context, address relt.GroupAddress, routingKey string, body []byte) error {
	msg := relt.Send{Address: address, Data: encode(routingKey, body)}
	if err := b.r.Broadcast(ctx, msg); err != nil {
		return fmt.Errorf("handoff bus: send to %s: %w", address, err)
	}
	return nil
}

func (b *ReltBus) Broadcast(ctx context.Context, routingKey string, body []byte) error {
	return b.send(ctx, b.cluster, routingKey, body)
}

func (b *ReltBus) Unicast(ctx context.Context, routingKey string, dest types.PeerName, body []byte) error {
	return b.send(ctx, relt.GroupAddress(dest), routingKey, body)
}

func (b *ReltBus) Listen() <-chan Message {
	return b.consumer
}

func (b *ReltBus) Close() error {
	b.cancel()
	close(b.consumer)
	return b.r.Close()
}

func (b *ReltBus) poll() {
	listener, err := b.r.Consume()
	if err != nil {
		b.log.Errorf("handoff bus: consume: %v", err)
		return
	}
	for {
		select {
		case <-b.ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			if recv.Error != nil {
				b.log.Errorf("handoff bus: receive error from %s: %v", recv.Origin, recv.Error)
				continue
			}
			if len(recv.Data) == 0 {
				continue
			}
			msg, err := decode(recv.Data)
			if err != nil {
				b.log.Warnf("handoff bus: dropping malformed frame from %s: %v", recv.Origin, err)
				continue
			}
			b.deliver(msg)
		}
	}
}

func (b *ReltBus) deliver(msg Message) {
	timeout, cancel := context.WithTimeout(b.ctx, 250*time.Millisecond)
	defer cancel()
	select {
	case <-timeout.Done():
		b.log.Warnf("handoff bus: dropped %s, consumer not keeping up", msg.RoutingKey)
	case b.consumer <- msg:
	case <-b.ctx.Done():
	}
}

var _ Bus = (*ReltBus)(nil)
