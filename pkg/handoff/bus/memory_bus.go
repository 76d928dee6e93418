package bus

import (
	"context"
	"sync"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// MemoryNetwork is a shared in-process registry of MemoryBus instances,
// standing in for the relt cluster in tests. Every peer opened against
// the same MemoryNetwork can reach every other.
type MemoryNetwork struct {
	mu    sync.Mutex
	peers map[types.PeerName]*MemoryBus
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[types.PeerName]*MemoryBus)}
}

// Open registers and returns a bus for peer on this network.
func (n *MemoryNetwork) Open(peer types.PeerName) *MemoryBus {
	n.mu.Lock()
	defer n.mu.Unlock()
	b := &MemoryBus{
		network: n,
		self:    peer,
		inbox:   make(chan Message, 256),
	}
	n.peers[peer] = b
	return b
}

func (n *MemoryNetwork) remove(peer types.PeerName) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, peer)
}

func (n *MemoryNetwork) snapshot() []*MemoryBus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*MemoryBus, 0, len(n.peers))
	for _, b := range n.peers {
		out = append(out, b)
	}
	return out
}

func (n *MemoryNetwork) find(peer types.PeerName) *MemoryBus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[peer]
}

// MemoryBus is a Bus implementation with no external transport, useful
// for deterministic unit and fuzz tests.
type MemoryBus struct {
	network *MemoryNetwork
	self    types.PeerName
	inbox   chan Message

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func (b *MemoryBus) Broadcast(ctx context.Context, routingKey string, body []byte) error {
	for _, peer := range b.network.snapshot() {
		peer.enqueue(ctx, Message{RoutingKey: routingKey, Body: append([]byte(nil), body...)})
	}
	return nil
}

func (b *MemoryBus) Unicast(ctx context.Context, routingKey string, dest types.PeerName, body []byte) error {
	peer := b.network.find(dest)
	if peer == nil {
		return nil // unreachable destination: silently dropped, as an unreachable relt peer would be
	}
	peer.enqueue(ctx, Message{RoutingKey: routingKey, Body: append([]byte(nil), body...)})
	return nil
}

// enqueue holds the read lock for the duration of the send so Close
// cannot close inbox out from under a send already in flight: Close
// takes the write lock before closing, which blocks until every
// enqueue holding the read lock has returned.
func (b *MemoryBus) enqueue(ctx context.Context, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.inbox <- msg:
	case <-ctx.Done():
	}
}

func (b *MemoryBus) Listen() <-chan Message {
	return b.inbox
}

func (b *MemoryBus) Close() error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.network.remove(b.self)
		close(b.inbox)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
